package sentinel

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/config"
	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"
)

type fakeValidator struct {
	verdict  ValidatorVerdict
	err      error
	provider string
}

func (f *fakeValidator) Validate(ctx context.Context, plan planmodel.StrippedPlan, policyContext map[string]any) (ValidatorVerdict, error) {
	return f.verdict, f.err
}

func (f *fakeValidator) Provider() string { return f.provider }

func testSentinel(t *testing.T, validator Validator, profile config.TrustProfile, scoutProvider string) (*Sentinel, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	cfg := &config.Config{Trust: config.Trust{Profile: profile}}
	return New(NewMemory(s), validator, cfg, scoutProvider), s
}

func readOnlyPlan() *planmodel.ExecutionPlan {
	return &planmodel.ExecutionPlan{
		ID:    planmodel.NewJobID(),
		JobID: "job_1",
		Steps: []planmodel.ExecutionStep{
			{ID: "s1", Gear: "fs", Action: "read_file", Parameters: json.RawMessage(`{"path":"/tmp/a"}`), RiskLevel: planmodel.RiskLow},
		},
	}
}

func TestReviewApprovesLowRiskUnderSupervisedWhenValidatorApproves(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "approve"}, provider: "openai"}
	s, _ := testSentinel(t, validator, config.ProfileSupervised, "anthropic")

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, outcome.Kind)
	require.False(t, outcome.ProviderCoincidence)
}

func TestReviewHardFloorAlwaysNeedsApprovalEvenUnderAutonomous(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "approve"}, provider: "openai"}
	s, _ := testSentinel(t, validator, config.ProfileAutonomous, "anthropic")

	plan := &planmodel.ExecutionPlan{
		ID: planmodel.NewJobID(), JobID: "job_2",
		Steps: []planmodel.ExecutionStep{
			{ID: "s1", Gear: "shell", Action: "execute", Parameters: json.RawMessage(`{"command":"rm -rf /tmp/x"}`), RiskLevel: planmodel.RiskCritical},
		},
	}

	outcome, err := s.Review(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsUserApproval, outcome.Kind)
	require.NotNil(t, outcome.Request)
	require.Len(t, outcome.Request.Summary, 1)
}

func TestReviewValidatorRejectRejectsPlan(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "reject", Reasoning: "too dangerous"}, provider: "openai"}
	s, _ := testSentinel(t, validator, config.ProfileAutonomous, "anthropic")

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome.Kind)
	require.Equal(t, "too dangerous", outcome.Reason)
}

func TestReviewValidatorReviseNeedsRevision(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "revise", Reasoning: "split into smaller steps"}, provider: "openai"}
	s, _ := testSentinel(t, validator, config.ProfileAutonomous, "anthropic")

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsRevision, outcome.Kind)
}

func TestReviewValidatorErrorEscalatesToUserApproval(t *testing.T) {
	validator := &fakeValidator{err: context.DeadlineExceeded, provider: "openai"}
	s, _ := testSentinel(t, validator, config.ProfileAutonomous, "anthropic")

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsUserApproval, outcome.Kind)
}

func TestReviewUnrecognizedVerdictEscalates(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "maybe"}, provider: "openai"}
	s, _ := testSentinel(t, validator, config.ProfileAutonomous, "anthropic")

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsUserApproval, outcome.Kind)
}

func TestReviewProviderCoincidenceFlaggedButNotFatal(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "approve"}, provider: "anthropic"}
	s, _ := testSentinel(t, validator, config.ProfileSupervised, "anthropic")

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.True(t, outcome.ProviderCoincidence)
	require.Equal(t, OutcomeApproved, outcome.Kind)
}

func TestReviewMemorizedDenyRejectsPlanOutright(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "approve"}, provider: "openai"}
	s, st := testSentinel(t, validator, config.ProfileAutonomous, "anthropic")

	require.NoError(t, st.StoreDecision(context.Background(), store.Decision{
		ID: planmodel.NewJobID(), ActionType: string(ActionReadFiles), Scope: "/tmp/", Verdict: "deny",
	}))

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome.Kind)
}

func TestReviewMemorizedAllowSkipsApprovalForThatStep(t *testing.T) {
	validator := &fakeValidator{verdict: ValidatorVerdict{Verdict: "approve"}, provider: "openai"}
	s, st := testSentinel(t, validator, config.ProfileSupervised, "anthropic")

	require.NoError(t, st.StoreDecision(context.Background(), store.Decision{
		ID: planmodel.NewJobID(), ActionType: string(ActionReadFiles), Scope: "/tmp/", Verdict: "allow",
	}))

	outcome, err := s.Review(context.Background(), readOnlyPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, outcome.Kind)
}

func TestApplyApprovalResponseRejectedReturnsRejectedOutcome(t *testing.T) {
	s, _ := testSentinel(t, &fakeValidator{}, config.ProfileSupervised, "anthropic")

	outcome, err := s.ApplyApprovalResponse(context.Background(), ResponseRejected, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome.Kind)
}

func TestApplyApprovalResponseApprovedPersistsTrustDecisions(t *testing.T) {
	s, st := testSentinel(t, &fakeValidator{}, config.ProfileSupervised, "anthropic")

	outcome, err := s.ApplyApprovalResponse(context.Background(), ResponseApproved, []TrustDecisionInput{
		{ActionType: ActionReadFiles, Scope: "/tmp/", Verdict: "allow"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, outcome.Kind)

	match, err := NewMemory(st).FindMatch(context.Background(), ActionReadFiles, "2026-08-01T00:00:00Z", Target{FilePath: "/tmp/a"})
	require.NoError(t, err)
	require.NotNil(t, match)
}

func TestApplyApprovalResponseRefusesShellTrustDecision(t *testing.T) {
	s, _ := testSentinel(t, &fakeValidator{}, config.ProfileSupervised, "anthropic")

	_, err := s.ApplyApprovalResponse(context.Background(), ResponseApproved, []TrustDecisionInput{
		{ActionType: ActionShellExecute, Scope: "any", Verdict: "allow"},
	})
	require.Error(t, err)
}
