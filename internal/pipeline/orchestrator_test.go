package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/axis"
	"github.com/antigravity-dev/meridian/internal/config"
	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/sandbox"
	"github.com/antigravity-dev/meridian/internal/scout"
	"github.com/antigravity-dev/meridian/internal/sentinel"
	"github.com/antigravity-dev/meridian/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrchestrator(t *testing.T, planner Planner, reviewer Reviewer) (*Orchestrator, *store.Store) {
	t.Helper()
	s := testStore(t)
	runtime, err := sandbox.NewRuntime()
	require.NoError(t, err)
	cfg := config.Config{Sandbox: config.Sandbox{Defaults: config.SandboxDefaults{Image: "meridian-gear:latest"}}}
	gears := NewGearRegistry(cfg, runtime)
	breaker := axis.NewCircuitBreaker(axis.CircuitBreakerConfig{FailureThreshold: 3})
	orch := New(s, planner, reviewer, runtime, gears, breaker, testLogger(), t.TempDir())
	return orch, s
}

func newPendingJob(t *testing.T, s *store.Store, metadata map[string]any) *planmodel.Job {
	t.Helper()
	job := &planmodel.Job{
		ID:       planmodel.NewJobID(),
		Status:   planmodel.JobPending,
		Priority: planmodel.PriorityNormal,
		Source:   planmodel.SourceUser,
		Metadata: metadata,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	claimed, err := s.PickNextJob(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

type fakePlanner struct {
	replies []scout.Reply
	errs    []error
	calls   int
}

func (f *fakePlanner) Plan(ctx context.Context, in scout.PlanInput) (scout.Reply, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return scout.Reply{}, f.errs[i]
	}
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i], nil
}

type fakeReviewer struct {
	outcome    sentinel.ApprovalOutcome
	applyOut   sentinel.ApprovalOutcome
	err        error
	reviewCall int
}

func (f *fakeReviewer) Review(ctx context.Context, plan *planmodel.ExecutionPlan) (sentinel.ApprovalOutcome, error) {
	f.reviewCall++
	return f.outcome, f.err
}

func (f *fakeReviewer) ApplyApprovalResponse(ctx context.Context, decision sentinel.ApprovalResponseDecision, trustDecisions []sentinel.TrustDecisionInput) (sentinel.ApprovalOutcome, error) {
	return f.applyOut, nil
}

func samplePlan(jobID string) *planmodel.ExecutionPlan {
	return &planmodel.ExecutionPlan{
		ID:    planmodel.NewJobID(),
		JobID: jobID,
		Steps: []planmodel.ExecutionStep{
			{ID: "s1", Gear: "fs", Action: "write_file", Parameters: json.RawMessage(`{"path":"out.txt","content":"hi"}`), RiskLevel: planmodel.RiskLow},
		},
	}
}

func TestRunJobChatReplyCompletesImmediately(t *testing.T) {
	planner := &fakePlanner{replies: []scout.Reply{{Kind: scout.ReplyChat, Chat: "hello"}}}
	reviewer := &fakeReviewer{}
	orch, s := testOrchestrator(t, planner, reviewer)

	job := newPendingJob(t, s, map[string]any{"userTurn": "hi"})
	require.NoError(t, orch.RunJob(context.Background(), job))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobCompleted, got.Status)
	require.Zero(t, reviewer.reviewCall, "expected sentinel review to be skipped for a chat reply")
}

func TestRunJobApprovedPlanExecutesAndCompletes(t *testing.T) {
	planner := &fakePlanner{}
	reviewer := &fakeReviewer{outcome: sentinel.ApprovalOutcome{Kind: sentinel.OutcomeApproved}}
	orch, s := testOrchestrator(t, planner, reviewer)

	job := newPendingJob(t, s, map[string]any{"userTurn": "write a file"})
	planner.replies = []scout.Reply{{Kind: scout.ReplyPlan, Plan: samplePlan(job.ID)}}

	require.NoError(t, orch.RunJob(context.Background(), job))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobCompleted, got.Status)

	data, err := os.ReadFile(filepath.Join(orch.workspaceFor(job), "out.txt"))
	require.NoError(t, err, "expected out.txt to be written")
	require.Equal(t, "hi", string(data))
}

func TestRunJobDryRunSkipsGearExecution(t *testing.T) {
	planner := &fakePlanner{}
	reviewer := &fakeReviewer{outcome: sentinel.ApprovalOutcome{Kind: sentinel.OutcomeApproved}}
	orch, s := testOrchestrator(t, planner, reviewer)
	orch.SetDryRun(true)

	job := newPendingJob(t, s, map[string]any{"userTurn": "write a file"})
	planner.replies = []scout.Reply{{Kind: scout.ReplyPlan, Plan: samplePlan(job.ID)}}

	require.NoError(t, orch.RunJob(context.Background(), job))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobCompleted, got.Status)

	_, err = os.Stat(filepath.Join(orch.workspaceFor(job), "out.txt"))
	require.True(t, os.IsNotExist(err), "dry-run must not perform the real file write")
}

func TestRunJobNeedsUserApprovalParksJob(t *testing.T) {
	planner := &fakePlanner{}
	reviewer := &fakeReviewer{outcome: sentinel.ApprovalOutcome{
		Kind:    sentinel.OutcomeNeedsUserApproval,
		Request: &sentinel.ApprovalRequest{Summary: []sentinel.StepSummary{{StepID: "s1"}}},
	}}
	orch, s := testOrchestrator(t, planner, reviewer)

	job := newPendingJob(t, s, map[string]any{"userTurn": "do something risky"})
	planner.replies = []scout.Reply{{Kind: scout.ReplyPlan, Plan: samplePlan(job.ID)}}

	require.NoError(t, orch.RunJob(context.Background(), job))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobAwaitingApproval, got.Status)
}

func TestRunJobRejectedFailsJob(t *testing.T) {
	planner := &fakePlanner{}
	reviewer := &fakeReviewer{outcome: sentinel.ApprovalOutcome{Kind: sentinel.OutcomeRejected, Reason: "too risky"}}
	orch, s := testOrchestrator(t, planner, reviewer)

	job := newPendingJob(t, s, map[string]any{"userTurn": "do something risky"})
	planner.replies = []scout.Reply{{Kind: scout.ReplyPlan, Plan: samplePlan(job.ID)}}

	require.NoError(t, orch.RunJob(context.Background(), job))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobFailed, got.Status)
}

func TestRunJobNeedsRevisionExceedsMaxFails(t *testing.T) {
	plan := samplePlan("placeholder")
	planner := &fakePlanner{replies: []scout.Reply{{Kind: scout.ReplyPlan, Plan: plan}}}
	reviewer := &fakeReviewer{outcome: sentinel.ApprovalOutcome{Kind: sentinel.OutcomeNeedsRevision, Reason: "too vague"}}
	orch, s := testOrchestrator(t, planner, reviewer)

	job := newPendingJob(t, s, map[string]any{"userTurn": "do something vague"})
	plan.JobID = job.ID

	require.Error(t, orch.RunJob(context.Background(), job))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobFailed, got.Status)
	require.Equal(t, maxPlanRevisions, planner.calls)
}

func TestRunJobMissingUserTurnFails(t *testing.T) {
	orch, s := testOrchestrator(t, &fakePlanner{}, &fakeReviewer{})
	job := newPendingJob(t, s, map[string]any{})

	require.Error(t, orch.RunJob(context.Background(), job))
}

func TestResumeAfterApprovalExecutesParkedPlan(t *testing.T) {
	planner := &fakePlanner{}
	reviewer := &fakeReviewer{
		outcome:  sentinel.ApprovalOutcome{Kind: sentinel.OutcomeNeedsUserApproval, Request: &sentinel.ApprovalRequest{}},
		applyOut: sentinel.ApprovalOutcome{Kind: sentinel.OutcomeApproved},
	}
	orch, s := testOrchestrator(t, planner, reviewer)

	job := newPendingJob(t, s, map[string]any{"userTurn": "write a file"})
	planner.replies = []scout.Reply{{Kind: scout.ReplyPlan, Plan: samplePlan(job.ID)}}

	require.NoError(t, orch.RunJob(context.Background(), job))
	require.NoError(t, orch.ResumeAfterApproval(context.Background(), job.ID, sentinel.ResponseApproved, nil))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.JobCompleted, got.Status)
}

func TestResumeAfterApprovalRejectsNonAwaitingJob(t *testing.T) {
	orch, s := testOrchestrator(t, &fakePlanner{}, &fakeReviewer{})
	job := newPendingJob(t, s, map[string]any{"userTurn": "x"})

	require.Error(t, orch.ResumeAfterApproval(context.Background(), job.ID, sentinel.ResponseApproved, nil))
}

func TestExecutePlanFailedStepSkipsDependent(t *testing.T) {
	reviewer := &fakeReviewer{outcome: sentinel.ApprovalOutcome{Kind: sentinel.OutcomeApproved}}
	orch, s := testOrchestrator(t, &fakePlanner{}, reviewer)
	job := newPendingJob(t, s, map[string]any{"userTurn": "x"})

	plan := &planmodel.ExecutionPlan{
		ID:    planmodel.NewJobID(),
		JobID: job.ID,
		Steps: []planmodel.ExecutionStep{
			{ID: "s1", Gear: "fs", Action: "read_file", Parameters: json.RawMessage(`{"path":"missing.txt"}`), RiskLevel: planmodel.RiskLow},
			{ID: "s2", Gear: "fs", Action: "write_file", Parameters: json.RawMessage(`{"path":"out.txt","content":"x"}`), RiskLevel: planmodel.RiskLow, DependsOn: []string{"s1"}},
		},
	}

	require.Error(t, orch.executePlan(context.Background(), job, plan))
}
