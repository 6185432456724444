// Package sentinel implements the independent safety review stage of the
// pipeline: classification, hard-floor policy, an independent validator
// call, decision-memory consultation, and outcome composition.
package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/meridian/internal/config"
	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"
)

// hardFloor lists action types that always require fresh user approval,
// regardless of trust profile or decision memory.
var hardFloor = map[ActionType]bool{
	ActionShellExecute:        true,
	ActionFinancialTransaction: true,
	ActionSystemConfig:        true,
	ActionDeleteFiles:         true,
}

// ValidatorVerdict is the independent LLM validator's structured reply.
type ValidatorVerdict struct {
	Verdict   string            `json:"verdict"` // approve, revise, reject
	Reasoning string            `json:"reasoning"`
	PerStep   map[string]string `json:"perStep,omitempty"`
}

// Validator is the abstract boundary to an independently-provisioned LLM
// reviewer: validate(strippedPlan, policyContext) -> ValidatorVerdict.
// Implementations should prefer a different provider than the one Scout
// used for planning.
type Validator interface {
	Validate(ctx context.Context, plan planmodel.StrippedPlan, policyContext map[string]any) (ValidatorVerdict, error)
	Provider() string
}

// StepAssessment is Sentinel's independent judgment for one step.
type StepAssessment struct {
	StepID       string
	ActionType   ActionType
	ScoutRisk    planmodel.RiskLevel
	SentinelRisk planmodel.RiskLevel
	Divergence   int  // |order(scoutRisk) - order(sentinelRisk)|, anomaly when > 1
	HardFloor    bool
	MemoryMatch  *store.Decision
}

// OutcomeKind enumerates ApprovalOutcome's cases.
type OutcomeKind string

const (
	OutcomeApproved           OutcomeKind = "approved"
	OutcomeNeedsRevision      OutcomeKind = "needs_revision"
	OutcomeNeedsUserApproval  OutcomeKind = "needs_user_approval"
	OutcomeRejected           OutcomeKind = "rejected"
)

// ApprovalRequest is the step-by-step summary presented to the user when
// an outcome is needs_user_approval.
type ApprovalRequest struct {
	Summary []StepSummary `json:"summary"`
}

type StepSummary struct {
	StepID     string              `json:"stepId"`
	ActionType ActionType          `json:"actionType"`
	RiskLevel  planmodel.RiskLevel `json:"riskLevel"`
	Reasoning  string              `json:"reasoning,omitempty"`
}

// ApprovalOutcome is Sentinel's verdict on a plan.
type ApprovalOutcome struct {
	Kind    OutcomeKind
	Reason  string           // set for needs_revision, rejected
	Request *ApprovalRequest // set for needs_user_approval
	Assessments []StepAssessment
	// ProviderCoincidence is true when the validator ran on the same
	// provider as Scout's plan, weakening independence.
	ProviderCoincidence bool
}

// Sentinel ties together classification, the hard floor, the independent
// validator, and decision memory.
type Sentinel struct {
	memory    *Memory
	validator Validator
	cfg       *config.Config
	scoutProvider string
}

func New(memory *Memory, validator Validator, cfg *config.Config, scoutProvider string) *Sentinel {
	return &Sentinel{memory: memory, validator: validator, cfg: cfg, scoutProvider: scoutProvider}
}

// Review runs classification, the hard floor, the independent validator
// call, and decision-memory consultation over a stripped plan and the
// original steps' declared risk levels.
func (s *Sentinel) Review(ctx context.Context, plan *planmodel.ExecutionPlan) (outcome ApprovalOutcome, err error) {
	// provider coincidence is a warning, not fatal; surfaced on the
	// outcome so the caller can log it.
	providerCoincidence := s.validator.Provider() == s.scoutProvider
	defer func() { outcome.ProviderCoincidence = providerCoincidence }()

	stripped := planmodel.Strip(plan)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	assessments := make([]StepAssessment, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		params := map[string]any{}
		if len(step.Parameters) > 0 {
			_ = json.Unmarshal(step.Parameters, &params)
		}

		actionType := Classify(step.Gear, step.Action, step.Parameters)
		sentinelRisk := BaseRisk(actionType)
		divergence := abs(step.RiskLevel.Order() - sentinelRisk.Order())

		a := StepAssessment{
			StepID:       step.ID,
			ActionType:   actionType,
			ScoutRisk:    step.RiskLevel,
			SentinelRisk: sentinelRisk,
			Divergence:   divergence,
			HardFloor:    hardFloor[actionType],
		}

		if !a.HardFloor {
			target := ExtractTarget(actionType, params)
			match, err := s.memory.FindMatch(ctx, actionType, now, target)
			if err != nil {
				return ApprovalOutcome{}, fmt.Errorf("sentinel: memory lookup for step %s: %w", step.ID, err)
			}
			a.MemoryMatch = match
		}

		assessments = append(assessments, a)
	}

	// A memorized deny rejects the whole plan outright.
	for _, a := range assessments {
		if a.MemoryMatch != nil && a.MemoryMatch.Verdict == "deny" {
			return ApprovalOutcome{
				Kind:        OutcomeRejected,
				Reason:      fmt.Sprintf("step %s matches a standing deny decision (%s)", a.StepID, a.MemoryMatch.ID),
				Assessments: assessments,
			}, nil
		}
	}

	verdict, err := s.validator.Validate(ctx, stripped, map[string]any{
		"trustProfile": string(s.cfg.Trust.Profile),
	})
	if err != nil {
		// fail-safe: escalate to user approval rather than approving
		// on a failed validator call.
		return ApprovalOutcome{
			Kind:        OutcomeNeedsUserApproval,
			Request:     buildApprovalRequest(assessments, "independent validator call failed: "+err.Error()),
			Assessments: assessments,
		}, nil
	}

	switch verdict.Verdict {
	case "reject":
		return ApprovalOutcome{Kind: OutcomeRejected, Reason: verdict.Reasoning, Assessments: assessments}, nil
	case "revise":
		return ApprovalOutcome{Kind: OutcomeNeedsRevision, Reason: verdict.Reasoning, Assessments: assessments}, nil
	case "approve":
		// fall through to memory/hard-floor composition below
	default:
		// unrecognized verdict string: strict parse failure, fail-safe
		// escalate rather than approve.
		return ApprovalOutcome{
			Kind:        OutcomeNeedsUserApproval,
			Request:     buildApprovalRequest(assessments, fmt.Sprintf("validator returned unrecognized verdict %q", verdict.Verdict)),
			Assessments: assessments,
		}, nil
	}

	var needsApproval []StepAssessment
	for _, a := range assessments {
		if a.HardFloor {
			needsApproval = append(needsApproval, a)
			continue
		}
		if a.MemoryMatch != nil && a.MemoryMatch.Verdict == "allow" {
			continue // memory covers this step
		}
		if !autoApproves(s.cfg.Trust.Profile, a.SentinelRisk) {
			needsApproval = append(needsApproval, a)
		}
	}

	if len(needsApproval) > 0 {
		return ApprovalOutcome{
			Kind:        OutcomeNeedsUserApproval,
			Request:     buildApprovalRequest(needsApproval, verdict.Reasoning),
			Assessments: assessments,
		}, nil
	}

	return ApprovalOutcome{Kind: OutcomeApproved, Assessments: assessments}, nil
}

// autoApproves reports whether profile permits auto-approving a
// non-hard-floor step of the given Sentinel-assessed risk.
func autoApproves(profile config.TrustProfile, risk planmodel.RiskLevel) bool {
	switch profile {
	case config.ProfileAutonomous:
		return risk.Order() <= planmodel.RiskHigh.Order()
	case config.ProfileBalanced:
		return risk.Order() <= planmodel.RiskMedium.Order()
	default: // supervised, or unset
		return risk.Order() <= planmodel.RiskLow.Order()
	}
}

func buildApprovalRequest(assessments []StepAssessment, reasoning string) *ApprovalRequest {
	req := &ApprovalRequest{Summary: make([]StepSummary, 0, len(assessments))}
	for _, a := range assessments {
		req.Summary = append(req.Summary, StepSummary{
			StepID:     a.StepID,
			ActionType: a.ActionType,
			RiskLevel:  a.SentinelRisk,
			Reasoning:  reasoning,
		})
	}
	return req
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ApprovalResponseDecision is the user's reply to a needs_user_approval
// outcome.
type ApprovalResponseDecision string

const (
	ResponseApproved ApprovalResponseDecision = "approved"
	ResponseRejected ApprovalResponseDecision = "rejected"
)

// TrustDecisionInput describes a new decision the user chose to persist
// alongside their approval response.
type TrustDecisionInput struct {
	ActionType ActionType
	Scope      string
	Verdict    string // allow, deny
	JobID      *string
	TTL        *time.Duration
	Conditions *string
}

// ApplyApprovalResponse processes a user's response to an approval
// request, optionally persisting new TrustDecisions. Shell actions are
// rejected at the store layer with ERR_VALIDATION regardless of what the
// caller requests here.
func (s *Sentinel) ApplyApprovalResponse(ctx context.Context, decision ApprovalResponseDecision, trustDecisions []TrustDecisionInput) (ApprovalOutcome, error) {
	if decision == ResponseRejected {
		return ApprovalOutcome{Kind: OutcomeRejected, Reason: "user rejected the plan"}, nil
	}

	for _, td := range trustDecisions {
		var expiresAt *string
		if td.TTL != nil {
			e := time.Now().UTC().Add(*td.TTL).Format(time.RFC3339Nano)
			expiresAt = &e
		}
		d := store.Decision{
			ID:         planmodel.NewJobID(), // reuse the sortable id scheme; decisions need no special format
			ActionType: string(td.ActionType),
			Scope:      td.Scope,
			Verdict:    td.Verdict,
			JobID:      td.JobID,
			ExpiresAt:  expiresAt,
			Conditions: td.Conditions,
		}
		if err := s.memory.store.StoreDecision(ctx, d); err != nil {
			return ApprovalOutcome{}, fmt.Errorf("sentinel: persist trust decision: %w", err)
		}
	}

	return ApprovalOutcome{Kind: OutcomeApproved}, nil
}
