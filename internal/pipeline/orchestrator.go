package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/meridian/internal/audit"
	"github.com/antigravity-dev/meridian/internal/axis"
	"github.com/antigravity-dev/meridian/internal/corerr"
	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/sandbox"
	"github.com/antigravity-dev/meridian/internal/scout"
	"github.com/antigravity-dev/meridian/internal/sentinel"
	"github.com/antigravity-dev/meridian/internal/store"
)

// maxPlanRevisions bounds the Scout/Sentinel revise loop: after this many
// needs_revision outcomes the job fails rather than looping forever
// against an LLM that cannot produce an acceptable plan.
const maxPlanRevisions = 3

// Planner is the planning capability the orchestrator needs from Scout.
// Kept as a local interface (rather than *scout.Scout directly) so tests
// can substitute a fixed sequence of replies without standing up a real
// provider.
type Planner interface {
	Plan(ctx context.Context, in scout.PlanInput) (scout.Reply, error)
}

// Reviewer is the review capability the orchestrator needs from
// Sentinel.
type Reviewer interface {
	Review(ctx context.Context, plan *planmodel.ExecutionPlan) (sentinel.ApprovalOutcome, error)
	ApplyApprovalResponse(ctx context.Context, decision sentinel.ApprovalResponseDecision, trustDecisions []sentinel.TrustDecisionInput) (sentinel.ApprovalOutcome, error)
}

// Orchestrator drives one job through planning, review, and execution.
// It implements axis.JobRunner so Axis's worker pool can dispatch jobs
// into it directly.
type Orchestrator struct {
	store         *store.Store
	planner       Planner
	reviewer      Reviewer
	runtime       *sandbox.Runtime
	gears         *GearRegistry
	breaker       *axis.CircuitBreaker
	logger        *slog.Logger
	workspaceRoot string
	dryRun        bool
}

// SetDryRun toggles synthetic step execution: Scout and Sentinel still
// run for real, but executeStep reports a synthetic completed result
// instead of invoking the Gear runtime.
func (o *Orchestrator) SetDryRun(dryRun bool) {
	o.dryRun = dryRun
}

// New wires an Orchestrator from its already-constructed collaborators.
func New(s *store.Store, planner Planner, reviewer Reviewer, runtime *sandbox.Runtime, gears *GearRegistry, breaker *axis.CircuitBreaker, logger *slog.Logger, workspaceRoot string) *Orchestrator {
	return &Orchestrator{
		store:         s,
		planner:       planner,
		reviewer:      reviewer,
		runtime:       runtime,
		gears:         gears,
		breaker:       breaker,
		logger:        logger,
		workspaceRoot: workspaceRoot,
	}
}

// RunJob implements axis.JobRunner. The job arrives already claimed
// (status planning, worker_id set) by axis.Scheduler.PickNextJob.
func (o *Orchestrator) RunJob(ctx context.Context, job *planmodel.Job) error {
	userTurn, _ := job.Metadata["userTurn"].(string)
	if userTurn == "" {
		return o.fail(ctx, job, corerr.New(corerr.Validation, "job %s has no userTurn in metadata", job.ID))
	}
	forcePlan, _ := job.Metadata["forcePlan"].(bool)

	in := scout.PlanInput{
		JobID:        job.ID,
		UserTurn:     userTurn,
		ToolManifest: o.toolSummaries(),
		ForcePlan:    forcePlan,
	}

	for revision := 1; ; revision++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reply, err := o.planner.Plan(ctx, in)
		if err != nil {
			return o.fail(ctx, job, err)
		}

		if reply.Kind == scout.ReplyChat {
			o.appendAudit(ctx, job, "job.chat_replied", planmodel.RiskLow, "", map[string]any{"reply": reply.Chat})
			return o.complete(ctx, job)
		}

		plan := reply.Plan
		if err := o.store.SavePlan(ctx, plan, revision); err != nil {
			return o.fail(ctx, job, err)
		}
		if err := o.transition(ctx, job, planmodel.JobValidating); err != nil {
			return o.fail(ctx, job, err)
		}
		o.appendAudit(ctx, job, "job.plan_proposed", highestRisk(plan), "", map[string]any{"planId": plan.ID, "revision": revision})

		outcome, err := o.reviewer.Review(ctx, plan)
		if err != nil {
			return o.fail(ctx, job, err)
		}
		if outcome.ProviderCoincidence {
			o.logger.Warn("pipeline: validator ran on the same provider as the planner", "jobId", job.ID)
		}

		switch outcome.Kind {
		case sentinel.OutcomeApproved:
			o.appendAudit(ctx, job, "job.plan_approved", highestRisk(plan), "", nil)
			if err := o.transition(ctx, job, planmodel.JobExecuting); err != nil {
				return o.fail(ctx, job, err)
			}
			o.appendAudit(ctx, job, "job.executing_started", highestRisk(plan), "", nil)
			if err := o.executePlan(ctx, job, plan); err != nil {
				return o.fail(ctx, job, err)
			}
			return o.complete(ctx, job)

		case sentinel.OutcomeNeedsRevision:
			o.appendAudit(ctx, job, "job.plan_needs_revision", highestRisk(plan), "", map[string]any{"reason": outcome.Reason})
			if revision >= maxPlanRevisions {
				return o.fail(ctx, job, corerr.New(corerr.PlanValidation, "job %s exceeded %d plan revisions", job.ID, maxPlanRevisions))
			}
			in.ReviseReason = outcome.Reason
			continue

		case sentinel.OutcomeNeedsUserApproval:
			details := map[string]any{}
			if outcome.Request != nil {
				raw, _ := json.Marshal(outcome.Request)
				details["request"] = json.RawMessage(raw)
			}
			o.appendAudit(ctx, job, "job.needs_user_approval", highestRisk(plan), "", details)
			return o.transition(ctx, job, planmodel.JobAwaitingApproval)

		case sentinel.OutcomeRejected:
			o.appendAudit(ctx, job, "job.plan_rejected", highestRisk(plan), "", map[string]any{"reason": outcome.Reason})
			return o.transition(ctx, job, planmodel.JobFailed)

		default:
			return o.fail(ctx, job, fmt.Errorf("pipeline: sentinel returned unknown outcome kind %q", outcome.Kind))
		}
	}
}

// ResumeAfterApproval applies a user's response to a needs_user_approval
// outcome and, if approved, executes the plan that was awaiting it. It
// is the external entry point a future API/CLI layer calls; axis's
// worker pool never dispatches an awaiting_approval job on its own since
// PickNextJob only claims status=pending rows.
func (o *Orchestrator) ResumeAfterApproval(ctx context.Context, jobID string, decision sentinel.ApprovalResponseDecision, trustDecisions []sentinel.TrustDecisionInput) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return corerr.New(corerr.NotFound, "job %s not found", jobID)
	}
	if job.Status != planmodel.JobAwaitingApproval {
		return corerr.New(corerr.Conflict, "job %s is not awaiting approval (status=%s)", jobID, job.Status)
	}

	outcome, err := o.reviewer.ApplyApprovalResponse(ctx, decision, trustDecisions)
	if err != nil {
		return err
	}
	if outcome.Kind != sentinel.OutcomeApproved {
		o.appendAudit(ctx, job, "job.approval_rejected", planmodel.RiskLow, "", nil)
		return o.transition(ctx, job, planmodel.JobFailed)
	}

	plan, _, err := o.store.LatestPlanForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if plan == nil {
		return o.fail(ctx, job, fmt.Errorf("pipeline: job %s has no saved plan to resume", jobID))
	}

	o.appendAudit(ctx, job, "job.approval_granted", highestRisk(plan), "", nil)
	if err := o.transition(ctx, job, planmodel.JobExecuting); err != nil {
		return o.fail(ctx, job, err)
	}
	o.appendAudit(ctx, job, "job.executing_started", highestRisk(plan), "", nil)
	if err := o.executePlan(ctx, job, plan); err != nil {
		return o.fail(ctx, job, err)
	}
	return o.complete(ctx, job)
}

// executePlan runs every step respecting dependsOn, fanning ready steps
// out concurrently via errgroup. A failed step's dependents are skipped
// rather than run, but independent branches of the DAG keep going until
// the whole group unwinds.
func (o *Orchestrator) executePlan(ctx context.Context, job *planmodel.Job, plan *planmodel.ExecutionPlan) error {
	g, gctx := errgroup.WithContext(ctx)

	done := make(map[string]chan struct{}, len(plan.Steps))
	for _, s := range plan.Steps {
		done[s.ID] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]error, len(plan.Steps))

	for _, step := range plan.Steps {
		step := step
		g.Go(func() error {
			defer close(done[step.ID])

			for _, dep := range step.DependsOn {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
				mu.Lock()
				depErr := results[dep]
				mu.Unlock()
				if depErr != nil {
					err := fmt.Errorf("step %s skipped: dependency %s failed: %w", step.ID, dep, depErr)
					mu.Lock()
					results[step.ID] = err
					mu.Unlock()
					return err
				}
			}

			err := o.executeStep(gctx, job, step)
			mu.Lock()
			results[step.ID] = err
			mu.Unlock()
			return err
		})
	}

	return g.Wait()
}

func (o *Orchestrator) executeStep(ctx context.Context, job *planmodel.Job, step planmodel.ExecutionStep) error {
	manifest, err := o.gears.Manifest(step.Gear)
	if err != nil {
		return err
	}
	manifest.Workspace = o.workspaceFor(job)

	if o.breaker.IsOpen(step.Gear) {
		err := corerr.New(corerr.GearSandbox, "circuit breaker open for gear %q", step.Gear)
		o.appendAudit(ctx, job, "step.skipped_circuit_open", step.RiskLevel, step.ID, nil)
		return err
	}

	caps := newJobCapabilities(job, o.workspaceFor(job), o.store, o.logger)
	executionID := planmodel.NewJobID()
	startedAt := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	if err := o.store.StartExecution(ctx, store.ExecutionLogEntry{
		ExecutionID: executionID, JobID: job.ID, StepID: step.ID, StartedAt: startedAt,
	}); err != nil {
		return err
	}

	var result sandbox.Result
	var execErr error
	if o.dryRun {
		result = sandbox.Result{Output: json.RawMessage(fmt.Sprintf(`{"dryRun":true,"gear":%q,"action":%q}`, step.Gear, step.Action))}
	} else {
		result, execErr = o.runtime.Execute(ctx, manifest, step.Action, step.Parameters, caps)
	}
	finishedAt := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	if execErr != nil {
		o.breaker.RecordFailure(step.Gear)
		errStr := execErr.Error()
		_ = o.store.FinishExecution(ctx, executionID, "failed", finishedAt, nil, &errStr)
		o.appendAudit(ctx, job, "step.failed", step.RiskLevel, step.ID, map[string]any{"error": errStr})
		return execErr
	}

	o.breaker.RecordSuccess(step.Gear)
	resultStr := string(result.Output)
	_ = o.store.FinishExecution(ctx, executionID, "completed", finishedAt, &resultStr, nil)
	o.appendAudit(ctx, job, "step.completed", step.RiskLevel, step.ID, map[string]any{"output": result.Output})
	return nil
}

func (o *Orchestrator) workspaceFor(job *planmodel.Job) string {
	return filepath.Join(o.workspaceRoot, job.ID)
}

func (o *Orchestrator) toolSummaries() []scout.ToolSummary {
	entries := o.gears.ToolManifest()
	out := make([]scout.ToolSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, scout.ToolSummary{Gear: e.Gear, Action: e.Action, Description: e.Description, RiskHint: planmodel.RiskLow})
	}
	return out
}

func (o *Orchestrator) transition(ctx context.Context, job *planmodel.Job, status planmodel.JobStatus) error {
	var workerID *string
	if status.OwnsWorker() {
		workerID = job.WorkerID
	}
	if err := o.store.UpdateJobStatus(ctx, job.ID, status, workerID); err != nil {
		return err
	}
	job.Status = status
	if !status.OwnsWorker() {
		job.WorkerID = nil
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, job *planmodel.Job) error {
	o.appendAudit(ctx, job, "job.completed", planmodel.RiskLow, "", nil)
	return o.transition(ctx, job, planmodel.JobCompleted)
}

func (o *Orchestrator) fail(ctx context.Context, job *planmodel.Job, cause error) error {
	o.appendAudit(ctx, job, "job.failed", planmodel.RiskLow, "", map[string]any{"error": cause.Error()})
	if err := o.transition(ctx, job, planmodel.JobFailed); err != nil {
		o.logger.Error("pipeline: failed to transition job to failed", "jobId", job.ID, "error", err)
	}
	return cause
}

func (o *Orchestrator) appendAudit(ctx context.Context, job *planmodel.Job, action string, risk planmodel.RiskLevel, target string, details map[string]any) {
	entry := audit.Entry{
		ID:        planmodel.NewJobID(),
		Timestamp: time.Now().UTC(),
		Actor:     "system",
		Action:    action,
		RiskLevel: risk,
		Target:    target,
		JobID:     job.ID,
		Details:   details,
	}
	if _, err := o.store.AppendAudit(ctx, entry, nil); err != nil {
		o.logger.Error("pipeline: audit write failed", "action", action, "jobId", job.ID, "error", err)
	}
}

// highestRisk returns the highest RiskLevel declared across a plan's
// steps, used to stamp audit entries that describe the whole plan rather
// than one step.
func highestRisk(plan *planmodel.ExecutionPlan) planmodel.RiskLevel {
	highest := planmodel.RiskLow
	for _, s := range plan.Steps {
		if s.RiskLevel.Order() > highest.Order() {
			highest = s.RiskLevel
		}
	}
	return highest
}
