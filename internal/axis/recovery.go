package axis

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"
)

// RecoverySummary reports what startup recovery changed.
type RecoverySummary struct {
	NonTerminalJobCount    int      `json:"nonTerminalJobCount"`
	ResetJobIDs            []string `json:"resetJobIds"`
	StalePipelineJobIDs    []string `json:"stalePipelineJobIds"`
	FailedExecutionEntries int      `json:"failedExecutionEntries"`
}

// Recover resets every non-terminal job that was owned by a worker when
// the previous process exited: no worker pool survives a restart, so any
// worker_id on disk is by definition a stale lease. `executing` jobs are
// reported as ResetJobIDs; the pipeline intermediate states `planning`
// and `validating` are reported as StalePipelineJobIDs. `awaiting_approval`
// is preserved since nothing was mid-flight there. Idempotent: a second
// run against an already-recovered store finds nothing to reset.
func Recover(ctx context.Context, s *store.Store) (RecoverySummary, error) {
	jobs, err := s.ListNonTerminalJobs(ctx)
	if err != nil {
		return RecoverySummary{}, fmt.Errorf("axis: recovery: list non-terminal jobs: %w", err)
	}

	summary := RecoverySummary{NonTerminalJobCount: len(jobs)}
	var toReset []string

	for _, j := range jobs {
		switch j.Status {
		case planmodel.JobExecuting:
			summary.ResetJobIDs = append(summary.ResetJobIDs, j.ID)
			toReset = append(toReset, j.ID)
		case planmodel.JobPlanning, planmodel.JobValidating:
			summary.StalePipelineJobIDs = append(summary.StalePipelineJobIDs, j.ID)
			toReset = append(toReset, j.ID)
		case planmodel.JobAwaitingApproval:
			// preserved: nothing was mid-step here, just waiting on a human.
		}
	}

	finishedAt := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range toReset {
		if err := s.UpdateJobStatus(ctx, id, planmodel.JobPending, nil); err != nil {
			return RecoverySummary{}, fmt.Errorf("axis: recovery: reset job %s: %w", id, err)
		}
		n, err := s.FailStartedExecutionsForJob(ctx, id, finishedAt)
		if err != nil {
			return RecoverySummary{}, fmt.Errorf("axis: recovery: fail started executions for job %s: %w", id, err)
		}
		summary.FailedExecutionEntries += n
	}

	return summary, nil
}
