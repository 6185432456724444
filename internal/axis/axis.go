// Package axis is the job scheduler: a persistent SQLite-backed queue, a
// worker pool that drains it, startup recovery of worker-owned jobs, a
// per-gear circuit breaker, a cooperative-loop watchdog, and a cron
// schedule evaluator.
package axis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/meridian/internal/config"
	"github.com/antigravity-dev/meridian/internal/corerr"
	"github.com/antigravity-dev/meridian/internal/notify"
	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"

	"github.com/google/uuid"
)

// JobRunner executes one job end-to-end (planning through completion).
// Implemented by internal/pipeline.Orchestrator; kept as an interface
// here so axis does not import pipeline and create a cycle.
type JobRunner interface {
	RunJob(ctx context.Context, job *planmodel.Job) error
}

// Scheduler owns the worker pool plus the supporting subsystems that
// keep the queue healthy across restarts and gear failures.
type Scheduler struct {
	store   *store.Store
	runner  JobRunner
	logger  *slog.Logger
	cfg     config.General

	Breaker   *CircuitBreaker
	Watchdog  *Watchdog
	Schedules *ScheduleEvaluator
	Notifier  notify.Sink

	pollBackoffBase time.Duration
	pollBackoffMax  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a Scheduler from already-constructed subsystems. breaker is
// the same per-gear CircuitBreaker the pipeline orchestrator consults
// before running a step — shared, not duplicated, so a tripped breaker
// is visible from both sides. Call Recover before Start to reset any
// worker-owned jobs left over from a prior process.
func New(s *store.Store, runner JobRunner, logger *slog.Logger, cfg config.Config, breaker *CircuitBreaker) *Scheduler {
	watchdog := NewWatchdog(cfg.Watchdog.BlockThresholdMs.Duration, cfg.Watchdog.CheckIntervalMs.Duration, logger)
	schedules := NewScheduleEvaluator(s, cfg.ScheduleEval.IntervalMs.Duration, logger)

	return &Scheduler{
		store:           s,
		runner:          runner,
		logger:          logger,
		cfg:             cfg.General,
		Breaker:         breaker,
		Watchdog:        watchdog,
		Schedules:       schedules,
		Notifier:        notify.NewSlogSink(logger),
		pollBackoffBase: 200 * time.Millisecond,
		pollBackoffMax:  5 * time.Second,
	}
}

// Recover runs startup recovery once, before Start spins up workers.
func (sch *Scheduler) Recover(ctx context.Context) (RecoverySummary, error) {
	summary, err := Recover(ctx, sch.store)
	if err != nil {
		return summary, err
	}
	sch.logger.Info("axis: startup recovery complete",
		"nonTerminalJobCount", summary.NonTerminalJobCount,
		"resetJobIds", summary.ResetJobIDs,
		"stalePipelineJobIds", summary.StalePipelineJobIDs,
		"failedExecutionEntries", summary.FailedExecutionEntries)
	return summary, nil
}

// Start launches the worker pool, watchdog, and schedule evaluator.
// Blocks the caller only long enough to spawn goroutines; returns
// immediately. Call Stop (or cancel the parent context) to unwind.
func (sch *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sch.cancel = cancel

	workerCount := sch.cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 4
	}

	sch.Watchdog.Start(runCtx)

	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()
		sch.Schedules.Run(runCtx)
	}()

	for i := 0; i < workerCount; i++ {
		workerID := uuid.NewString()
		sch.wg.Add(1)
		go func(id string) {
			defer sch.wg.Done()
			sch.workerLoop(runCtx, id)
		}(workerID)
	}

	sch.logger.Info("axis: scheduler started", "workerCount", workerCount)
}

// Stop cancels all background goroutines and waits for them to exit.
func (sch *Scheduler) Stop() {
	if sch.cancel != nil {
		sch.cancel()
	}
	sch.Watchdog.Stop()
	sch.wg.Wait()
}

// workerLoop repeatedly claims the next pending job and runs it to
// completion, backing off with jitter when the queue is empty so an
// idle fleet does not hammer the database.
func (sch *Scheduler) workerLoop(ctx context.Context, workerID string) {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := sch.store.PickNextJob(ctx, workerID)
		if err != nil {
			sch.logger.Error("axis: pick next job failed", "worker", workerID, "error", err)
			sch.sleep(ctx, pollBackoffDelay(retries+1, sch.pollBackoffBase, sch.pollBackoffMax))
			retries++
			continue
		}
		if job == nil {
			sch.sleep(ctx, pollBackoffDelay(retries+1, sch.pollBackoffBase, sch.pollBackoffMax))
			retries++
			continue
		}
		retries = 0

		if err := sch.runJobRecovered(ctx, job, workerID); err != nil && !errors.Is(err, context.Canceled) {
			sch.logger.Error("axis: job run failed", "job", job.ID, "worker", workerID, "error", err)
		}
	}
}

// runJobRecovered calls the runner and converts a panic into an
// ERR_CONFLICT-class failure instead of taking the worker goroutine down
// with it. The owning job is moved to failed so it does not sit
// claimed-but-abandoned.
func (sch *Scheduler) runJobRecovered(ctx context.Context, job *planmodel.Job, workerID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = corerr.New(corerr.Conflict, "job %s panicked on worker %s: %v", job.ID, workerID, r)
			sch.logger.Error("axis: job run panicked", "job", job.ID, "worker", workerID, "panic", r)
			if updateErr := sch.store.UpdateJobStatus(ctx, job.ID, planmodel.JobFailed, nil); updateErr != nil {
				sch.logger.Error("axis: failed to mark panicked job failed", "job", job.ID, "error", updateErr)
			}
			if sch.Notifier != nil {
				sch.Notifier.Emit(notify.Event{Kind: "job_panic", JobID: job.ID, Message: err.Error()})
			}
		}
	}()
	return sch.runner.RunJob(ctx, job)
}

func (sch *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
