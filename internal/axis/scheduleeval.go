package axis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"
)

// ScheduleEvaluator polls the schedules table and creates jobs from due
// cron rows.
type ScheduleEvaluator struct {
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduleEvaluator(s *store.Store, interval time.Duration, logger *slog.Logger) *ScheduleEvaluator {
	return &ScheduleEvaluator{store: s, interval: interval, logger: logger}
}

// Run blocks, evaluating due schedules on each tick, until ctx is
// cancelled.
func (e *ScheduleEvaluator) Run(ctx context.Context) {
	interval := e.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce runs a single pass over due schedules. Exported so the
// pipeline/cmd layer (and tests) can drive it deterministically without
// waiting on the ticker.
func (e *ScheduleEvaluator) EvaluateOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := e.store.DueSchedules(ctx, now.Format(time.RFC3339Nano))
	if err != nil {
		e.logger.Error("schedule evaluator: list due schedules failed", "error", err)
		return
	}

	for _, sc := range due {
		if err := e.fire(ctx, sc, now); err != nil {
			// per-row errors do not block the rest of the batch.
			e.logger.Error("schedule evaluator: schedule fire failed", "schedule", sc.ID, "error", err)
		}
	}
}

func (e *ScheduleEvaluator) fire(ctx context.Context, sc store.Schedule, now time.Time) error {
	schedule, err := cron.ParseStandard(sc.CronExpression)
	if err != nil {
		e.logger.Warn("schedule evaluator: invalid cron expression, clearing next_run_at", "schedule", sc.ID, "expr", sc.CronExpression, "error", err)
		return e.store.UpdateScheduleRun(ctx, sc.ID, now.Format(time.RFC3339Nano), nil)
	}

	var template map[string]any
	if err := json.Unmarshal([]byte(sc.JobTemplateJSON), &template); err != nil {
		return fmt.Errorf("parsing job_template_json: %w", err)
	}

	meta := map[string]any{}
	for k, v := range template {
		meta[k] = v
	}
	meta["scheduleId"] = sc.ID

	job := &planmodel.Job{
		ID:       planmodel.NewJobID(),
		Status:   planmodel.JobPending,
		Priority: priorityFromTemplate(template),
		Source:   planmodel.SourceSchedule,
		Metadata: meta,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	next := schedule.Next(now)
	nextStr := next.UTC().Format(time.RFC3339Nano)
	if err := e.store.UpdateScheduleRun(ctx, sc.ID, now.Format(time.RFC3339Nano), &nextStr); err != nil {
		return fmt.Errorf("updating schedule run: %w", err)
	}
	return nil
}

func priorityFromTemplate(template map[string]any) planmodel.JobPriority {
	if p, ok := template["priority"].(string); ok {
		switch planmodel.JobPriority(p) {
		case planmodel.PriorityLow, planmodel.PriorityNormal, planmodel.PriorityHigh:
			return planmodel.JobPriority(p)
		}
	}
	return planmodel.PriorityNormal
}
