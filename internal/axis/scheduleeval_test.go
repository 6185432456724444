package axis

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/planmodel"
	"github.com/antigravity-dev/meridian/internal/store"
)

func scheduleTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func scheduleTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pastTimestamp() string {
	return time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
}

func TestEvaluateOnceCreatesJobFromDueSchedule(t *testing.T) {
	s := scheduleTestStore(t)
	due := pastTimestamp()
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_1",
		Name:            "nightly report",
		CronExpression:  "0 0 * * *",
		JobTemplateJSON: `{"priority":"high"}`,
		Enabled:         true,
		NextRunAt:       &due,
	}))

	e := NewScheduleEvaluator(s, time.Minute, scheduleTestLogger())
	e.EvaluateOnce(context.Background())

	jobs, err := s.ListNonTerminalJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, planmodel.PriorityHigh, jobs[0].Priority)
	require.Equal(t, planmodel.SourceSchedule, jobs[0].Source)
	require.Equal(t, "sched_1", jobs[0].Metadata["scheduleId"])
}

func TestEvaluateOnceAdvancesNextRunAt(t *testing.T) {
	s := scheduleTestStore(t)
	due := pastTimestamp()
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_1",
		CronExpression:  "0 0 * * *",
		JobTemplateJSON: `{}`,
		Enabled:         true,
		NextRunAt:       &due,
	}))

	e := NewScheduleEvaluator(s, time.Minute, scheduleTestLogger())
	e.EvaluateOnce(context.Background())

	schedules, err := s.DueSchedules(context.Background(), pastTimestamp())
	require.NoError(t, err)
	require.Empty(t, schedules, "next_run_at should have moved into the future")
}

func TestEvaluateOnceSkipsDisabledSchedule(t *testing.T) {
	s := scheduleTestStore(t)
	due := pastTimestamp()
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_1",
		CronExpression:  "0 0 * * *",
		JobTemplateJSON: `{}`,
		Enabled:         false,
		NextRunAt:       &due,
	}))

	e := NewScheduleEvaluator(s, time.Minute, scheduleTestLogger())
	e.EvaluateOnce(context.Background())

	jobs, err := s.ListNonTerminalJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestEvaluateOnceSkipsNotYetDueSchedule(t *testing.T) {
	s := scheduleTestStore(t)
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_1",
		CronExpression:  "0 0 * * *",
		JobTemplateJSON: `{}`,
		Enabled:         true,
		NextRunAt:       &future,
	}))

	e := NewScheduleEvaluator(s, time.Minute, scheduleTestLogger())
	e.EvaluateOnce(context.Background())

	jobs, err := s.ListNonTerminalJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestEvaluateOnceClearsNextRunAtOnInvalidCron(t *testing.T) {
	s := scheduleTestStore(t)
	due := pastTimestamp()
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_1",
		CronExpression:  "not a cron expression",
		JobTemplateJSON: `{}`,
		Enabled:         true,
		NextRunAt:       &due,
	}))

	e := NewScheduleEvaluator(s, time.Minute, scheduleTestLogger())
	e.EvaluateOnce(context.Background())

	schedules, err := s.DueSchedules(context.Background(), time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.Empty(t, schedules, "invalid cron schedule should no longer be due")

	jobs, err := s.ListNonTerminalJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs, "no job should be created from an unparseable schedule")
}

func TestEvaluateOnceBadJobTemplateDoesNotBlockOtherSchedules(t *testing.T) {
	s := scheduleTestStore(t)
	due := pastTimestamp()
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_bad",
		CronExpression:  "0 0 * * *",
		JobTemplateJSON: `{not json`,
		Enabled:         true,
		NextRunAt:       &due,
	}))
	require.NoError(t, s.CreateSchedule(context.Background(), store.Schedule{
		ID:              "sched_good",
		CronExpression:  "0 0 * * *",
		JobTemplateJSON: `{}`,
		Enabled:         true,
		NextRunAt:       &due,
	}))

	e := NewScheduleEvaluator(s, time.Minute, scheduleTestLogger())
	e.EvaluateOnce(context.Background())

	jobs, err := s.ListNonTerminalJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "sched_good", jobs[0].Metadata["scheduleId"])
}
