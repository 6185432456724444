package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/planmodel"
)

func seedExeclogJob(t *testing.T, s *Store) *planmodel.Job {
	t.Helper()
	job := &planmodel.Job{ID: planmodel.NewJobID(), Status: planmodel.JobPending, Priority: planmodel.PriorityNormal, Source: planmodel.SourceUser}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestStartThenFinishExecutionTransitionsStatus(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job := seedExeclogJob(t, s)

	require.NoError(t, s.StartExecution(ctx, ExecutionLogEntry{
		ExecutionID: "exec1", JobID: job.ID, StepID: "s1", StartedAt: nowRFC3339(),
	}))

	result := `{"ok":true}`
	require.NoError(t, s.FinishExecution(ctx, "exec1", "completed", nowRFC3339(), &result, nil))

	entries, err := s.ListExecutionsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "completed", entries[0].Status)
	require.NotNil(t, entries[0].FinishedAt)
	require.Equal(t, result, *entries[0].ResultJSON)
	require.Nil(t, entries[0].Error)
}

func TestFinishExecutionRecordsError(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job := seedExeclogJob(t, s)

	require.NoError(t, s.StartExecution(ctx, ExecutionLogEntry{
		ExecutionID: "exec1", JobID: job.ID, StepID: "s1", StartedAt: nowRFC3339(),
	}))

	execErr := "gear timed out"
	require.NoError(t, s.FinishExecution(ctx, "exec1", "failed", nowRFC3339(), nil, &execErr))

	entries, err := s.ListExecutionsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "failed", entries[0].Status)
	require.Equal(t, execErr, *entries[0].Error)
}

func TestFailStartedExecutionsForJobOnlyAffectsStartedRows(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job := seedExeclogJob(t, s)

	require.NoError(t, s.StartExecution(ctx, ExecutionLogEntry{ExecutionID: "exec1", JobID: job.ID, StepID: "s1", StartedAt: nowRFC3339()}))
	require.NoError(t, s.StartExecution(ctx, ExecutionLogEntry{ExecutionID: "exec2", JobID: job.ID, StepID: "s2", StartedAt: nowRFC3339()}))
	require.NoError(t, s.FinishExecution(ctx, "exec2", "completed", nowRFC3339(), nil, nil))

	n, err := s.FailStartedExecutionsForJob(ctx, job.ID, nowRFC3339())
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the still-started row should flip to failed")

	entries, err := s.ListExecutionsForJob(ctx, job.ID)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, e := range entries {
		statuses[e.ExecutionID] = e.Status
	}
	require.Equal(t, "failed", statuses["exec1"])
	require.Equal(t, "completed", statuses["exec2"])
}

func TestListExecutionsForJobReturnsEmptyForUnknownJob(t *testing.T) {
	s := tempStore(t)
	entries, err := s.ListExecutionsForJob(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Empty(t, entries)
}
