package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ExecutionLogEntry is one append-only per-step execution log row.
type ExecutionLogEntry struct {
	ExecutionID string
	JobID       string
	StepID      string
	Status      string // started, completed, failed
	StartedAt   string
	FinishedAt  *string
	ResultJSON  *string
	Error       *string
}

// StartExecution records a step as started.
func (s *Store) StartExecution(ctx context.Context, e ExecutionLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (execution_id, job_id, step_id, status, started_at)
		VALUES (?, ?, ?, 'started', ?)`,
		e.ExecutionID, e.JobID, e.StepID, e.StartedAt)
	if err != nil {
		return fmt.Errorf("store: start execution %s: %w", e.ExecutionID, err)
	}
	return nil
}

// FinishExecution transitions a started execution to completed/failed.
func (s *Store) FinishExecution(ctx context.Context, executionID, status, finishedAt string, resultJSON, execErr *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_log SET status = ?, finished_at = ?, result_json = ?, error = ?
		WHERE execution_id = ?`,
		status, finishedAt, resultJSON, execErr, executionID)
	if err != nil {
		return fmt.Errorf("store: finish execution %s: %w", executionID, err)
	}
	return nil
}

// FailStartedExecutionsForJob flips every `started` execution_log row
// belonging to jobID to `failed`. Used by recovery when a job's worker
// lease is reclaimed mid-step. Returns the number of rows changed.
func (s *Store) FailStartedExecutionsForJob(ctx context.Context, jobID, finishedAt string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_log SET status = 'failed', finished_at = ?, error = 'worker lease reclaimed'
		WHERE job_id = ? AND status = 'started'`, finishedAt, jobID)
	if err != nil {
		return 0, fmt.Errorf("store: fail started executions for job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListExecutionsForJob returns every execution_log row for a job.
func (s *Store) ListExecutionsForJob(ctx context.Context, jobID string) ([]ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, job_id, step_id, status, started_at, finished_at, result_json, error
		FROM execution_log WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list executions for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		var finishedAt, resultJSON, execErr sql.NullString
		if err := rows.Scan(&e.ExecutionID, &e.JobID, &e.StepID, &e.Status, &e.StartedAt, &finishedAt, &resultJSON, &execErr); err != nil {
			return nil, fmt.Errorf("store: scan execution log: %w", err)
		}
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.String
		}
		if resultJSON.Valid {
			e.ResultJSON = &resultJSON.String
		}
		if execErr.Valid {
			e.Error = &execErr.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
