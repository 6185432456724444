package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/meridian/internal/planmodel"
)

// SavePlan persists one revision of a job's execution plan. revision
// starts at 1 and increments each time Sentinel sends a plan back for
// revision.
func (s *Store) SavePlan(ctx context.Context, plan *planmodel.ExecutionPlan, revision int) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("store: marshal plan steps: %w", err)
	}
	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, job_id, steps_json, reasoning, revision, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.JobID, string(steps), plan.Reasoning, revision, now)
	if err != nil {
		return fmt.Errorf("store: save plan %s: %w", plan.ID, err)
	}
	return nil
}

// LatestPlanForJob returns the most recently saved plan revision for a
// job, or nil if the job has no saved plan yet.
func (s *Store) LatestPlanForJob(ctx context.Context, jobID string) (*planmodel.ExecutionPlan, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, steps_json, reasoning, revision FROM plans
		WHERE job_id = ? ORDER BY revision DESC LIMIT 1`, jobID)

	var plan planmodel.ExecutionPlan
	var stepsJSON string
	var reasoning sql.NullString
	var revision int
	err := row.Scan(&plan.ID, &plan.JobID, &stepsJSON, &reasoning, &revision)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: latest plan for job %s: %w", jobID, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &plan.Steps); err != nil {
		return nil, 0, fmt.Errorf("store: unmarshal plan steps for job %s: %w", jobID, err)
	}
	if reasoning.Valid {
		plan.Reasoning = reasoning.String
	}
	return &plan, revision, nil
}
