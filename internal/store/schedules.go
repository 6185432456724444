package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schedule mirrors a row of the `schedules` table.
type Schedule struct {
	ID              string
	Name            string
	CronExpression  string
	JobTemplateJSON string
	Enabled         bool
	LastRunAt       *string
	NextRunAt       *string
	CreatedAt       string
}

// CreateSchedule inserts a new schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) error {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expression, job_template_json, enabled, last_run_at, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.CronExpression, sc.JobTemplateJSON, sc.Enabled, sc.LastRunAt, sc.NextRunAt, now)
	if err != nil {
		return fmt.Errorf("store: create schedule %s: %w", sc.ID, err)
	}
	return nil
}

// DueSchedules returns every enabled schedule whose next_run_at is at or
// before nowRFC3339, ordered for deterministic batch processing.
func (s *Store) DueSchedules(ctx context.Context, now string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expression, job_template_json, enabled, last_run_at, next_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("store: due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var lastRun, nextRun sql.NullString
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpression, &sc.JobTemplateJSON, &sc.Enabled, &lastRun, &nextRun, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan schedule: %w", err)
		}
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.String
		}
		if nextRun.Valid {
			sc.NextRunAt = &nextRun.String
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun sets last_run_at/next_run_at after a schedule fires,
// or clears next_run_at (nextRun == nil) when its cron expression cannot
// be parsed.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun string, nextRun *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("store: update schedule run %s: %w", id, err)
	}
	return nil
}
