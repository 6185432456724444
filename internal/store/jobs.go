package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/meridian/internal/planmodel"
)

// nowRFC3339 stamps timestamps in the same sortable text format the
// schema's column defaults use, so Go-side writes and SQLite-side
// defaults compare consistently.
func nowRFC3339() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// CreateJob inserts a new job in JobPending status.
func (s *Store) CreateJob(ctx context.Context, j *planmodel.Job) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal job metadata: %w", err)
	}
	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, priority, source_type, worker_id, created_at, updated_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Status), string(j.Priority), string(j.Source), nullableString(j.WorkerID), now, now, string(meta))
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", j.ID, err)
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func scanJob(row interface{ Scan(...any) error }) (*planmodel.Job, error) {
	var j planmodel.Job
	var workerID sql.NullString
	var metaRaw string
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Status, &j.Priority, &j.Source, &workerID, &createdAt, &updatedAt, &metaRaw); err != nil {
		return nil, err
	}
	if workerID.Valid {
		v := workerID.String
		j.WorkerID = &v
	}
	if metaRaw != "" {
		_ = json.Unmarshal([]byte(metaRaw), &j.Metadata)
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000Z", createdAt); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000Z", updatedAt); err == nil {
		j.UpdatedAt = t
	}
	return &j, nil
}

const jobColumns = `id, status, priority, source_type, worker_id, created_at, updated_at, metadata_json`

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*planmodel.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return j, nil
}

// PickNextJob atomically transitions the highest-priority, oldest
// pending job to status `planning` and assigns workerID, returning nil
// if no job is ready. Priority ordering: high > normal > low; FIFO
// within a priority.
func (s *Store) PickNextJob(ctx context.Context, workerID string) (*planmodel.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin pick tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending'
		ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, created_at ASC
		LIMIT 1`)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: pick next job: %w", err)
	}

	now := nowRFC3339()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'planning', worker_id = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		workerID, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("store: claim job %s: %w", j.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race to another worker; caller should retry.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit pick tx: %w", err)
	}

	j.Status = planmodel.JobPlanning
	j.WorkerID = &workerID
	return j, nil
}

// UpdateJobStatus transitions a job and sets/clears worker_id according
// to planmodel.JobStatus.OwnsWorker.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status planmodel.JobStatus, workerID *string) error {
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = ?, updated_at = ? WHERE id = ?`,
		string(status), nullableString(workerID), now, id)
	if err != nil {
		return fmt.Errorf("store: update job %s status: %w", id, err)
	}
	return nil
}

// ListNonTerminalJobs returns every job not in a terminal status,
// regardless of worker ownership. Used by recovery.
func (s *Store) ListNonTerminalJobs(ctx context.Context) ([]*planmodel.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN ('completed','failed','cancelled')`)
	if err != nil {
		return nil, fmt.Errorf("store: list non-terminal jobs: %w", err)
	}
	defer rows.Close()

	var out []*planmodel.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
