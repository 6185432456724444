package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/antigravity-dev/meridian/internal/corerr"
)

// Decision mirrors the `decisions` table: a persisted TrustDecision.
type Decision struct {
	ID           string
	ActionType   string
	Scope        string
	Verdict      string // allow, deny
	JobID        *string
	CreatedAt    string
	ExpiresAt    *string
	Conditions   *string
	MetadataJSON *string
}

// StoreDecision persists a TrustDecision. Shell actions are never
// memorized: any actionType starting with "shell." is rejected with
// ERR_VALIDATION before any row is written.
func (s *Store) StoreDecision(ctx context.Context, d Decision) error {
	if strings.HasPrefix(d.ActionType, "shell.") || d.ActionType == "shell_execute" {
		return corerr.New(corerr.Validation, "shell actions must never be persisted to decision memory (actionType=%q)", d.ActionType)
	}
	if d.Verdict != "allow" && d.Verdict != "deny" {
		return corerr.New(corerr.Validation, "decision verdict must be allow or deny, got %q", d.Verdict)
	}

	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, action_type, scope, verdict, job_id, created_at, expires_at, conditions, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ActionType, d.Scope, d.Verdict, d.JobID, now, d.ExpiresAt, d.Conditions, d.MetadataJSON)
	if err != nil {
		return fmt.Errorf("store: store decision %s: %w", d.ID, err)
	}
	return nil
}

// FindMatch returns the most recent non-expired decision, if any, for
// actionType whose scope matches target. Matching is delegated to the
// caller via matches (Sentinel owns prefix/glob semantics per scope
// kind); this keeps the store ignorant of scope grammar.
func (s *Store) FindMatch(ctx context.Context, actionType string, now string, matches func(scope string) bool) (*Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_type, scope, verdict, job_id, created_at, expires_at, conditions, metadata_json
		FROM decisions
		WHERE action_type = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC`, actionType, now)
	if err != nil {
		return nil, fmt.Errorf("store: find match: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		if matches(d.Scope) {
			return d, nil
		}
	}
	return nil, rows.Err()
}

func scanDecision(rows *sql.Rows) (*Decision, error) {
	var d Decision
	var jobID, expiresAt, conditions, metaJSON sql.NullString
	if err := rows.Scan(&d.ID, &d.ActionType, &d.Scope, &d.Verdict, &jobID, &d.CreatedAt, &expiresAt, &conditions, &metaJSON); err != nil {
		return nil, fmt.Errorf("store: scan decision: %w", err)
	}
	if jobID.Valid {
		d.JobID = &jobID.String
	}
	if expiresAt.Valid {
		d.ExpiresAt = &expiresAt.String
	}
	if conditions.Valid {
		d.Conditions = &conditions.String
	}
	if metaJSON.Valid {
		d.MetadataJSON = &metaJSON.String
	}
	return &d, nil
}

// DeleteDecision removes a decision by id (user revocation).
func (s *Store) DeleteDecision(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete decision %s: %w", id, err)
	}
	return nil
}

// PruneExpiredDecisions deletes decisions whose expires_at has passed.
func (s *Store) PruneExpiredDecisions(ctx context.Context, now string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: prune expired decisions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
