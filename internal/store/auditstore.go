package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/meridian/internal/audit"
	"github.com/antigravity-dev/meridian/internal/planmodel"
)

// auditTableName resolves the active monthly-rotated table for t, the
// supplemented rotation scheme from SPEC_FULL.md §12. Table-per-month
// keeps an append-only chain bounded in size without ever UPDATE/DELETE-ing
// a historical row.
func auditTableName(t time.Time) string {
	return fmt.Sprintf("audit_entries_%04d_%02d", t.Year(), t.Month())
}

const auditTableSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	actor TEXT NOT NULL,
	actor_id TEXT,
	action TEXT NOT NULL,
	risk_level TEXT NOT NULL,
	target TEXT,
	job_id TEXT,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	details_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_%s_job ON %s(job_id);

-- append-only: block UPDATE/DELETE at the database layer.
CREATE TRIGGER IF NOT EXISTS trg_%s_no_update
BEFORE UPDATE ON %s
BEGIN
	SELECT RAISE(ABORT, 'audit_entries is append-only');
END;
CREATE TRIGGER IF NOT EXISTS trg_%s_no_delete
BEFORE DELETE ON %s
BEGIN
	SELECT RAISE(ABORT, 'audit_entries is append-only');
END;
`

func (s *Store) ensureAuditTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf(auditTableSchema, table, table, table, table, table, table, table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("store: ensure audit table %s: %w", table, err)
	}
	return nil
}

// LastAuditEntryHash returns the entryHash of the most recently written
// audit entry across all monthly tables the store knows about, or
// audit.GenesisHash if the chain is empty. Months are checked newest
// first since chain continuity only requires the single most recent
// entry.
func (s *Store) LastAuditEntryHash(ctx context.Context) (string, error) {
	tables, err := s.listAuditTables(ctx)
	if err != nil {
		return "", err
	}
	for i := len(tables) - 1; i >= 0; i-- {
		var hash string
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT entry_hash FROM %s ORDER BY timestamp DESC LIMIT 1`, tables[i]))
		switch err := row.Scan(&hash); err {
		case nil:
			return hash, nil
		case sql.ErrNoRows:
			continue
		default:
			return "", fmt.Errorf("store: last audit hash from %s: %w", tables[i], err)
		}
	}
	return audit.GenesisHash, nil
}

func (s *Store) listAuditTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name LIKE 'audit_entries_%'
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list audit tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AppendAudit writes the next entry in the chain, computing its hash
// from the current tail, inside a transaction upgraded to
// synchronous=FULL (audit writes are the one write path that cannot
// tolerate a torn commit on crash). Audit-write failure rolls back the
// whole transaction, including any caller-supplied mutation inside fn:
// a failed audit write is fatal for the containing transaction.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry, fn func(tx *sql.Tx) error) (audit.Entry, error) {
	table := auditTableName(e.Timestamp)
	if err := s.ensureAuditTable(ctx, table); err != nil {
		return audit.Entry{}, err
	}

	prevHash, err := s.LastAuditEntryHash(ctx)
	if err != nil {
		return audit.Entry{}, err
	}

	stamped, err := audit.Append(e, prevHash)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("store: stamp audit entry: %w", err)
	}

	// synchronous is a per-connection PRAGMA: raising it, beginning the
	// transaction, and resetting it must all run on the one physical
	// connection, or the pool can hand the transaction a connection that
	// was never raised and leave a different one stuck at FULL.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("store: acquire audit connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `PRAGMA synchronous = FULL;`); err != nil {
		return audit.Entry{}, fmt.Errorf("store: raise synchronous for audit write: %w", err)
	}
	defer conn.ExecContext(context.Background(), `PRAGMA synchronous = NORMAL;`)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("store: begin audit tx: %w", err)
	}
	defer tx.Rollback()

	details, err := json.Marshal(stamped.Details)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("store: marshal audit details: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (id, timestamp, actor, actor_id, action, risk_level, target, job_id, previous_hash, entry_hash, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	if _, err := tx.ExecContext(ctx, insert,
		stamped.ID, stamped.Timestamp.UTC().Format(time.RFC3339Nano), stamped.Actor, stamped.ActorID,
		stamped.Action, string(stamped.RiskLevel), stamped.Target, stamped.JobID,
		stamped.PreviousHash, stamped.EntryHash, string(details),
	); err != nil {
		return audit.Entry{}, fmt.Errorf("store: insert audit entry: %w", err)
	}

	if fn != nil {
		if err := fn(tx); err != nil {
			return audit.Entry{}, fmt.Errorf("store: audit-accompanying mutation failed, rolling back: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return audit.Entry{}, fmt.Errorf("store: commit audit tx: %w", err)
	}
	return stamped, nil
}

// ListAudit returns every entry in chain order across all monthly
// tables, for chain verification and inspection.
func (s *Store) ListAudit(ctx context.Context) ([]audit.Entry, error) {
	tables, err := s.listAuditTables(ctx)
	if err != nil {
		return nil, err
	}
	var out []audit.Entry
	for _, table := range tables {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, timestamp, actor, actor_id, action, risk_level, target, job_id, previous_hash, entry_hash, details_json
			FROM %s ORDER BY timestamp ASC`, table))
		if err != nil {
			return nil, fmt.Errorf("store: list audit %s: %w", table, err)
		}
		for rows.Next() {
			var e audit.Entry
			var ts string
			var actorID, target, jobID, detailsJSON sql.NullString
			var risk string
			if err := rows.Scan(&e.ID, &ts, &e.Actor, &actorID, &e.Action, &risk, &target, &jobID, &e.PreviousHash, &e.EntryHash, &detailsJSON); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: scan audit entry: %w", err)
			}
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				e.Timestamp = t
			}
			e.RiskLevel = planmodel.RiskLevel(risk)
			if actorID.Valid {
				e.ActorID = actorID.String
			}
			if target.Valid {
				e.Target = target.String
			}
			if jobID.Valid {
				e.JobID = jobID.String
			}
			if detailsJSON.Valid && detailsJSON.String != "" {
				_ = json.Unmarshal([]byte(detailsJSON.String), &e.Details)
			}
			out = append(out, e)
		}
		rows.Close()
	}
	return out, nil
}
