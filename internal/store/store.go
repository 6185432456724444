// Package store provides SQLite-backed persistence for Meridian's core
// state: jobs, execution log, schedules, Sentinel decision memory, and
// the append-only audit chain.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection pool shared by every core
// component: one *sql.DB per process, relying on SQLite's WAL mode plus
// a generous busy_timeout instead of splitting reader/writer pools.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('pending','planning','validating','awaiting_approval','executing','completed','failed','cancelled')),
	priority TEXT NOT NULL CHECK (priority IN ('low','normal','high')),
	source_type TEXT NOT NULL CHECK (source_type IN ('user','schedule','sub_job')),
	worker_id TEXT,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON jobs(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id);

CREATE TABLE IF NOT EXISTS execution_log (
	execution_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	step_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('started','completed','failed')),
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	result_json TEXT,
	error TEXT
);

CREATE INDEX IF NOT EXISTS idx_execlog_job ON execution_log(job_id);
CREATE INDEX IF NOT EXISTS idx_execlog_status ON execution_log(status);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	job_template_json TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	last_run_at DATETIME,
	next_run_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	action_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	verdict TEXT NOT NULL CHECK (verdict IN ('allow','deny')),
	job_id TEXT,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	expires_at DATETIME,
	conditions TEXT,
	metadata_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_decisions_type_scope ON decisions(action_type, scope);
CREATE INDEX IF NOT EXISTS idx_decisions_expiry ON decisions(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	steps_json TEXT NOT NULL,
	reasoning TEXT,
	revision INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE INDEX IF NOT EXISTS idx_plans_job ON plans(job_id, revision DESC);
`

// Open creates or opens a SQLite database at dbPath and ensures the
// schema exists. PRAGMA choices: WAL for concurrent readers, foreign
// keys on, NORMAL synchronous for the bulk of writes (audit writes
// upgrade to FULL for their own transaction, see auditstore.go), a
// generous busy_timeout, and a cache/mmap size tuned for a small
// single-tenant deployment.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-16000)&_pragma=mmap_size(67108864)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(`PRAGMA auto_vacuum = INCREMENTAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set auto_vacuum: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for components (like the audit router) that
// need to manage their own transactions/pragmas.
func (s *Store) DB() *sql.DB { return s.db }
