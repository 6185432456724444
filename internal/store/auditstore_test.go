package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/meridian/internal/audit"
	"github.com/antigravity-dev/meridian/internal/planmodel"
)

func TestAppendAuditChainsAcrossEntries(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	e1, err := s.AppendAudit(ctx, audit.Entry{ID: "e1", Timestamp: time.Now().UTC(), Actor: "system", Action: "job.created", RiskLevel: planmodel.RiskLow}, nil)
	require.NoError(t, err)
	require.Equal(t, audit.GenesisHash, e1.PreviousHash)

	e2, err := s.AppendAudit(ctx, audit.Entry{ID: "e2", Timestamp: time.Now().UTC(), Actor: "system", Action: "job.completed", RiskLevel: planmodel.RiskLow}, nil)
	require.NoError(t, err)
	require.Equal(t, e1.EntryHash, e2.PreviousHash)

	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, audit.VerifyChain(entries))
}

func TestAppendAuditRollsBackAccompanyingMutationOnFailure(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	failing := func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO jobs (id, status, priority, source_type) VALUES (?,?,?,?)`,
			"job_rollback", "pending", "normal", "user")
		require.NoError(t, err)
		return context.DeadlineExceeded
	}

	_, err := s.AppendAudit(ctx, audit.Entry{ID: "e1", Timestamp: time.Now().UTC(), Actor: "system", Action: "job.created", RiskLevel: planmodel.RiskLow}, failing)
	require.Error(t, err)

	var jobCount int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, "job_rollback").Scan(&jobCount))
	require.Zero(t, jobCount, "accompanying mutation must roll back with the failed audit write")

	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestAuditTableIsAppendOnly(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	e, err := s.AppendAudit(ctx, audit.Entry{ID: "e1", Timestamp: time.Now().UTC(), Actor: "system", Action: "job.created", RiskLevel: planmodel.RiskLow}, nil)
	require.NoError(t, err)

	table := auditTableName(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `UPDATE `+table+` SET actor = 'tampered' WHERE id = ?`, e.ID)
	require.Error(t, err, "expected the append-only trigger to reject an UPDATE")

	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, e.ID)
	require.Error(t, err, "expected the append-only trigger to reject a DELETE")
}

func TestAuditTableNameRotatesByMonth(t *testing.T) {
	jan := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "audit_entries_2026_01", auditTableName(jan))
	require.Equal(t, "audit_entries_2026_02", auditTableName(feb))
}

func TestLastAuditEntryHashIsGenesisWhenChainEmpty(t *testing.T) {
	s := tempStore(t)
	hash, err := s.LastAuditEntryHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, audit.GenesisHash, hash)
}
