package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndSchema(t *testing.T) {
	s := tempStore(t)
	_, err := s.DB().Exec(`INSERT INTO jobs (id, status, priority, source_type) VALUES (?,?,?,?)`,
		"job_smoke", "pending", "normal", "user")
	require.NoError(t, err)
}
