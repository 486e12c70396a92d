package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSqliteDSNMemory(t *testing.T) {
	for _, path := range []string{"", " ", ":memory:", ":MEMORY:"} {
		dsn, err := sqliteDSN(path)
		require.NoError(t, err)
		require.Equal(t, "file::memory:?cache=shared&_foreign_keys=1", dsn)
	}
}

func TestSqliteDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "tally.db")

	dsn, err := sqliteDSN(path)
	require.NoError(t, err)
	require.Contains(t, dsn, "_journal_mode=WAL")
	require.Contains(t, dsn, "_busy_timeout=5000")
	require.Contains(t, dsn, "_foreign_keys=1")

	// the parent directory is created eagerly
	require.DirExists(t, filepath.Dir(path))
}

func TestOpenSQLiteFile(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tally.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, AutoMigrate(db))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}
