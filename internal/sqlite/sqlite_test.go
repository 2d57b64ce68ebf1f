package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOpen verifies that Open can create, reopen and use a plain SQLite file.
func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "plain_test.db")
	t.Logf("Database path: %s", dbPath)

	db, err := Open(dbPath)
	require.NoError(t, err, "Opening new file failed")

	_, err = db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err, "Creating test_table failed")
	require.NoError(t, db.Close(), "Closing DB failed")

	reopened, err := Open(dbPath)
	require.NoError(t, err, "Reopening existing file failed")
	defer reopened.Close()

	var count int
	err = reopened.QueryRow(`SELECT count(*) FROM test_table`).Scan(&count)
	require.NoError(t, err, "Selecting count after reopen failed")
	require.Equal(t, 0, count)

	var mode string
	require.NoError(t, reopened.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
}

func TestOpenLedger(t *testing.T) {
	db, err := OpenLedger(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM allocations`).Scan(&count))
	require.Zero(t, count)
}
