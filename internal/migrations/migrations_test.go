package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import SQLite driver
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, name string) *sql.DB {
	dbPath := filepath.Join(t.TempDir(), name)
	t.Logf("Test database path: %s", dbPath)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err, "Opening database failed")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrations(t *testing.T) {
	db := openTestDB(t, "migrations_test.db")
	ctx := context.Background()

	runner := NewRunner(db)
	// registered out of order on purpose
	runner.AddMigration(2, "Add column to test table", `
		ALTER TABLE test_table ADD COLUMN description TEXT
	`)
	runner.AddMigration(1, "Create test table", `
		CREATE TABLE test_table (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)
	`)

	require.NoError(t, runner.Run(ctx), "Running migrations failed")

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	require.NoError(t, err, "Counting migrations failed")
	assert.Equal(t, 2, count, "Expected 2 migrations to be recorded")

	_, err = db.Exec("INSERT INTO test_table (id, name, description) VALUES (1, 'Test', 'Description')")
	require.NoError(t, err, "Inserting into test_table failed")

	// Re-running is a no-op
	require.NoError(t, runner.Run(ctx), "Re-running migrations failed")
	applied, err := runner.Applied(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, 2)

	runner.AddMigration(3, "Add another column", `
		ALTER TABLE test_table ADD COLUMN created_at TIMESTAMP
	`)
	require.NoError(t, runner.Run(ctx), "Running with new migration failed")

	err = db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "Expected 3 migrations to be recorded")
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t, "rollback_test.db")
	ctx := context.Background()

	runner := NewRunner(db)
	runner.AddMigration(1, "Broken", `CREATE TABLE broken (`)
	require.Error(t, runner.Run(ctx))

	applied, err := runner.Applied(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied, "A failed migration must not be recorded")
}

func TestBootstrapLedger(t *testing.T) {
	db := openTestDB(t, "ledger_test.db")
	ctx := context.Background()

	require.NoError(t, BootstrapLedger(ctx, db), "Bootstrapping ledger failed")
	require.NoError(t, BootstrapLedger(ctx, db), "Bootstrapping twice should be harmless")

	for _, table := range []string{"allocations", "transfer_events", "metadata"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "Expected table %s", table)
	}

	_, err := db.Exec("INSERT INTO allocations (location, format, size, checksum) VALUES ('/tmp/x', 'SINGLE_DATA_FILE', 5, 'abc')")
	require.NoError(t, err)

	var initialUpdatedAt string
	err = db.QueryRow("SELECT updated_at FROM allocations WHERE location = '/tmp/x'").Scan(&initialUpdatedAt)
	require.NoError(t, err)

	t.Log("Waiting a moment before update...")
	time.Sleep(time.Second)

	_, err = db.Exec("UPDATE allocations SET size = 6 WHERE location = '/tmp/x'")
	require.NoError(t, err)

	var newUpdatedAt string
	err = db.QueryRow("SELECT updated_at FROM allocations WHERE location = '/tmp/x'").Scan(&newUpdatedAt)
	require.NoError(t, err)
	assert.NotEqual(t, initialUpdatedAt, newUpdatedAt, "Expected updated_at to change after update")
}
