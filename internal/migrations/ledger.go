package migrations

import (
	"context"
	"database/sql"
)

// InitLedgerMigrations registers the agent's bookkeeping schema
func InitLedgerMigrations(runner *Runner) {
	runner.AddMigration(
		1,
		"Create allocations table",
		`CREATE TABLE allocations (
			location TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			size INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		2,
		"Create trigger for allocation updated_at",
		`CREATE TRIGGER trig_allocations_updated_at
		AFTER UPDATE ON allocations
		BEGIN
			UPDATE allocations SET updated_at = CURRENT_TIMESTAMP WHERE location = NEW.location;
		END`,
	)

	runner.AddMigration(
		3,
		"Create transfer events table",
		`CREATE TABLE transfer_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id TEXT NOT NULL,
			op TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			bytes INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		4,
		"Index transfer events by location",
		`CREATE INDEX idx_transfer_events_location ON transfer_events(location)`,
	)

	runner.AddMigration(
		5,
		"Create metadata table",
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)
}

// BootstrapLedger brings the ledger schema up to date
func BootstrapLedger(ctx context.Context, db *sql.DB) error {
	runner := NewRunner(db)
	InitLedgerMigrations(runner)
	return runner.Run(ctx)
}
