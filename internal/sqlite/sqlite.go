// Package sqlite opens the agent's ledger database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/JaneliaSciComp/jacs-storage/internal/migrations"
)

// Open returns a handle to the SQLite file at path, creating the file and
// its directory if needed. The journal runs in WAL mode so transfer
// goroutines can record events while others read.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal=WAL&_sync=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open failed: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping failed after open: %w", err)
	}
	return db, nil
}

// OpenLedger opens path and applies the ledger migrations.
func OpenLedger(ctx context.Context, path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.BootstrapLedger(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return db, nil
}
