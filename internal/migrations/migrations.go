package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration represents a single schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Runner applies migrations in version order, each in its own transaction
type Runner struct {
	db         *sql.DB
	migrations []Migration
}

// NewRunner creates a new migrations runner
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// AddMigration registers a migration
func (r *Runner) AddMigration(version int, description, sql string) {
	r.migrations = append(r.migrations, Migration{
		Version:     version,
		Description: description,
		SQL:         sql,
	})
}

func (r *Runner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

// Applied returns the versions already recorded in the database
func (r *Runner) Applied(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Run executes all pending migrations
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if err := r.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO _migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
