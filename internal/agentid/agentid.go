// Package agentid gives every storage agent a stable identifier kept in its
// ledger database.
package agentid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// MetadataTableName is the name of the table that stores agent metadata
	MetadataTableName = "metadata"

	// AgentIDKey is the metadata key holding the agent UUID
	AgentIDKey = "agent_uuid"
)

// ErrNoAgentID is returned when the ledger has no identifier yet.
var ErrNoAgentID = errors.New("agent id not set")

// Generate returns a new random agent identifier
func Generate() string {
	return uuid.New().String()
}

// Get reads the agent identifier from db
func Get(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", AgentIDKey).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoAgentID
		}
		return "", fmt.Errorf("failed to query agent id: %w", err)
	}
	return id, nil
}

// Ensure returns the agent identifier, generating and storing one on first
// use. The metadata table is created when the ledger predates it.
func Ensure(ctx context.Context, db *sql.DB) (string, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata table: %w", err)
	}

	// INSERT OR IGNORE keeps the first id if two agents race on one ledger
	if _, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)", AgentIDKey, Generate()); err != nil {
		return "", fmt.Errorf("failed to store agent id: %w", err)
	}
	return Get(ctx, db)
}
