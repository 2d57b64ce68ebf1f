package dao

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransferEvent is one finished connection as seen by the agent
type TransferEvent struct {
	ID        int64
	ConnID    string
	Op        string
	Location  string
	Status    string
	Bytes     int64
	Checksum  string
	Message   string
	CreatedAt time.Time
}

// EventDAO appends to and reads the transfer_events log
type EventDAO struct {
	db *sql.DB
}

// NewEventDAO creates a new EventDAO
func NewEventDAO(db *sql.DB) *EventDAO {
	return &EventDAO{db: db}
}

// Append records e
func (d *EventDAO) Append(ctx context.Context, e TransferEvent) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO transfer_events (conn_id, op, location, status, bytes, checksum, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ConnID, e.Op, e.Location, e.Status, e.Bytes, e.Checksum, e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to append transfer event: %w", err)
	}
	return nil
}

// ForLocation returns the events touching location, newest first
func (d *EventDAO) ForLocation(ctx context.Context, location string, limit int) ([]TransferEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, conn_id, op, location, status, bytes, checksum, message, created_at
		FROM transfer_events WHERE location = ? ORDER BY id DESC LIMIT ?`,
		location, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer events: %w", err)
	}
	defer rows.Close()

	var events []TransferEvent
	for rows.Next() {
		var e TransferEvent
		if err := rows.Scan(&e.ID, &e.ConnID, &e.Op, &e.Location, &e.Status, &e.Bytes, &e.Checksum, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer events: %w", err)
	}
	return events, nil
}
