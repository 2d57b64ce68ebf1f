package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")
)

// Allocation is the ledger entry for one stored bundle
type Allocation struct {
	Location  string
	Format    string
	Size      int64
	Checksum  string
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllocationDAO provides access to the allocations table
type AllocationDAO struct {
	db *sql.DB
}

// NewAllocationDAO creates a new AllocationDAO
func NewAllocationDAO(db *sql.DB) *AllocationDAO {
	return &AllocationDAO{db: db}
}

// Record inserts or replaces the allocation for a.Location. The creation
// time of an existing entry is preserved.
func (d *AllocationDAO) Record(ctx context.Context, a Allocation) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO allocations (location, format, size, checksum, owner)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(location) DO UPDATE SET
			format = excluded.format,
			size = excluded.size,
			checksum = excluded.checksum,
			owner = excluded.owner`,
		a.Location, a.Format, a.Size, a.Checksum, a.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to record allocation for %s: %w", a.Location, err)
	}
	return nil
}

// Get retrieves the allocation stored at location
func (d *AllocationDAO) Get(ctx context.Context, location string) (*Allocation, error) {
	var a Allocation
	err := d.db.QueryRowContext(ctx,
		"SELECT location, format, size, checksum, owner, created_at, updated_at FROM allocations WHERE location = ?",
		location,
	).Scan(&a.Location, &a.Format, &a.Size, &a.Checksum, &a.Owner, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return &a, nil
}

// Delete removes the allocation stored at location
func (d *AllocationDAO) Delete(ctx context.Context, location string) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM allocations WHERE location = ?", location)
	if err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Usage returns the total bytes allocated to owner
func (d *AllocationDAO) Usage(ctx context.Context, owner string) (int64, error) {
	var total int64
	err := d.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size), 0) FROM allocations WHERE owner = ?", owner,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum allocations for %s: %w", owner, err)
	}
	return total, nil
}
