package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/database"
	"github.com/voltlab/echem-host/internal/protocol"
)

// Invocation is one terminal technique run record.
type Invocation struct {
	ID         string
	ChannelID  string
	ClientID   string
	Status     protocol.InvocationStatus
	ErrorCode  string
	Error      string
	Parameters json.RawMessage
	Result     json.RawMessage
	Points     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Repository stores invocation records in SQLite.
type Repository struct {
	db *database.DB
}

// NewRepository creates a repository over an open, migrated database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Record persists a terminal invocation. Re-recording the same invocation
// id overwrites the previous row, which makes redelivered terminal events
// idempotent.
//
// Returns ErrNotTerminal for pending or running statuses.
func (r *Repository) Record(ctx context.Context, inv Invocation) error {
	if !inv.Status.IsTerminal() {
		return fmt.Errorf("recording invocation %s with status %s: %w", inv.ID, inv.Status, ErrNotTerminal)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO invocations
			(id, channel_id, client_id, status, error_code, error,
			 parameters, result, points, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.ChannelID,
		inv.ClientID,
		string(inv.Status),
		inv.ErrorCode,
		inv.Error,
		string(inv.Parameters),
		string(inv.Result),
		inv.Points,
		inv.StartedAt.UTC().Format(time.RFC3339Nano),
		inv.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording invocation %s: %w", inv.ID, err)
	}
	return nil
}

// Get returns the invocation record with the given id.
// Returns ErrNotFound if no record exists.
func (r *Repository) Get(ctx context.Context, id string) (Invocation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, channel_id, client_id, status, error_code, error,
		       parameters, result, points, started_at, finished_at
		FROM invocations WHERE id = ?`, id)

	inv, err := scanInvocation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Invocation{}, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Invocation{}, fmt.Errorf("getting invocation %s: %w", id, err)
	}
	return inv, nil
}

// ListByChannel returns the most recent invocations for a channel, newest
// first, capped at limit (50 when limit <= 0).
func (r *Repository) ListByChannel(ctx context.Context, channelID string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, client_id, status, error_code, error,
		       parameters, result, points, started_at, finished_at
		FROM invocations
		WHERE channel_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing invocations for %s: %w", channelID, err)
	}
	defer rows.Close()

	var invocations []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning invocation row: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocations: %w", err)
	}
	return invocations, nil
}

// scanInvocation scans one row using the given Scan function.
func scanInvocation(scan func(dest ...any) error) (Invocation, error) {
	var inv Invocation
	var status, params, result, startedAt, finished string
	err := scan(
		&inv.ID, &inv.ChannelID, &inv.ClientID, &status, &inv.ErrorCode,
		&inv.Error, &params, &result, &inv.Points, &startedAt, &finished,
	)
	if err != nil {
		return Invocation{}, err
	}

	inv.Status = protocol.InvocationStatus(status)
	if params != "" {
		inv.Parameters = json.RawMessage(params)
	}
	if result != "" {
		inv.Result = json.RawMessage(result)
	}
	inv.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)  //nolint:errcheck // Format is controlled
	inv.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)  //nolint:errcheck // Format is controlled
	return inv, nil
}
