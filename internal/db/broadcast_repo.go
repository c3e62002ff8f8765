package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"channelgate/internal/types"
)

// BroadcastRepo persists the pending set of scheduled broadcasts. Payload
// and filter are stored as JSONB so the schema does not chase every payload
// field.
type BroadcastRepo struct {
	db DBTX
}

// NewBroadcastRepo creates a BroadcastRepo backed by the given database
// connection (pool or transaction).
func NewBroadcastRepo(db DBTX) *BroadcastRepo {
	return &BroadcastRepo{db: db}
}

// Insert adds a broadcast to the pending set.
func (r *BroadcastRepo) Insert(ctx context.Context, b *types.ScheduledBroadcast) error {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode broadcast payload", err)
	}
	filter, err := json.Marshal(b.Filter)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode broadcast filter", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO scheduled_broadcasts (id, fire_at, payload, filter, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID,
		b.When,
		payload,
		filter,
		b.State,
		b.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert scheduled broadcast", err)
	}
	return nil
}

// Delete removes a broadcast from the pending set.
func (r *BroadcastRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM scheduled_broadcasts WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete scheduled broadcast", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundBroadcast, "no scheduled broadcast with that id", nil)
	}
	return nil
}

// SetState advances the broadcast state machine.
func (r *BroadcastRepo) SetState(ctx context.Context, id string, state types.BroadcastState) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_broadcasts SET state = $2 WHERE id = $1`,
		id,
		state,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update broadcast state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundBroadcast, "no scheduled broadcast with that id", nil)
	}
	return nil
}

// ListPending returns broadcasts not yet completed, ordered by fire time.
func (r *BroadcastRepo) ListPending(ctx context.Context) ([]types.ScheduledBroadcast, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, fire_at, payload, filter, state, created_at
		 FROM scheduled_broadcasts
		 WHERE state <> 'completed'
		 ORDER BY fire_at`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list scheduled broadcasts", err)
	}
	defer rows.Close()

	var out []types.ScheduledBroadcast
	for rows.Next() {
		var b types.ScheduledBroadcast
		var payload, filter []byte
		if err := rows.Scan(&b.ID, &b.When, &payload, &filter, &b.State, &b.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan broadcast row", err)
		}
		if err := json.Unmarshal(payload, &b.Payload); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode broadcast payload", err)
		}
		if err := json.Unmarshal(filter, &b.Filter); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode broadcast filter", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate broadcast rows", err)
	}
	return out, nil
}

// CountScheduledOn counts pending broadcasts whose fire time falls on the
// same UTC calendar day as the given instant. Backing query truncates to the
// day boundary in UTC regardless of the session timezone.
func (r *BroadcastRepo) CountScheduledOn(ctx context.Context, day time.Time) (int, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM scheduled_broadcasts
		 WHERE state <> 'completed'
		   AND fire_at >= $1 AND fire_at < $2`,
		dayStart,
		dayEnd,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count scheduled broadcasts", err)
	}
	return count, nil
}
