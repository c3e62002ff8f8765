package db

import (
	"context"
	"encoding/json"

	"channelgate/internal/types"
)

// InteractionRepo manages the append-only interactions log. Rows are never
// mutated; the opt-out state of a user is derived from their most recent
// opt_in/opt_out action.
type InteractionRepo struct {
	db DBTX
}

// NewInteractionRepo creates an InteractionRepo backed by the given database
// connection (pool or transaction).
func NewInteractionRepo(db DBTX) *InteractionRepo {
	return &InteractionRepo{db: db}
}

// Append inserts one interaction record.
func (r *InteractionRepo) Append(ctx context.Context, rec *types.InteractionRecord) error {
	var info []byte
	if rec.Info != nil {
		var err error
		info, err = json.Marshal(rec.Info)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode interaction info", err)
		}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO interactions (user_id, action, occurred_at, info)
		 VALUES ($1, $2, $3, $4)`,
		rec.UserID,
		rec.Action,
		rec.Timestamp,
		info,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append interaction", err)
	}
	return nil
}

// KnownUserIDs returns the distinct set of users that ever interacted.
func (r *InteractionRepo) KnownUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT user_id FROM interactions ORDER BY user_id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list known users", err)
	}
	defer rows.Close()
	return collectUserIDs(rows)
}

// OptedOutUserIDs returns users whose latest opt_in/opt_out interaction is
// an opt_out.
func (r *InteractionRepo) OptedOutUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM (
		     SELECT DISTINCT ON (user_id) user_id, action
		     FROM interactions
		     WHERE action IN ('opt_in', 'opt_out')
		     ORDER BY user_id, occurred_at DESC
		 ) latest
		 WHERE action = 'opt_out'
		 ORDER BY user_id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list opted-out users", err)
	}
	defer rows.Close()
	return collectUserIDs(rows)
}

// Languages returns the most recently recorded language per user. The chat
// layer stamps info->>'language' on interactions whenever the user's locale
// is known.
func (r *InteractionRepo) Languages(ctx context.Context) (map[int64]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (user_id) user_id, info->>'language'
		 FROM interactions
		 WHERE info->>'language' IS NOT NULL
		 ORDER BY user_id, occurred_at DESC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list user languages", err)
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var lang string
		if err := rows.Scan(&id, &lang); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user language", err)
		}
		out[id] = lang
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate user languages", err)
	}
	return out, nil
}

func collectUserIDs(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate user ids", err)
	}
	return out, nil
}
