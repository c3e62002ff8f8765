package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"channelgate/internal/types"
)

// EntitlementRepo manages the entitlements table: at most one row per user,
// conditionally updated in single statements so a race between a fresh
// purchase and the sweeper's expiry pass cannot interleave inconsistently.
type EntitlementRepo struct {
	db DBTX
}

// NewEntitlementRepo creates an EntitlementRepo backed by the given database
// connection (pool or transaction).
func NewEntitlementRepo(db DBTX) *EntitlementRepo {
	return &EntitlementRepo{db: db}
}

// entitlementColumns is the standard column set for entitlement queries.
// Used consistently across all query methods to avoid column drift.
const entitlementColumns = `user_id, plan_id, status, started_at, expires_at, transaction_id, revoked_at`

// scanEntitlement scans a single entitlement row. Columns must match the
// order defined in entitlementColumns.
func scanEntitlement(row pgx.Row) (*types.Entitlement, error) {
	var e types.Entitlement
	err := row.Scan(
		&e.UserID,
		&e.PlanID,
		&e.Status,
		&e.StartedAt,
		&e.ExpiresAt,
		&e.TransactionID,
		&e.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Upsert writes the entitlement with replace semantics: a repeat purchase
// overwrites the previous plan and expiry window rather than stacking.
func (r *EntitlementRepo) Upsert(ctx context.Context, ent *types.Entitlement) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO entitlements (user_id, plan_id, status, started_at, expires_at, transaction_id, revoked_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET plan_id = EXCLUDED.plan_id,
		     status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     expires_at = EXCLUDED.expires_at,
		     transaction_id = EXCLUDED.transaction_id,
		     revoked_at = NULL,
		     updated_at = NOW()`,
		ent.UserID,
		ent.PlanID,
		ent.Status,
		ent.StartedAt,
		ent.ExpiresAt,
		ent.TransactionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert entitlement", err)
	}
	return nil
}

// Extend adds days to the stored expires_at (not to now), so extending a
// still-active subscription compounds correctly. An expired entitlement is
// reactivated. The whole mutation is one UPDATE so concurrent extends for
// the same user serialize on the row lock.
func (r *EntitlementRepo) Extend(ctx context.Context, userID int64, days int) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE entitlements
		 SET expires_at = expires_at + make_interval(days => $2),
		     status = 'active',
		     revoked_at = NULL,
		     updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+entitlementColumns,
		userID,
		days,
	)
	ent, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement for user", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to extend entitlement", err)
	}
	return ent, nil
}

// Revoke transitions the entitlement to revoked and timestamps it.
func (r *EntitlementRepo) Revoke(ctx context.Context, userID int64, at time.Time) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE entitlements
		 SET status = 'revoked',
		     revoked_at = $2,
		     updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+entitlementColumns,
		userID,
		at,
	)
	ent, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement for user", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to revoke entitlement", err)
	}
	return ent, nil
}

// Get returns the stored row as-is. The read-time expiry correction is the
// entitlement service's job, not the repository's.
func (r *EntitlementRepo) Get(ctx context.Context, userID int64) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE user_id = $1`,
		userID,
	)
	ent, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement for user", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load entitlement", err)
	}
	return ent, nil
}

// MarkExpired flips an active entitlement to expired. The status guard in
// the WHERE clause makes the transition conditional: if a fresh purchase
// landed between the sweeper's scan and this write, the row is active with a
// future expiry and stays untouched.
func (r *EntitlementRepo) MarkExpired(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE entitlements
		 SET status = 'expired',
		     updated_at = NOW()
		 WHERE user_id = $1
		   AND status = 'active'
		   AND expires_at < $2`,
		userID,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark entitlement expired", err)
	}
	return nil
}

// ListExpired returns entitlements still flagged active whose expiry has
// passed as of the given instant.
func (r *EntitlementRepo) ListExpired(ctx context.Context, asOf time.Time) ([]types.Entitlement, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE status = 'active' AND expires_at < $1
		 ORDER BY expires_at`,
		asOf,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired entitlements", err)
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

// ListByStatus returns entitlements in any of the given statuses.
func (r *EntitlementRepo) ListByStatus(ctx context.Context, statuses []types.EntitlementStatus) ([]types.Entitlement, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE status = ANY($1)
		 ORDER BY user_id`,
		ss,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list entitlements by status", err)
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

// collectEntitlements drains a row set into a slice.
func collectEntitlements(rows pgx.Rows) ([]types.Entitlement, error) {
	var out []types.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan entitlement row", err)
		}
		out = append(out, *ent)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate entitlement rows", err)
	}
	return out, nil
}

// Stats returns the aggregate counts in a single round trip. "Active" means
// status = 'active' AND expires_at > now, the same read-time correction the
// check operation applies.
func (r *EntitlementRepo) Stats(ctx context.Context, now time.Time, expiringWithin time.Duration) (*types.SubscriptionStats, error) {
	horizon := now.Add(expiringWithin)

	stats := &types.SubscriptionStats{PlanDistribution: map[string]int{}}
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'active' AND expires_at > $1),
		        COUNT(*) FILTER (WHERE status = 'active' AND expires_at > $1 AND expires_at <= $2)
		 FROM entitlements`,
		now,
		horizon,
	).Scan(&stats.TotalUsers, &stats.ActiveSubscriptions, &stats.ExpiringSoon)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate entitlement stats", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT plan_id, COUNT(*)
		 FROM entitlements
		 WHERE status = 'active' AND expires_at > $1
		 GROUP BY plan_id`,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate plan distribution", err)
	}
	defer rows.Close()
	for rows.Next() {
		var planID string
		var count int
		if err := rows.Scan(&planID, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan distribution row", err)
		}
		stats.PlanDistribution[planID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate plan distribution rows", err)
	}
	return stats, nil
}
