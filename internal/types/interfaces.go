package types

import (
	"context"
	"time"
)

// EntitlementStore is the single source of truth for subscription state.
// All writers go through these operations; nothing mutates entitlement rows
// directly. Implementations must make each mutation atomic with respect to
// concurrent calls for the same user (conditional update / row lock, not a
// read-modify-write split across two round trips).
type EntitlementStore interface {
	// Upsert writes the entitlement with replace semantics: an existing row
	// for the same user is overwritten wholesale.
	Upsert(ctx context.Context, ent *Entitlement) error

	// Extend adds days to the stored expires_at (not to now) and resets the
	// status to active, reactivating an expired entitlement. Returns the
	// updated row, or ErrCodeNotFoundEntitlement if the user has none.
	Extend(ctx context.Context, userID int64, days int) (*Entitlement, error)

	// Revoke transitions the entitlement to revoked and records the
	// timestamp. Returns ErrCodeNotFoundEntitlement if the user has none.
	Revoke(ctx context.Context, userID int64, at time.Time) (*Entitlement, error)

	// Get returns the stored entitlement row as-is, without the read-time
	// expiry correction (the entitlement service applies that).
	Get(ctx context.Context, userID int64) (*Entitlement, error)

	// MarkExpired transitions an active entitlement to expired. Rows already
	// expired or revoked are left untouched (no-op, no error).
	MarkExpired(ctx context.Context, userID int64, at time.Time) error

	// ListExpired returns entitlements still flagged active whose expiry has
	// passed as of the given instant. The sweeper drives revocation from
	// this list.
	ListExpired(ctx context.Context, asOf time.Time) ([]Entitlement, error)

	// ListByStatus returns entitlements in any of the given statuses.
	ListByStatus(ctx context.Context, statuses []EntitlementStatus) ([]Entitlement, error)

	// Stats returns aggregate counts as of now. PlanDistribution is keyed by
	// plan ID; callers map IDs to display names via the catalog. ExpiringSoon
	// counts active entitlements with expires_at within the given horizon.
	Stats(ctx context.Context, now time.Time, expiringWithin time.Duration) (*SubscriptionStats, error)
}

// PaymentLinkStore is the pending-payment ledger keyed by transaction ID.
type PaymentLinkStore interface {
	// Create inserts a new pending payment link.
	Create(ctx context.Context, link *PaymentLink) error

	// Get returns the payment link for a transaction ID, or
	// ErrCodeNotFoundPayment if none was ever issued.
	Get(ctx context.Context, transactionID string) (*PaymentLink, error)

	// CompleteIfPending atomically transitions a pending link to completed.
	// The bool result is false when the link was already completed (webhook
	// replay) -- the caller must then skip all side effects. Returns
	// ErrCodeNotFoundPayment for unknown transaction IDs.
	CompleteIfPending(ctx context.Context, transactionID string, at time.Time) (*PaymentLink, bool, error)

	// ConfirmPayment is CompleteIfPending plus the entitlement write, in one
	// durable unit: both land or neither does. A failed entitlement write
	// leaves the link pending so the provider's retry can complete the
	// purchase. Same result contract as CompleteIfPending.
	ConfirmPayment(ctx context.Context, transactionID string, ent *Entitlement, at time.Time) (*PaymentLink, bool, error)
}

// BroadcastStore persists the pending set of scheduled broadcasts so a
// process restart does not silently drop them.
type BroadcastStore interface {
	Insert(ctx context.Context, b *ScheduledBroadcast) error

	// Delete removes a broadcast from the pending set. Returns
	// ErrCodeNotFoundBroadcast if no row matches.
	Delete(ctx context.Context, id string) error

	// SetState advances the broadcast state machine (pending -> in_flight ->
	// completed). Implementations do not enforce ordering; the scheduler is
	// the only writer.
	SetState(ctx context.Context, id string, state BroadcastState) error

	// ListPending returns broadcasts not yet completed, ordered by When.
	ListPending(ctx context.Context) ([]ScheduledBroadcast, error)

	// CountScheduledOn returns how many pending broadcasts fall on the same
	// UTC calendar day as the given instant. Used by the per-day ceiling.
	CountScheduledOn(ctx context.Context, day time.Time) (int, error)
}

// InteractionLog is the append-only record of user interactions.
type InteractionLog interface {
	Append(ctx context.Context, rec *InteractionRecord) error

	// KnownUserIDs returns the distinct set of users that ever interacted.
	KnownUserIDs(ctx context.Context) ([]int64, error)

	// OptedOutUserIDs returns users whose most recent opt-in/opt-out action
	// is an opt-out.
	OptedOutUserIDs(ctx context.Context) ([]int64, error)

	// Languages returns the most recently recorded language per user, taken
	// from interaction info. Users that never reported a language are absent
	// from the map.
	Languages(ctx context.Context) (map[int64]string, error)
}

// Store bundles the four persistence concerns behind one backend handle.
// Two implementations exist: internal/db (PostgreSQL, multi-instance) and
// internal/filestore (JSON file, single-process). The backend is selected
// by configuration, not by divergent logic.
type Store interface {
	Entitlements() EntitlementStore
	Payments() PaymentLinkStore
	Broadcasts() BroadcastStore
	Interactions() InteractionLog

	// Ping verifies the backend is reachable; wired into the health endpoint.
	Ping(ctx context.Context) error
	Close() error
}
