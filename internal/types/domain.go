// Package types defines the shared domain model for the channelgate service:
// plans, entitlements, payment links, scheduled broadcasts, interaction
// records, typed application errors, and the storage interfaces implemented
// by the Postgres and file-backed stores.
package types

import "time"

// Plan is a named subscription tier. Plans are static configuration: loaded
// once at startup from the plan catalog JSON and immutable thereafter.
type Plan struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Price         string `json:"price"`
	DurationDays  int    `json:"duration_days"`
	PaymentLinkID string `json:"payment_link_id"`
}

// Duration returns the plan length as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// EntitlementStatus is the lifecycle state of an entitlement.
type EntitlementStatus string

const (
	// EntitlementActive means the user currently holds channel access.
	// Callers must still compare ExpiresAt against the current time: an
	// active row whose expiry has passed is treated as inactive before the
	// sweeper persists the transition.
	EntitlementActive EntitlementStatus = "active"
	// EntitlementExpired is set by the expiry sweeper once ExpiresAt passes.
	EntitlementExpired EntitlementStatus = "expired"
	// EntitlementRevoked is set by explicit operator action.
	EntitlementRevoked EntitlementStatus = "revoked"
)

// Entitlement records a user's current subscription state. There is at most
// one entitlement per user: a repeat purchase replaces the previous plan and
// resets the expiry window, it does not stack durations. No history of past
// plans is retained.
type Entitlement struct {
	UserID        int64             `json:"user_id"`
	PlanID        string            `json:"plan_id"`
	Status        EntitlementStatus `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	TransactionID *string           `json:"transaction_id,omitempty"`
	RevokedAt     *time.Time        `json:"revoked_at,omitempty"`
}

// ActiveAt reports whether the entitlement grants access at the given
// instant. This is the read-time expiry check: status alone is not
// sufficient because the sweeper corrects stale rows asynchronously.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	return e.Status == EntitlementActive && now.Before(e.ExpiresAt)
}

// PaymentLinkStatus is the lifecycle state of an issued payment link.
type PaymentLinkStatus string

const (
	PaymentPending   PaymentLinkStatus = "pending"
	PaymentCompleted PaymentLinkStatus = "completed"
)

// PaymentLink is a pending-payment ledger entry. The TransactionID is the
// correlation key embedded in the hosted checkout URL; the payment webhook
// must echo it back before any entitlement is granted.
type PaymentLink struct {
	TransactionID string            `json:"transaction_id"`
	UserID        int64             `json:"user_id"`
	PlanID        string            `json:"plan_id"`
	URL           string            `json:"url"`
	Status        PaymentLinkStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// BroadcastState is the per-broadcast state machine: pending -> in_flight ->
// completed, with no transition back. A broadcast that fails mid-fan-out
// still reaches completed; fan-out failures are per-recipient, not fatal.
type BroadcastState string

const (
	BroadcastPending   BroadcastState = "pending"
	BroadcastInFlight  BroadcastState = "in_flight"
	BroadcastCompleted BroadcastState = "completed"
)

// MediaKind identifies the attachment type of a broadcast payload.
type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// BroadcastPayload is the message content fanned out to recipients: text
// and/or a single media attachment.
type BroadcastPayload struct {
	Text      string    `json:"text,omitempty"`
	ParseMode string    `json:"parse_mode,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
}

// BroadcastFilter selects the audience of a broadcast. An empty Statuses
// slice means all known users (everyone who ever interacted with the bot).
// The special segment SegmentNever selects users who interacted but never
// purchased.
type BroadcastFilter struct {
	Language string   `json:"language,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

// SegmentNever is the audience segment of users with interactions but no
// entitlement row.
const SegmentNever = "never"

// ScheduledBroadcast is a durable deferred-delivery task. Rows are removed
// from the pending set once delivery completes, successfully or not.
type ScheduledBroadcast struct {
	ID        string           `json:"id"`
	When      time.Time        `json:"when"`
	Payload   BroadcastPayload `json:"payload"`
	Filter    BroadcastFilter  `json:"filter"`
	State     BroadcastState   `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
}

// InteractionRecord is one append-only log entry of a user touching the
// system. The log exists to discover the known-user population for broadcast
// targeting (the "all" and "never purchased" segments) and to track opt-outs.
type InteractionRecord struct {
	UserID    int64          `json:"user_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Info      map[string]any `json:"info,omitempty"`
}

// ActionOptOut is the interaction action that excludes a user from all
// future broadcasts.
const ActionOptOut = "opt_out"

// SubscriptionStats is the aggregate read exposed by the stats endpoint.
// PlanDistribution is keyed by plan display name, matching the operator
// panel's historical output.
type SubscriptionStats struct {
	TotalUsers          int            `json:"total_users"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	PlanDistribution    map[string]int `json:"plan_distribution"`
	ExpiringSoon        int            `json:"expiring_soon"`
}
