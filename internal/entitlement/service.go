// Package entitlement implements the subscription lifecycle: granting,
// extending, revoking, and checking channel access. The service is the only
// writer of entitlement rows; the webhook handler, operator endpoints, and
// expiry sweeper all go through it or through the store operations it owns.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"channelgate/internal/catalog"
	"channelgate/internal/types"
)

// expiringSoonHorizon is the stats window for "expiring soon", matching the
// operator panel's 3-day lookahead.
const expiringSoonHorizon = 3 * 24 * time.Hour

// ChannelAccess is the subset of the messenger client the service needs to
// deliver and withdraw channel access.
type ChannelAccess interface {
	// SendMessage delivers a direct message to the user.
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error

	// CreateInviteLink issues a fresh single-use invite link into a channel.
	CreateInviteLink(ctx context.Context, channelID int64) (string, error)

	// BanChannelMember removes a user from a channel.
	BanChannelMember(ctx context.Context, channelID, userID int64) error

	// UnbanChannelMember lifts the ban so the user can rejoin later.
	UnbanChannelMember(ctx context.Context, channelID, userID int64) error
}

// Service is the Entitlement Store's domain service. The durable state
// change is the operation's success criterion; channel-access side effects
// are best-effort, logged on failure, and never roll back the grant.
type Service struct {
	store    types.EntitlementStore
	catalog  *catalog.Catalog
	access   ChannelAccess
	channels []int64
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewService creates the entitlement service. channels is the full set of
// gated channel IDs; every plan grants access to all of them.
func NewService(
	store types.EntitlementStore,
	cat *catalog.Catalog,
	access ChannelAccess,
	channels []int64,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		catalog:  cat,
		access:   access,
		channels: channels,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// WithNowFunc overrides the clock. Intended for tests.
func (s *Service) WithNowFunc(fn func() time.Time) *Service {
	s.nowFn = fn
	return s
}

// Grant creates or replaces the user's entitlement after a confirmed
// payment. Replace semantics: a repeat purchase resets the expiry window to
// now + plan duration instead of stacking onto the previous one (additive
// behavior is the explicit Extend operation). After the durable write, an
// invite link for every configured channel is delivered to the user;
// per-channel delivery failures are logged and do not fail the grant.
func (s *Service) Grant(ctx context.Context, userID int64, planID, transactionID string) (*types.Entitlement, error) {
	ent, err := s.PrepareGrant(userID, planID, transactionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, ent); err != nil {
		return nil, err
	}
	s.AnnounceGrant(ctx, ent)
	return ent, nil
}

// PrepareGrant builds the entitlement row a confirmed payment grants,
// without persisting it. The payment confirmation path writes the row
// atomically with the ledger transition (ConfirmPayment); Grant writes it
// directly. Returns ErrCodeNotFoundPlan for an unknown plan.
func (s *Service) PrepareGrant(userID int64, planID, transactionID string) (*types.Entitlement, error) {
	plan, ok := s.catalog.Get(planID)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, fmt.Sprintf("unknown plan %q", planID), nil)
	}

	now := s.nowFn().UTC()
	ent := &types.Entitlement{
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    types.EntitlementActive,
		StartedAt: now,
		ExpiresAt: now.Add(plan.Duration()),
	}
	if transactionID != "" {
		ent.TransactionID = &transactionID
	}
	return ent, nil
}

// AnnounceGrant logs a persisted grant and delivers the per-channel invite
// links. Called only after the durable write succeeded; failures here are
// logged and never undo the grant.
func (s *Service) AnnounceGrant(ctx context.Context, ent *types.Entitlement) {
	s.logger.InfoContext(ctx, "entitlement granted",
		"user_id", ent.UserID,
		"plan_id", ent.PlanID,
		"expires_at", ent.ExpiresAt.Format(time.RFC3339),
	)
	s.deliverChannelAccess(ctx, ent.UserID, s.catalog.DisplayName(ent.PlanID))
}

// deliverChannelAccess sends the user one invite link per configured
// channel. Best-effort: each channel is independent, and a failed link is
// retriable by an operator re-issuing access.
func (s *Service) deliverChannelAccess(ctx context.Context, userID int64, planName string) {
	for _, channelID := range s.channels {
		link, err := s.access.CreateInviteLink(ctx, channelID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to create invite link",
				"user_id", userID,
				"channel_id", channelID,
				"error", err,
			)
			continue
		}
		text := fmt.Sprintf("Your %s access is ready. Join here: %s", planName, link)
		if err := s.access.SendMessage(ctx, userID, text, ""); err != nil {
			s.logger.ErrorContext(ctx, "failed to deliver invite link",
				"user_id", userID,
				"channel_id", channelID,
				"error", err,
			)
		}
	}
}

// Extend adds days to the current expiry (not to now), so extending a
// still-active subscription compounds correctly. Extending an expired
// entitlement reactivates it.
func (s *Service) Extend(ctx context.Context, userID int64, days int) (*types.Entitlement, error) {
	ent, err := s.store.Extend(ctx, userID, days)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "entitlement extended",
		"user_id", userID,
		"days", days,
		"expires_at", ent.ExpiresAt.Format(time.RFC3339),
	)
	return ent, nil
}

// Revoke transitions the entitlement to revoked and removes the user from
// every configured channel (ban immediately followed by unban, so the user
// can rejoin freely after a future purchase). Channel removal is
// best-effort with the same partial-failure tolerance as Grant.
func (s *Service) Revoke(ctx context.Context, userID int64) (*types.Entitlement, error) {
	ent, err := s.store.Revoke(ctx, userID, s.nowFn().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "entitlement revoked", "user_id", userID)
	RemoveFromChannels(ctx, s.access, s.channels, userID, s.logger)
	return ent, nil
}

// Check returns the user's entitlement with the read-time expiry correction
// applied: a stored active row whose expiry has passed is reported as
// expired even before the sweeper persists the transition. The stored row is
// not rewritten here; the sweeper owns the side-effecting revocation.
func (s *Service) Check(ctx context.Context, userID int64) (*types.Entitlement, error) {
	ent, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent.Status == types.EntitlementActive && !ent.ExpiresAt.After(s.nowFn().UTC()) {
		view := *ent
		view.Status = types.EntitlementExpired
		return &view, nil
	}
	return ent, nil
}

// Stats returns the aggregate counts with the plan distribution keyed by
// display name.
func (s *Service) Stats(ctx context.Context) (*types.SubscriptionStats, error) {
	stats, err := s.store.Stats(ctx, s.nowFn().UTC(), expiringSoonHorizon)
	if err != nil {
		return nil, err
	}
	named := make(map[string]int, len(stats.PlanDistribution))
	for planID, count := range stats.PlanDistribution {
		named[s.catalog.DisplayName(planID)] += count
	}
	stats.PlanDistribution = named
	return stats, nil
}

// RemoveFromChannels executes the ban+unban pair on every channel for one
// user. Shared by Revoke and the expiry sweeper. Failures are logged per
// channel and never abort the remaining channels.
func RemoveFromChannels(ctx context.Context, access ChannelAccess, channels []int64, userID int64, logger *slog.Logger) {
	for _, channelID := range channels {
		if err := access.BanChannelMember(ctx, channelID, userID); err != nil {
			logger.ErrorContext(ctx, "failed to remove user from channel",
				"user_id", userID,
				"channel_id", channelID,
				"error", err,
			)
			continue
		}
		if err := access.UnbanChannelMember(ctx, channelID, userID); err != nil {
			logger.ErrorContext(ctx, "failed to lift channel ban",
				"user_id", userID,
				"channel_id", channelID,
				"error", err,
			)
		}
	}
}
