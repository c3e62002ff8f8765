// Package sweeper implements the periodic reconciliation between "active"
// entitlements and wall-clock time. Each sweep collects every entitlement
// whose expiry has passed, removes the user from the gated channels with the
// ban+unban pair, and persists the expired status.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"channelgate/internal/entitlement"
	"channelgate/internal/types"
)

// Sweeper drives expiry reconciliation on a fixed interval.
type Sweeper struct {
	store    types.EntitlementStore
	access   entitlement.ChannelAccess
	channels []int64
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	// sweepMu enforces non-overlap: if a sweep is still running when the
	// next tick fires, the tick is skipped. The expired rows it would have
	// handled are naturally picked up by the following sweep, since
	// expires_at is still in the past.
	sweepMu sync.Mutex
}

// New creates a Sweeper. interval is how often the store is scanned for
// expired entitlements (the production default is once per day).
func New(
	store types.EntitlementStore,
	access entitlement.ChannelAccess,
	channels []int64,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		access:   access,
		channels: channels,
		interval: interval,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// WithNowFunc overrides the clock. Intended for tests.
func (s *Sweeper) WithNowFunc(fn func() time.Time) *Sweeper {
	s.nowFn = fn
	return s
}

// Run executes one sweep immediately (catching up on anything that expired
// while the process was down), then sweeps on every interval tick until the
// context is cancelled. It always returns ctx.Err().
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.ErrorContext(ctx, "initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep pass and returns the number of entitlements
// expired. If a previous sweep is still in progress the pass is skipped and
// returns 0 without error.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.sweepMu.TryLock() {
		s.logger.WarnContext(ctx, "sweep still running, skipping tick")
		return 0, nil
	}
	defer s.sweepMu.Unlock()

	now := s.nowFn().UTC()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		s.logger.InfoContext(ctx, "sweep complete, nothing expired")
		return 0, nil
	}

	s.logger.InfoContext(ctx, "sweeping expired entitlements", "count", len(expired))

	processed := 0
	for _, ent := range expired {
		// Channel removal is best-effort and per-user independent; a
		// failure on one user never blocks the rest of the sweep.
		entitlement.RemoveFromChannels(ctx, s.access, s.channels, ent.UserID, s.logger)

		if err := s.store.MarkExpired(ctx, ent.UserID, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark entitlement expired",
				"user_id", ent.UserID,
				"error", err,
			)
			continue
		}
		processed++
		s.logger.InfoContext(ctx, "entitlement expired",
			"user_id", ent.UserID,
			"plan_id", ent.PlanID,
			"expired_at", ent.ExpiresAt.Format(time.RFC3339),
		)
	}
	return processed, nil
}
