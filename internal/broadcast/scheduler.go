// Package broadcast implements audience-filtered message fan-out, both
// immediate and deferred. Scheduled broadcasts are persisted so a process
// restart does not silently drop them; on startup, rows still in the future
// are re-armed and past-due rows are discarded.
//
// Scheduling policy: a broadcast must fire within a bounded future window
// (72 hours by default) and the count of pending broadcasts on the same UTC
// calendar day is capped (12 by default). The caps bound notification spam
// and protect the outbound rate budget.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"channelgate/internal/config"
	"channelgate/internal/types"
)

// Deliverer is the subset of the messenger client the scheduler needs:
// delivery of one payload to one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, p types.BroadcastPayload) error
}

// Scheduler owns the pending-broadcast set. It is the only writer of
// broadcast state transitions (pending -> in_flight -> completed).
type Scheduler struct {
	store    types.BroadcastStore
	audience *AudienceResolver
	deliver  Deliverer

	sendDelay time.Duration
	window    time.Duration
	ceiling   int

	logger  *slog.Logger
	nowFn   func() time.Time
	sleepFn func(time.Duration)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	baseCtx context.Context

	// schedMu serializes the ceiling check with the insert so two concurrent
	// Schedule calls cannot both pass the count and overfill a day.
	schedMu sync.Mutex

	// inFlight lets Close wait for a firing broadcast to finish its fan-out.
	inFlight sync.WaitGroup
}

// NewScheduler creates a broadcast scheduler from the broadcast
// configuration.
func NewScheduler(
	store types.BroadcastStore,
	audience *AudienceResolver,
	deliver Deliverer,
	cfg config.BroadcastConfig,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		audience:  audience,
		deliver:   deliver,
		sendDelay: cfg.SendDelay,
		window:    cfg.ScheduleWindow,
		ceiling:   cfg.DailyCeiling,
		logger:    logger,
		nowFn:     time.Now,
		sleepFn:   time.Sleep,
		timers:    map[string]*time.Timer{},
		baseCtx:   context.Background(),
	}
}

// WithNowFunc overrides the clock. Intended for tests.
func (s *Scheduler) WithNowFunc(fn func() time.Time) *Scheduler {
	s.nowFn = fn
	return s
}

// WithSleepFunc overrides the inter-send pause. Intended for tests.
func (s *Scheduler) WithSleepFunc(fn func(time.Duration)) *Scheduler {
	s.sleepFn = fn
	return s
}

// SendNow resolves the audience and delivers the payload to each recipient
// sequentially, pausing sendDelay between sends as a crude outbound rate
// limiter. Per-recipient failures are logged and do not abort the remaining
// fan-out. Returns the number of successful deliveries.
func (s *Scheduler) SendNow(ctx context.Context, payload types.BroadcastPayload, filter types.BroadcastFilter) (int, error) {
	recipients, err := s.audience.Resolve(ctx, filter)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i, userID := range recipients {
		if i > 0 {
			s.sleepFn(s.sendDelay)
		}
		if err := ctx.Err(); err != nil {
			s.logger.WarnContext(ctx, "broadcast fan-out interrupted",
				"delivered", delivered,
				"remaining", len(recipients)-i,
			)
			return delivered, nil
		}
		if err := s.deliver.Deliver(ctx, userID, payload); err != nil {
			s.logger.ErrorContext(ctx, "broadcast delivery failed",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	s.logger.InfoContext(ctx, "broadcast fan-out complete",
		"recipients", len(recipients),
		"delivered", delivered,
	)
	return delivered, nil
}

// Schedule registers a deferred broadcast. Policy checks run first:
// broadcast_out_of_window when `when` is not within [now, now+window], and
// broadcast_rate_limited when the pending count on the same UTC calendar
// day as `when` has reached the ceiling. On success the row is persisted
// and a timer armed; the broadcast survives a restart via Recover.
func (s *Scheduler) Schedule(ctx context.Context, when time.Time, payload types.BroadcastPayload, filter types.BroadcastFilter) (*types.ScheduledBroadcast, error) {
	now := s.nowFn().UTC()
	when = when.UTC()
	if when.Before(now) || when.After(now.Add(s.window)) {
		return nil, types.NewAppError(
			types.ErrCodeBroadcastOutOfWindow,
			"broadcast time must be within the scheduling window",
			nil,
		)
	}

	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	count, err := s.store.CountScheduledOn(ctx, when)
	if err != nil {
		return nil, err
	}
	if count >= s.ceiling {
		return nil, types.NewAppError(
			types.ErrCodeBroadcastRateLimited,
			"daily scheduled broadcast ceiling reached",
			nil,
		)
	}

	b := &types.ScheduledBroadcast{
		ID:        uuid.NewString(),
		When:      when,
		Payload:   payload,
		Filter:    filter,
		State:     types.BroadcastPending,
		CreatedAt: now,
	}
	if err := s.store.Insert(ctx, b); err != nil {
		return nil, err
	}
	s.arm(*b)

	s.logger.InfoContext(ctx, "broadcast scheduled",
		"broadcast_id", b.ID,
		"fire_at", b.When.Format(time.RFC3339),
	)
	return b, nil
}

// Cancel removes a pending broadcast before it fires.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "broadcast cancelled", "broadcast_id", id)
	return nil
}

// Pending lists the not-yet-completed broadcasts.
func (s *Scheduler) Pending(ctx context.Context) ([]types.ScheduledBroadcast, error) {
	return s.store.ListPending(ctx)
}

// Recover re-arms persisted broadcasts after a restart. Only rows still in
// the future fire; past-due rows (including any caught mid-flight by a
// crash) are discarded with a warning, since their audience may have been
// partially delivered already.
func (s *Scheduler) Recover(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}
	now := s.nowFn().UTC()
	armed := 0
	for _, b := range pending {
		if b.When.After(now) {
			s.arm(b)
			armed++
			continue
		}
		s.logger.WarnContext(ctx, "dropping past-due broadcast on recovery",
			"broadcast_id", b.ID,
			"fire_at", b.When.Format(time.RFC3339),
			"state", string(b.State),
		)
		if err := s.store.Delete(ctx, b.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to delete past-due broadcast",
				"broadcast_id", b.ID,
				"error", err,
			)
		}
	}
	if armed > 0 {
		s.logger.InfoContext(ctx, "recovered scheduled broadcasts", "armed", armed)
	}
	return nil
}

// Close stops all timers and waits for any in-flight fan-out to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.inFlight.Wait()
}

// arm starts the delivery timer for a broadcast.
func (s *Scheduler) arm(b types.ScheduledBroadcast) {
	delay := time.Until(b.When)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	s.timers[b.ID] = time.AfterFunc(delay, func() { s.fire(b) })
	s.mu.Unlock()
}

// fire performs the deferred delivery: pending -> in_flight, fan-out,
// then removal from the pending set. A broadcast that fails mid-fan-out
// still completes; fan-out failures are per-recipient, not fatal.
func (s *Scheduler) fire(b types.ScheduledBroadcast) {
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	s.mu.Lock()
	if _, ok := s.timers[b.ID]; !ok {
		// Cancelled between timer expiry and acquiring the lock.
		s.mu.Unlock()
		return
	}
	delete(s.timers, b.ID)
	ctx := s.baseCtx
	s.mu.Unlock()

	if err := s.store.SetState(ctx, b.ID, types.BroadcastInFlight); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark broadcast in flight",
			"broadcast_id", b.ID,
			"error", err,
		)
	}

	if _, err := s.SendNow(ctx, b.Payload, b.Filter); err != nil {
		s.logger.ErrorContext(ctx, "scheduled broadcast failed",
			"broadcast_id", b.ID,
			"error", err,
		)
	}

	// The row leaves the pending set whether or not delivery succeeded;
	// the state machine has no transition back from in_flight.
	if err := s.store.Delete(ctx, b.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to remove completed broadcast",
			"broadcast_id", b.ID,
			"error", err,
		)
	}
}
