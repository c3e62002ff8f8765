package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/config"
	"channelgate/internal/types"
)

func testBroadcastConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		SendDelay:      time.Millisecond,
		ScheduleWindow: 72 * time.Hour,
		DailyCeiling:   12,
	}
}

func newTestScheduler(store types.BroadcastStore, deliver Deliverer, known []int64, now time.Time) *Scheduler {
	audience := NewAudienceResolver(&fakeEntStore{}, &fakeInteractions{known: known})
	s := NewScheduler(store, audience, deliver, testBroadcastConfig(), nil)
	s.WithNowFunc(func() time.Time { return now })
	s.WithSleepFunc(func(time.Duration) {})
	return s
}

func TestSendNow_DeliversToResolvedAudience(t *testing.T) {
	deliver := &fakeDeliverer{}
	s := newTestScheduler(newFakeBroadcastStore(), deliver, []int64{1, 2, 3}, time.Now())

	delivered, err := s.SendNow(context.Background(), types.BroadcastPayload{Text: "hi"}, types.BroadcastFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []int64{1, 2, 3}, deliver.delivered())
}

func TestSendNow_PerRecipientFailureDoesNotAbortFanOut(t *testing.T) {
	deliver := &fakeDeliverer{failFor: map[int64]bool{2: true}}
	s := newTestScheduler(newFakeBroadcastStore(), deliver, []int64{1, 2, 3}, time.Now())

	delivered, err := s.SendNow(context.Background(), types.BroadcastPayload{Text: "hi"}, types.BroadcastFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []int64{1, 3}, deliver.delivered())
}

func TestSendNow_PausesBetweenSends(t *testing.T) {
	var pauses int
	deliver := &fakeDeliverer{}
	s := newTestScheduler(newFakeBroadcastStore(), deliver, []int64{1, 2, 3}, time.Now())
	s.WithSleepFunc(func(d time.Duration) {
		assert.Equal(t, time.Millisecond, d)
		pauses++
	})

	_, err := s.SendNow(context.Background(), types.BroadcastPayload{Text: "hi"}, types.BroadcastFilter{})
	require.NoError(t, err)
	// n recipients, n-1 pauses.
	assert.Equal(t, 2, pauses)
}

func TestSchedule_RejectsOutOfWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(newFakeBroadcastStore(), &fakeDeliverer{}, nil, now)

	cases := []struct {
		name string
		when time.Time
	}{
		{"in the past", now.Add(-time.Minute)},
		{"beyond the window", now.Add(73 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Schedule(context.Background(), tc.when, types.BroadcastPayload{Text: "x"}, types.BroadcastFilter{})
			require.Error(t, err)
			appErr, ok := err.(*types.AppError)
			require.True(t, ok)
			assert.Equal(t, types.ErrCodeBroadcastOutOfWindow, appErr.Code)
		})
	}
}

func TestSchedule_AcceptsWindowBoundary(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeBroadcastStore()
	s := newTestScheduler(store, &fakeDeliverer{}, nil, now)
	defer s.Close()

	b, err := s.Schedule(context.Background(), now.Add(72*time.Hour), types.BroadcastPayload{Text: "x"}, types.BroadcastFilter{})
	require.NoError(t, err)
	assert.Equal(t, types.BroadcastPending, b.State)
	assert.Equal(t, 1, store.size())
}

// slowCountStore stretches the gap between the ceiling count and the
// insert so overlapping Schedule calls collide if nothing serializes them.
type slowCountStore struct {
	*fakeBroadcastStore
	delay time.Duration
}

func (s *slowCountStore) CountScheduledOn(ctx context.Context, day time.Time) (int, error) {
	n, err := s.fakeBroadcastStore.CountScheduledOn(ctx, day)
	time.Sleep(s.delay)
	return n, err
}

func TestSchedule_ConcurrentCallsCannotOverfillDay(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	inner := newFakeBroadcastStore()
	store := &slowCountStore{fakeBroadcastStore: inner, delay: 10 * time.Millisecond}
	audience := NewAudienceResolver(&fakeEntStore{}, &fakeInteractions{})

	cfg := testBroadcastConfig()
	cfg.DailyCeiling = 1
	s := NewScheduler(store, audience, &fakeDeliverer{}, cfg, nil)
	s.WithNowFunc(func() time.Time { return now })
	s.WithSleepFunc(func(time.Duration) {})
	defer s.Close()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Schedule(context.Background(), now.Add(2*time.Hour), types.BroadcastPayload{Text: "x"}, types.BroadcastFilter{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, limited int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		appErr, ok := err.(*types.AppError)
		require.True(t, ok)
		assert.Equal(t, types.ErrCodeBroadcastRateLimited, appErr.Code)
		limited++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, limited)
	assert.Equal(t, 1, inner.size())
}

func TestSchedule_EnforcesDailyCeiling(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeBroadcastStore()
	s := newTestScheduler(store, &fakeDeliverer{}, nil, now)
	defer s.Close()

	// Fill one UTC calendar day to the ceiling.
	for i := 0; i < 12; i++ {
		when := now.Add(time.Duration(i+1) * time.Hour)
		_, err := s.Schedule(context.Background(), when, types.BroadcastPayload{Text: fmt.Sprintf("b%d", i)}, types.BroadcastFilter{})
		require.NoError(t, err)
	}

	// The 13th on the same day is rejected.
	_, err := s.Schedule(context.Background(), now.Add(20*time.Hour), types.BroadcastPayload{Text: "overflow"}, types.BroadcastFilter{})
	require.Error(t, err)
	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeBroadcastRateLimited, appErr.Code)

	// The next day still has room.
	_, err = s.Schedule(context.Background(), now.Add(26*time.Hour), types.BroadcastPayload{Text: "next day"}, types.BroadcastFilter{})
	require.NoError(t, err)
}

func TestScheduledBroadcastFiresAndLeavesPendingSet(t *testing.T) {
	store := newFakeBroadcastStore()
	deliver := &fakeDeliverer{delivery: make(chan int64, 8)}
	now := time.Now().UTC()
	s := newTestScheduler(store, deliver, []int64{7}, now)
	defer s.Close()

	_, err := s.Schedule(context.Background(), now.Add(10*time.Millisecond), types.BroadcastPayload{Text: "later"}, types.BroadcastFilter{})
	require.NoError(t, err)

	select {
	case userID := <-deliver.delivery:
		assert.Equal(t, int64(7), userID)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled broadcast never fired")
	}

	require.Eventually(t, func() bool { return store.size() == 0 }, time.Second, 5*time.Millisecond,
		"completed broadcast must leave the pending set")
}

func TestCancel_RemovesPendingBroadcast(t *testing.T) {
	store := newFakeBroadcastStore()
	deliver := &fakeDeliverer{}
	now := time.Now().UTC()
	s := newTestScheduler(store, deliver, []int64{7}, now)
	defer s.Close()

	b, err := s.Schedule(context.Background(), now.Add(time.Hour), types.BroadcastPayload{Text: "x"}, types.BroadcastFilter{})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), b.ID))
	assert.Equal(t, 0, store.size())
	assert.Empty(t, deliver.delivered())
}

func TestCancel_UnknownBroadcast(t *testing.T) {
	s := newTestScheduler(newFakeBroadcastStore(), &fakeDeliverer{}, nil, time.Now())

	err := s.Cancel(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNotFoundBroadcast, appErr.Code)
}

func TestRecover_ReArmsOnlyFutureRows(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeBroadcastStore()

	pastDue := types.ScheduledBroadcast{
		ID: "past", When: now.Add(-time.Hour), State: types.BroadcastPending,
		Payload: types.BroadcastPayload{Text: "stale"},
	}
	future := types.ScheduledBroadcast{
		ID: "future", When: now.Add(20 * time.Millisecond), State: types.BroadcastPending,
		Payload: types.BroadcastPayload{Text: "fresh"},
	}
	require.NoError(t, store.Insert(context.Background(), &pastDue))
	require.NoError(t, store.Insert(context.Background(), &future))

	deliver := &fakeDeliverer{delivery: make(chan int64, 8)}
	s := newTestScheduler(store, deliver, []int64{9}, now)
	s.WithNowFunc(time.Now)
	defer s.Close()

	require.NoError(t, s.Recover(context.Background()))

	// The past-due row is discarded immediately, never delivered.
	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	for _, b := range pending {
		assert.NotEqual(t, "past", b.ID)
	}

	select {
	case userID := <-deliver.delivery:
		assert.Equal(t, int64(9), userID)
	case <-time.After(2 * time.Second):
		t.Fatal("recovered broadcast never fired")
	}
	require.Eventually(t, func() bool { return store.size() == 0 }, time.Second, 5*time.Millisecond)
}
