package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/types"
)

// --- Fake EntitlementStore ---

type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]types.Entitlement
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[int64]types.Entitlement{}}
}

func (f *fakeStore) put(userID int64, status types.EntitlementStatus, expiresAt time.Time) {
	f.rows[userID] = types.Entitlement{
		UserID:    userID,
		PlanID:    "monthly",
		Status:    status,
		ExpiresAt: expiresAt,
	}
}

func (f *fakeStore) Upsert(_ context.Context, ent *types.Entitlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[ent.UserID] = *ent
	return nil
}

func (f *fakeStore) Extend(context.Context, int64, int) (*types.Entitlement, error) {
	panic("not used")
}

func (f *fakeStore) Revoke(context.Context, int64, time.Time) (*types.Entitlement, error) {
	panic("not used")
}

func (f *fakeStore) Get(_ context.Context, userID int64) (*types.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement", nil)
	}
	return &row, nil
}

func (f *fakeStore) MarkExpired(_ context.Context, userID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[userID]
	if !ok || row.Status != types.EntitlementActive || !row.ExpiresAt.Before(at) {
		return nil
	}
	row.Status = types.EntitlementExpired
	f.rows[userID] = row
	return nil
}

func (f *fakeStore) ListExpired(_ context.Context, asOf time.Time) ([]types.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Entitlement
	for _, row := range f.rows {
		if row.Status == types.EntitlementActive && row.ExpiresAt.Before(asOf) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) ListByStatus(context.Context, []types.EntitlementStatus) ([]types.Entitlement, error) {
	panic("not used")
}

func (f *fakeStore) Stats(context.Context, time.Time, time.Duration) (*types.SubscriptionStats, error) {
	panic("not used")
}

// --- Fake ChannelAccess ---

type fakeAccess struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (f *fakeAccess) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAccess) SendMessage(context.Context, int64, string, string) error {
	panic("not used")
}

func (f *fakeAccess) CreateInviteLink(context.Context, int64) (string, error) {
	panic("not used")
}

func (f *fakeAccess) BanChannelMember(_ context.Context, channelID, userID int64) error {
	if f.block != nil {
		<-f.block
	}
	f.record(fmt.Sprintf("ban:%d:%d", channelID, userID))
	return nil
}

func (f *fakeAccess) UnbanChannelMember(_ context.Context, channelID, userID int64) error {
	f.record(fmt.Sprintf("unban:%d:%d", channelID, userID))
	return nil
}

func TestSweepOnce_ExpiresOnlyPastDueRows(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.put(1, types.EntitlementActive, now.Add(-time.Second)) // just expired
	store.put(2, types.EntitlementActive, now.Add(time.Hour))    // still active
	store.put(3, types.EntitlementRevoked, now.Add(-time.Hour))  // already revoked

	sw := New(store, &fakeAccess{}, []int64{-100}, time.Hour, nil)
	sw.WithNowFunc(func() time.Time { return now })

	processed, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	one, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementExpired, one.Status)

	two, err := store.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementActive, two.Status)

	three, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementRevoked, three.Status)
}

func TestSweepOnce_RemovesUserWithBanThenUnban(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.put(42, types.EntitlementActive, now.Add(-time.Minute))

	access := &fakeAccess{}
	sw := New(store, access, []int64{-100, -200}, time.Hour, nil)
	sw.WithNowFunc(func() time.Time { return now })

	_, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ban:-100:42", "unban:-100:42", "ban:-200:42", "unban:-200:42"}, access.calls)
}

func TestSweepOnce_NothingExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.put(1, types.EntitlementActive, now.Add(24*time.Hour))

	sw := New(store, &fakeAccess{}, []int64{-100}, time.Hour, nil)
	sw.WithNowFunc(func() time.Time { return now })

	processed, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestSweepOnce_SkipsWhenPreviousSweepStillRunning(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.put(1, types.EntitlementActive, now.Add(-time.Minute))

	access := &fakeAccess{block: make(chan struct{})}
	sw := New(store, access, []int64{-100}, time.Hour, nil)
	sw.WithNowFunc(func() time.Time { return now })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sw.SweepOnce(context.Background())
	}()

	// Wait for the first sweep to park inside the blocked channel call, then
	// the overlapping pass must bail out immediately.
	require.Eventually(t, func() bool {
		if sw.sweepMu.TryLock() {
			sw.sweepMu.Unlock()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	processed, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	close(access.block)
	<-done

	one, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementExpired, one.Status)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	sw := New(store, &fakeAccess{}, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sw.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
