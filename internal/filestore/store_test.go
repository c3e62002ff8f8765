package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/types"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func activeEnt(userID int64, expiresAt time.Time) *types.Entitlement {
	return &types.Entitlement{
		UserID:    userID,
		PlanID:    "monthly",
		Status:    types.EntitlementActive,
		StartedAt: expiresAt.Add(-30 * 24 * time.Hour),
		ExpiresAt: expiresAt,
	}
}

func TestOpen_CreatesMissingFileLazily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	s, err := Open(path)
	require.NoError(t, err)

	// First write materializes the file.
	require.NoError(t, s.Entitlements().Upsert(context.Background(), activeEnt(1, time.Now().Add(time.Hour))))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestEntitlements_SurviveReopen(t *testing.T) {
	s, path := openTestStore(t)
	expires := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Entitlements().Upsert(context.Background(), activeEnt(42, expires)))

	reopened, err := Open(path)
	require.NoError(t, err)

	ent, err := reopened.Entitlements().Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "monthly", ent.PlanID)
	assert.True(t, ent.ExpiresAt.Equal(expires))
}

func TestEntitlements_ExtendIsAdditiveAndReactivates(t *testing.T) {
	s, _ := openTestStore(t)
	ents := s.Entitlements()
	expires := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	ent := activeEnt(42, expires)
	ent.Status = types.EntitlementExpired
	require.NoError(t, ents.Upsert(context.Background(), ent))

	extended, err := ents.Extend(context.Background(), 42, 10)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(expires.Add(10*24*time.Hour)))
	assert.Equal(t, types.EntitlementActive, extended.Status)
}

func TestEntitlements_ExtendUnknownUser(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Entitlements().Extend(context.Background(), 99, 10)
	require.Error(t, err)
	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNotFoundEntitlement, appErr.Code)
}

func TestEntitlements_RevokeRecordsTimestamp(t *testing.T) {
	s, _ := openTestStore(t)
	ents := s.Entitlements()
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(42, time.Now().Add(time.Hour))))

	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	revoked, err := ents.Revoke(context.Background(), 42, at)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	assert.True(t, revoked.RevokedAt.Equal(at))
}

func TestEntitlements_UpsertClearsRevocation(t *testing.T) {
	s, _ := openTestStore(t)
	ents := s.Entitlements()
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(42, time.Now().Add(time.Hour))))

	_, err := ents.Revoke(context.Background(), 42, time.Now())
	require.NoError(t, err)

	// A fresh purchase after a revocation starts clean.
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(42, time.Now().Add(48*time.Hour))))
	ent, err := ents.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementActive, ent.Status)
	assert.Nil(t, ent.RevokedAt)
}

func TestEntitlements_MarkExpiredIsConditional(t *testing.T) {
	s, _ := openTestStore(t)
	ents := s.Entitlements()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// A row whose expiry was pushed into the future between the sweeper's
	// scan and its write must stay active.
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(42, now.Add(time.Hour))))
	require.NoError(t, ents.MarkExpired(context.Background(), 42, now))

	ent, err := ents.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementActive, ent.Status)

	// A genuinely past-due row transitions.
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(7, now.Add(-time.Second))))
	require.NoError(t, ents.MarkExpired(context.Background(), 7, now))

	ent, err = ents.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementExpired, ent.Status)
}

func TestEntitlements_ListExpiredBoundary(t *testing.T) {
	s, _ := openTestStore(t)
	ents := s.Entitlements()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ents.Upsert(context.Background(), activeEnt(1, now.Add(-time.Second))))
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(2, now.Add(time.Hour))))

	expired, err := ents.ListExpired(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].UserID)
}

func TestEntitlements_Stats(t *testing.T) {
	s, _ := openTestStore(t)
	ents := s.Entitlements()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ents.Upsert(context.Background(), activeEnt(1, now.Add(2*24*time.Hour)))) // expiring soon
	require.NoError(t, ents.Upsert(context.Background(), activeEnt(2, now.Add(20*24*time.Hour))))
	expiredRow := activeEnt(3, now.Add(-time.Hour))
	expiredRow.Status = types.EntitlementExpired
	require.NoError(t, ents.Upsert(context.Background(), expiredRow))

	stats, err := ents.Stats(context.Background(), now, 3*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 2, stats.ActiveSubscriptions)
	assert.Equal(t, 1, stats.ExpiringSoon)
	assert.Equal(t, map[string]int{"monthly": 2}, stats.PlanDistribution)
}

func TestPaymentLinks_ConfirmPaymentWritesBoth(t *testing.T) {
	s, _ := openTestStore(t)
	pays := s.Payments()

	require.NoError(t, pays.Create(context.Background(), &types.PaymentLink{
		TransactionID: "abc123",
		UserID:        42,
		PlanID:        "monthly",
		Status:        types.PaymentPending,
	}))

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ent := activeEnt(42, at.Add(30*24*time.Hour))
	tx := "abc123"
	ent.TransactionID = &tx

	link, completed, err := pays.ConfirmPayment(context.Background(), "abc123", ent, at)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, types.PaymentCompleted, link.Status)

	got, err := s.Entitlements().Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, types.EntitlementActive, got.Status)
	require.NotNil(t, got.TransactionID)
	assert.Equal(t, "abc123", *got.TransactionID)

	// The replay reports the link without rewriting the entitlement.
	_, completed, err = pays.ConfirmPayment(context.Background(), "abc123", activeEnt(42, at), at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, completed)
	got, err = s.Entitlements().Get(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(at.Add(30*24*time.Hour)))
}

func TestPaymentLinks_ConfirmPaymentUnknownTransaction(t *testing.T) {
	s, _ := openTestStore(t)

	_, _, err := s.Payments().ConfirmPayment(context.Background(), "ghost", activeEnt(42, time.Now()), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPayment, appErr.Code)
}

func TestPaymentLinks_ConfirmPaymentFlushFailureLeavesLinkPending(t *testing.T) {
	s, path := openTestStore(t)
	pays := s.Payments()

	require.NoError(t, pays.Create(context.Background(), &types.PaymentLink{
		TransactionID: "abc123",
		UserID:        42,
		PlanID:        "monthly",
		Status:        types.PaymentPending,
	}))

	// Make the flush fail by removing the backing directory.
	require.NoError(t, os.RemoveAll(filepath.Dir(path)))

	_, completed, err := pays.ConfirmPayment(context.Background(), "abc123", activeEnt(42, time.Now().Add(time.Hour)), time.Now())
	require.Error(t, err)
	assert.False(t, completed)

	// Neither write landed: the link is retryable and no entitlement exists.
	link, err := pays.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPending, link.Status)
	_, err = s.Entitlements().Get(context.Background(), 42)
	assert.Error(t, err)
}

func TestPaymentLinks_CompleteIfPendingIsReplaySafe(t *testing.T) {
	s, _ := openTestStore(t)
	pays := s.Payments()

	require.NoError(t, pays.Create(context.Background(), &types.PaymentLink{
		TransactionID: "abc123",
		UserID:        42,
		PlanID:        "monthly",
		Status:        types.PaymentPending,
	}))

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	link, completed, err := pays.CompleteIfPending(context.Background(), "abc123", at)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, types.PaymentCompleted, link.Status)
	require.NotNil(t, link.CompletedAt)

	// The replay reports the link but signals no transition happened.
	link, completed, err = pays.CompleteIfPending(context.Background(), "abc123", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, completed)
	assert.True(t, link.CompletedAt.Equal(at))
}

func TestPaymentLinks_CompleteUnknownTransaction(t *testing.T) {
	s, _ := openTestStore(t)

	_, _, err := s.Payments().CompleteIfPending(context.Background(), "ghost", time.Now())
	require.Error(t, err)
	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNotFoundPayment, appErr.Code)
}

func TestBroadcasts_PendingSetLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	bcasts := s.Broadcasts()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	early := &types.ScheduledBroadcast{ID: "b1", When: base.Add(time.Hour), State: types.BroadcastPending}
	late := &types.ScheduledBroadcast{ID: "b2", When: base.Add(2 * time.Hour), State: types.BroadcastPending}
	require.NoError(t, bcasts.Insert(context.Background(), late))
	require.NoError(t, bcasts.Insert(context.Background(), early))

	pending, err := bcasts.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b1", pending[0].ID)

	require.NoError(t, bcasts.SetState(context.Background(), "b1", types.BroadcastInFlight))
	pending, err = bcasts.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2, "in_flight rows stay in the pending set")

	require.NoError(t, bcasts.Delete(context.Background(), "b1"))
	pending, err = bcasts.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b2", pending[0].ID)

	err = bcasts.Delete(context.Background(), "b1")
	require.Error(t, err)
	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNotFoundBroadcast, appErr.Code)
}

func TestBroadcasts_CountScheduledOnUTCDay(t *testing.T) {
	s, _ := openTestStore(t)
	bcasts := s.Broadcasts()
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	rows := []types.ScheduledBroadcast{
		{ID: "same-day-start", When: day, State: types.BroadcastPending},
		{ID: "same-day-end", When: day.Add(23*time.Hour + 59*time.Minute), State: types.BroadcastPending},
		{ID: "next-day", When: day.Add(24 * time.Hour), State: types.BroadcastPending},
	}
	for i := range rows {
		require.NoError(t, bcasts.Insert(context.Background(), &rows[i]))
	}

	count, err := bcasts.CountScheduledOn(context.Background(), day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInteractions_KnownAndOptedOut(t *testing.T) {
	s, _ := openTestStore(t)
	log := s.Interactions()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	records := []types.InteractionRecord{
		{UserID: 1, Action: "start", Timestamp: base},
		{UserID: 2, Action: "start", Timestamp: base},
		{UserID: 2, Action: types.ActionOptOut, Timestamp: base.Add(time.Minute)},
		{UserID: 3, Action: types.ActionOptOut, Timestamp: base},
		{UserID: 3, Action: "opt_in", Timestamp: base.Add(time.Hour)},
	}
	for i := range records {
		require.NoError(t, log.Append(context.Background(), &records[i]))
	}

	known, err := log.KnownUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, known)

	// Latest opt action wins: user 3 opted back in.
	optedOut, err := log.OptedOutUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, optedOut)
}

func TestInteractions_LanguagesLatestWins(t *testing.T) {
	s, _ := openTestStore(t)
	log := s.Interactions()

	require.NoError(t, log.Append(context.Background(), &types.InteractionRecord{
		UserID: 1, Action: "start", Info: map[string]any{"language": "en"},
	}))
	require.NoError(t, log.Append(context.Background(), &types.InteractionRecord{
		UserID: 1, Action: "settings", Info: map[string]any{"language": "de"},
	}))
	require.NoError(t, log.Append(context.Background(), &types.InteractionRecord{
		UserID: 2, Action: "start",
	}))

	langs, err := log.Languages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "de"}, langs)
}
