// Package filestore implements the persistence interfaces on a single JSON
// file. It exists for single-process deployments where running PostgreSQL is
// overkill; the Postgres backend in internal/db is the multi-instance
// option. Both are selected by configuration and carry identical semantics.
//
// Every mutation happens under one mutex and is flushed to disk with a
// write-to-temp-then-rename so a crash mid-write never corrupts the file.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"channelgate/internal/types"
)

// fileData is the on-disk document. Maps are keyed by the natural identity
// of each record (decimal user ID, transaction ID, broadcast ID).
type fileData struct {
	Entitlements map[string]types.Entitlement        `json:"entitlements"`
	PaymentLinks map[string]types.PaymentLink        `json:"payment_links"`
	Broadcasts   map[string]types.ScheduledBroadcast `json:"broadcasts"`
	Interactions []types.InteractionRecord           `json:"interactions"`
}

// Store is the JSON-file backend. All four persistence views share the same
// mutex, so same-user grant/extend/revoke races are serialized trivially.
type Store struct {
	mu   sync.Mutex
	path string
	data fileData
}

// Compile-time assertion that Store implements types.Store.
var _ types.Store = (*Store)(nil)

// Open loads the store from path, creating the parent directory and an
// empty document if the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: fileData{
			Entitlements: map[string]types.Entitlement{},
			PaymentLinks: map[string]types.PaymentLink{},
			Broadcasts:   map[string]types.ScheduledBroadcast{},
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("reading store file: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parsing store file %s: %w", path, err)
		}
	}
	// Maps may be nil after decoding an older or partial document.
	if s.data.Entitlements == nil {
		s.data.Entitlements = map[string]types.Entitlement{}
	}
	if s.data.PaymentLinks == nil {
		s.data.PaymentLinks = map[string]types.PaymentLink{}
	}
	if s.data.Broadcasts == nil {
		s.data.Broadcasts = map[string]types.ScheduledBroadcast{}
	}
	return s, nil
}

// flush writes the document atomically. Callers must hold s.mu.
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode store document", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write store file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to replace store file", err)
	}
	return nil
}

func userKey(id int64) string { return strconv.FormatInt(id, 10) }

func (s *Store) Entitlements() types.EntitlementStore { return entView{s} }
func (s *Store) Payments() types.PaymentLinkStore     { return payView{s} }
func (s *Store) Broadcasts() types.BroadcastStore     { return bcastView{s} }
func (s *Store) Interactions() types.InteractionLog   { return logView{s} }

// Ping verifies the backing directory is still writable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// Close flushes any in-memory state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// ---------------------------------------------------------------------------
// Entitlements
// ---------------------------------------------------------------------------

type entView struct{ s *Store }

func (v entView) Upsert(ctx context.Context, ent *types.Entitlement) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *ent
	cp.RevokedAt = nil
	v.s.data.Entitlements[userKey(ent.UserID)] = cp
	return v.s.flush()
}

func (v entView) Extend(ctx context.Context, userID int64, days int) (*types.Entitlement, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	key := userKey(userID)
	ent, ok := v.s.data.Entitlements[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement for user", nil)
	}
	ent.ExpiresAt = ent.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	ent.Status = types.EntitlementActive
	ent.RevokedAt = nil
	v.s.data.Entitlements[key] = ent
	if err := v.s.flush(); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (v entView) Revoke(ctx context.Context, userID int64, at time.Time) (*types.Entitlement, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	key := userKey(userID)
	ent, ok := v.s.data.Entitlements[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement for user", nil)
	}
	ent.Status = types.EntitlementRevoked
	ent.RevokedAt = &at
	v.s.data.Entitlements[key] = ent
	if err := v.s.flush(); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (v entView) Get(ctx context.Context, userID int64) (*types.Entitlement, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	ent, ok := v.s.data.Entitlements[userKey(userID)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "no entitlement for user", nil)
	}
	return &ent, nil
}

func (v entView) MarkExpired(ctx context.Context, userID int64, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	key := userKey(userID)
	ent, ok := v.s.data.Entitlements[key]
	if !ok {
		return nil
	}
	// Conditional transition: a repurchase between the sweeper's scan and
	// this write leaves the row active with a future expiry.
	if ent.Status != types.EntitlementActive || !ent.ExpiresAt.Before(at) {
		return nil
	}
	ent.Status = types.EntitlementExpired
	v.s.data.Entitlements[key] = ent
	return v.s.flush()
}

func (v entView) ListExpired(ctx context.Context, asOf time.Time) ([]types.Entitlement, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []types.Entitlement
	for _, ent := range v.s.data.Entitlements {
		if ent.Status == types.EntitlementActive && ent.ExpiresAt.Before(asOf) {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (v entView) ListByStatus(ctx context.Context, statuses []types.EntitlementStatus) ([]types.Entitlement, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	want := make(map[types.EntitlementStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	var out []types.Entitlement
	for _, ent := range v.s.data.Entitlements {
		if _, ok := want[ent.Status]; ok {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (v entView) Stats(ctx context.Context, now time.Time, expiringWithin time.Duration) (*types.SubscriptionStats, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	horizon := now.Add(expiringWithin)
	stats := &types.SubscriptionStats{PlanDistribution: map[string]int{}}
	for _, ent := range v.s.data.Entitlements {
		stats.TotalUsers++
		if ent.Status == types.EntitlementActive && ent.ExpiresAt.After(now) {
			stats.ActiveSubscriptions++
			stats.PlanDistribution[ent.PlanID]++
			if !ent.ExpiresAt.After(horizon) {
				stats.ExpiringSoon++
			}
		}
	}
	return stats, nil
}

// ---------------------------------------------------------------------------
// Payment links
// ---------------------------------------------------------------------------

type payView struct{ s *Store }

func (v payView) Create(ctx context.Context, link *types.PaymentLink) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.data.PaymentLinks[link.TransactionID] = *link
	return v.s.flush()
}

func (v payView) Get(ctx context.Context, transactionID string) (*types.PaymentLink, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	link, ok := v.s.data.PaymentLinks[transactionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "unknown transaction", nil)
	}
	return &link, nil
}

func (v payView) CompleteIfPending(ctx context.Context, transactionID string, at time.Time) (*types.PaymentLink, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	link, ok := v.s.data.PaymentLinks[transactionID]
	if !ok {
		return nil, false, types.NewAppError(types.ErrCodeNotFoundPayment, "unknown transaction", nil)
	}
	if link.Status != types.PaymentPending {
		return &link, false, nil
	}
	link.Status = types.PaymentCompleted
	link.CompletedAt = &at
	v.s.data.PaymentLinks[transactionID] = link
	if err := v.s.flush(); err != nil {
		return nil, false, err
	}
	return &link, true, nil
}

func (v payView) ConfirmPayment(ctx context.Context, transactionID string, ent *types.Entitlement, at time.Time) (*types.PaymentLink, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	link, ok := v.s.data.PaymentLinks[transactionID]
	if !ok {
		return nil, false, types.NewAppError(types.ErrCodeNotFoundPayment, "unknown transaction", nil)
	}
	if link.Status != types.PaymentPending {
		return &link, false, nil
	}

	entKey := userKey(ent.UserID)
	prevLink := link
	prevEnt, hadEnt := v.s.data.Entitlements[entKey]

	link.Status = types.PaymentCompleted
	link.CompletedAt = &at
	v.s.data.PaymentLinks[transactionID] = link
	cp := *ent
	cp.RevokedAt = nil
	v.s.data.Entitlements[entKey] = cp

	// One flush carries both writes. On failure, restore the in-memory state
	// so the link stays pending and the provider's retry can complete it.
	if err := v.s.flush(); err != nil {
		v.s.data.PaymentLinks[transactionID] = prevLink
		if hadEnt {
			v.s.data.Entitlements[entKey] = prevEnt
		} else {
			delete(v.s.data.Entitlements, entKey)
		}
		return nil, false, err
	}
	return &link, true, nil
}

// ---------------------------------------------------------------------------
// Scheduled broadcasts
// ---------------------------------------------------------------------------

type bcastView struct{ s *Store }

func (v bcastView) Insert(ctx context.Context, b *types.ScheduledBroadcast) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.data.Broadcasts[b.ID] = *b
	return v.s.flush()
}

func (v bcastView) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.data.Broadcasts[id]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundBroadcast, "no scheduled broadcast with that id", nil)
	}
	delete(v.s.data.Broadcasts, id)
	return v.s.flush()
}

func (v bcastView) SetState(ctx context.Context, id string, state types.BroadcastState) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	b, ok := v.s.data.Broadcasts[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundBroadcast, "no scheduled broadcast with that id", nil)
	}
	b.State = state
	v.s.data.Broadcasts[id] = b
	return v.s.flush()
}

func (v bcastView) ListPending(ctx context.Context) ([]types.ScheduledBroadcast, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []types.ScheduledBroadcast
	for _, b := range v.s.data.Broadcasts {
		if b.State != types.BroadcastCompleted {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out, nil
}

func (v bcastView) CountScheduledOn(ctx context.Context, day time.Time) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	count := 0
	for _, b := range v.s.data.Broadcasts {
		if b.State == types.BroadcastCompleted {
			continue
		}
		w := b.When.UTC()
		if !w.Before(dayStart) && w.Before(dayEnd) {
			count++
		}
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Interaction log
// ---------------------------------------------------------------------------

type logView struct{ s *Store }

func (v logView) Append(ctx context.Context, rec *types.InteractionRecord) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.data.Interactions = append(v.s.data.Interactions, *rec)
	return v.s.flush()
}

func (v logView) KnownUserIDs(ctx context.Context) ([]int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	seen := map[int64]struct{}{}
	for _, rec := range v.s.data.Interactions {
		seen[rec.UserID] = struct{}{}
	}
	return sortedIDs(seen), nil
}

func (v logView) OptedOutUserIDs(ctx context.Context) ([]int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	// Interactions are appended in order; the last opt_in/opt_out wins.
	latest := map[int64]string{}
	for _, rec := range v.s.data.Interactions {
		if rec.Action == "opt_in" || rec.Action == types.ActionOptOut {
			latest[rec.UserID] = rec.Action
		}
	}
	out := map[int64]struct{}{}
	for id, action := range latest {
		if action == types.ActionOptOut {
			out[id] = struct{}{}
		}
	}
	return sortedIDs(out), nil
}

func (v logView) Languages(ctx context.Context) (map[int64]string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := map[int64]string{}
	for _, rec := range v.s.data.Interactions {
		if lang, ok := rec.Info["language"].(string); ok && lang != "" {
			out[rec.UserID] = lang
		}
	}
	return out, nil
}

func sortedIDs(set map[int64]struct{}) []int64 {
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
