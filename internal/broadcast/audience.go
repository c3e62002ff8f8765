package broadcast

import (
	"context"
	"sort"

	"channelgate/internal/types"
)

// AudienceResolver turns a broadcast filter into the concrete recipient
// list. Segments come from two populations: entitlement holders (active,
// expired, revoked) and the interaction log (everyone who ever touched the
// bot), which is the only way to reach users who never purchased.
type AudienceResolver struct {
	entitlements types.EntitlementStore
	interactions types.InteractionLog
}

// NewAudienceResolver creates a resolver over the two user populations.
func NewAudienceResolver(ents types.EntitlementStore, log types.InteractionLog) *AudienceResolver {
	return &AudienceResolver{entitlements: ents, interactions: log}
}

// Resolve returns the sorted recipient set for a filter. Opted-out users are
// always excluded. An empty status list means all known users. The special
// segment "never" selects users present in the interaction log but without
// an entitlement row.
func (r *AudienceResolver) Resolve(ctx context.Context, filter types.BroadcastFilter) ([]int64, error) {
	selected := map[int64]struct{}{}

	wantNever := false
	var statuses []types.EntitlementStatus
	for _, s := range filter.Statuses {
		if s == types.SegmentNever {
			wantNever = true
			continue
		}
		statuses = append(statuses, types.EntitlementStatus(s))
	}

	if len(filter.Statuses) == 0 {
		// All known users: everyone in the interaction log plus every
		// entitlement holder (grants can predate interaction logging).
		known, err := r.interactions.KnownUserIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range known {
			selected[id] = struct{}{}
		}
		holders, err := r.entitlements.ListByStatus(ctx, []types.EntitlementStatus{
			types.EntitlementActive, types.EntitlementExpired, types.EntitlementRevoked,
		})
		if err != nil {
			return nil, err
		}
		for _, ent := range holders {
			selected[ent.UserID] = struct{}{}
		}
	} else {
		if len(statuses) > 0 {
			holders, err := r.entitlements.ListByStatus(ctx, statuses)
			if err != nil {
				return nil, err
			}
			for _, ent := range holders {
				selected[ent.UserID] = struct{}{}
			}
		}
		if wantNever {
			never, err := r.neverPurchased(ctx)
			if err != nil {
				return nil, err
			}
			for _, id := range never {
				selected[id] = struct{}{}
			}
		}
	}

	if filter.Language != "" {
		langs, err := r.interactions.Languages(ctx)
		if err != nil {
			return nil, err
		}
		for id := range selected {
			if langs[id] != filter.Language {
				delete(selected, id)
			}
		}
	}

	optedOut, err := r.interactions.OptedOutUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range optedOut {
		delete(selected, id)
	}

	out := make([]int64, 0, len(selected))
	for id := range selected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// neverPurchased returns interaction-log users without an entitlement row.
func (r *AudienceResolver) neverPurchased(ctx context.Context) ([]int64, error) {
	known, err := r.interactions.KnownUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	holders, err := r.entitlements.ListByStatus(ctx, []types.EntitlementStatus{
		types.EntitlementActive, types.EntitlementExpired, types.EntitlementRevoked,
	})
	if err != nil {
		return nil, err
	}
	holderSet := make(map[int64]struct{}, len(holders))
	for _, ent := range holders {
		holderSet[ent.UserID] = struct{}{}
	}
	var out []int64
	for _, id := range known {
		if _, held := holderSet[id]; !held {
			out = append(out, id)
		}
	}
	return out, nil
}
