// Package catalog provides the static plan catalog: the authoritative
// mapping from plan identifiers to display names, prices, durations, and
// hosted payment-link IDs. Pure data, loaded once from configuration, no
// lifecycle.
package catalog

import (
	"encoding/json"
	"fmt"

	"channelgate/internal/types"
)

// Catalog is a read-only plan registry. It is safe for concurrent use:
// nothing mutates it after construction.
type Catalog struct {
	byID   map[string]types.Plan
	byName map[string]types.Plan
	order  []string
}

// Load parses the plan catalog from its JSON representation (a JSON array of
// plan objects) and validates every entry. Duplicate IDs, non-positive
// durations, and missing payment-link IDs are startup errors.
func Load(catalogJSON string) (*Catalog, error) {
	var plans []types.Plan
	if err := json.Unmarshal([]byte(catalogJSON), &plans); err != nil {
		return nil, fmt.Errorf("parsing plan catalog JSON: %w", err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan catalog must contain at least one plan")
	}

	c := &Catalog{
		byID:   make(map[string]types.Plan, len(plans)),
		byName: make(map[string]types.Plan, len(plans)),
		order:  make([]string, 0, len(plans)),
	}
	for i, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan %d: missing id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("plan %q: duplicate id", p.ID)
		}
		if p.DisplayName == "" {
			return nil, fmt.Errorf("plan %q: missing display_name", p.ID)
		}
		if p.DurationDays <= 0 {
			return nil, fmt.Errorf("plan %q: duration_days must be positive", p.ID)
		}
		if p.PaymentLinkID == "" {
			return nil, fmt.Errorf("plan %q: missing payment_link_id", p.ID)
		}
		c.byID[p.ID] = p
		c.byName[p.DisplayName] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Get returns the plan for the given ID. The bool result is false for
// unknown IDs; callers translate that into an UnknownPlan error.
func (c *Catalog) Get(id string) (types.Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// GetByDisplayName returns the plan with the given display name. Hosted
// checkout providers key some callbacks by display name rather than ID.
func (c *Catalog) GetByDisplayName(name string) (types.Plan, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// DisplayName maps a plan ID to its display name, falling back to the raw
// ID for unknown plans (stale rows may reference a plan removed from the
// catalog).
func (c *Catalog) DisplayName(id string) string {
	if p, ok := c.byID[id]; ok {
		return p.DisplayName
	}
	return id
}

// All returns every plan in configuration order.
func (c *Catalog) All() []types.Plan {
	out := make([]types.Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
