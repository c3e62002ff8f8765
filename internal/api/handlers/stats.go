package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"channelgate/internal/core"
	"channelgate/internal/entitlement"
)

// StatsHandler exposes the subscription aggregates to operators.
type StatsHandler struct {
	entitlements *entitlement.Service
	logger       *slog.Logger
}

// NewStatsHandler creates the stats handler.
func NewStatsHandler(entitlements *entitlement.Service, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsHandler{entitlements: entitlements, logger: logger}
}

// RegisterRoutes mounts the stats endpoint. The caller wraps the router in
// admin auth.
func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.HandleGet)
}

// HandleGet returns total users, active subscriptions, the per-plan
// distribution, and the expiring-soon count.
func (h *StatsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	stats, err := h.entitlements.Stats(r.Context())
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, stats)
}
