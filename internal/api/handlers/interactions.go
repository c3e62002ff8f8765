package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"channelgate/internal/core"
	"channelgate/internal/types"
)

// InteractionHandler ingests user interaction records. Bot frontends and
// other edge processes report every user touch here; the append-only log
// they build is what broadcast audience resolution reads.
type InteractionHandler struct {
	log       types.InteractionLog
	validator *core.Validator
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewInteractionHandler creates the interaction ingest handler.
func NewInteractionHandler(log types.InteractionLog, validator *core.Validator, logger *slog.Logger) *InteractionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionHandler{
		log:       log,
		validator: validator,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// WithNowFunc overrides the clock. Test hook.
func (h *InteractionHandler) WithNowFunc(fn func() time.Time) *InteractionHandler {
	h.nowFn = fn
	return h
}

// RegisterRoutes mounts the interaction endpoints. The caller wraps the
// router in admin auth.
func (h *InteractionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/interactions", h.HandleAppend)
}

type interactionRequest struct {
	UserID    int64          `json:"user_id" validate:"required,gt=0"`
	Action    string         `json:"action" validate:"required,max=64"`
	Timestamp *time.Time     `json:"timestamp"`
	Info      map[string]any `json:"info"`
}

// HandleAppend records one interaction. The timestamp defaults to the
// server clock when the reporter omits it.
func (h *InteractionHandler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	when := h.nowFn().UTC()
	if req.Timestamp != nil {
		when = req.Timestamp.UTC()
	}

	rec := &types.InteractionRecord{
		UserID:    req.UserID,
		Action:    req.Action,
		Timestamp: when,
		Info:      req.Info,
	}
	if err := h.log.Append(r.Context(), rec); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Debug("interaction recorded",
		slog.Int64("user_id", rec.UserID),
		slog.String("action", rec.Action))
	core.WriteJSON(w, http.StatusCreated, rec)
}
