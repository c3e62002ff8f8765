package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"channelgate/internal/broadcast"
	"channelgate/internal/core"
	"channelgate/internal/types"
)

// BroadcastHandler exposes the operator broadcast surface: immediate send,
// deferred scheduling, pending list, and cancellation.
type BroadcastHandler struct {
	scheduler *broadcast.Scheduler
	validator *core.Validator
	logger    *slog.Logger
}

// NewBroadcastHandler creates the broadcast handler.
func NewBroadcastHandler(scheduler *broadcast.Scheduler, validator *core.Validator, logger *slog.Logger) *BroadcastHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BroadcastHandler{scheduler: scheduler, validator: validator, logger: logger}
}

// RegisterRoutes mounts the broadcast endpoints. The caller wraps the
// router in admin auth.
func (h *BroadcastHandler) RegisterRoutes(r chi.Router) {
	r.Post("/broadcasts", h.HandleCreate)
	r.Get("/broadcasts", h.HandleList)
	r.Delete("/broadcasts/{id}", h.HandleCancel)
}

// broadcastRequest is the operator's broadcast submission. When is optional:
// absent means send immediately, present means schedule for that instant.
type broadcastRequest struct {
	When      *time.Time            `json:"when,omitempty"`
	Text      string                `json:"text,omitempty"`
	ParseMode string                `json:"parse_mode,omitempty" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
	MediaURL  string                `json:"media_url,omitempty" validate:"omitempty,url"`
	MediaKind types.MediaKind       `json:"media_kind,omitempty" validate:"omitempty,oneof=photo video animation"`
	Filter    types.BroadcastFilter `json:"filter"`
}

type sendResult struct {
	Delivered int `json:"delivered"`
}

// HandleCreate sends or schedules a broadcast. A payload must carry text or
// media; a media URL must carry its kind.
func (h *BroadcastHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if req.Text == "" && req.MediaURL == "" {
		core.WriteError(w, r, h.logger, types.NewAppError(
			types.ErrCodeValidationMissingField, "broadcast requires text or media_url", nil))
		return
	}
	if req.MediaURL != "" && req.MediaKind == types.MediaNone {
		core.WriteError(w, r, h.logger, types.NewAppError(
			types.ErrCodeValidationMissingField, "media_kind is required with media_url", nil))
		return
	}

	payload := types.BroadcastPayload{
		Text:      req.Text,
		ParseMode: req.ParseMode,
		MediaURL:  req.MediaURL,
		MediaKind: req.MediaKind,
	}

	if req.When == nil {
		delivered, err := h.scheduler.SendNow(r.Context(), payload, req.Filter)
		if err != nil {
			core.WriteError(w, r, h.logger, err)
			return
		}
		core.WriteJSON(w, http.StatusOK, sendResult{Delivered: delivered})
		return
	}

	scheduled, err := h.scheduler.Schedule(r.Context(), *req.When, payload, req.Filter)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusCreated, scheduled)
}

// HandleList returns the pending broadcast set ordered by fire time.
func (h *BroadcastHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	pending, err := h.scheduler.Pending(r.Context())
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, pending)
}

// HandleCancel removes a pending broadcast before it fires.
func (h *BroadcastHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.scheduler.Cancel(r.Context(), id); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}
