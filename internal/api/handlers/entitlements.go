package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"channelgate/internal/core"
	"channelgate/internal/entitlement"
	"channelgate/internal/payments"
	"channelgate/internal/types"
)

// EntitlementHandler exposes the operator entitlement surface: issuing
// payment links and the manual grant/extend/revoke escape hatches the
// support workflow needs when payments go sideways.
type EntitlementHandler struct {
	entitlements *entitlement.Service
	payments     *payments.Service
	validator    *core.Validator
	logger       *slog.Logger
}

// NewEntitlementHandler creates the entitlement admin handler.
func NewEntitlementHandler(
	entitlements *entitlement.Service,
	payments *payments.Service,
	validator *core.Validator,
	logger *slog.Logger,
) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementHandler{
		entitlements: entitlements,
		payments:     payments,
		validator:    validator,
		logger:       logger,
	}
}

// RegisterRoutes mounts the entitlement endpoints. The caller wraps the
// router in admin auth.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Post("/plans/{plan_id}/links", h.HandleIssueLink)
	r.Post("/entitlements/{user_id}", h.HandleGrant)
	r.Get("/entitlements/{user_id}", h.HandleCheck)
	r.Post("/entitlements/{user_id}/extend", h.HandleExtend)
	r.Delete("/entitlements/{user_id}", h.HandleRevoke)
}

type issueLinkRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// HandleIssueLink mints a hosted-checkout URL for a user and plan and
// records the pending ledger entry the webhook will later complete.
func (h *EntitlementHandler) HandleIssueLink(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "plan_id")

	var req issueLinkRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	link, err := h.payments.IssueLink(r.Context(), req.UserID, planID)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusCreated, link)
}

type grantRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

// HandleGrant grants an entitlement directly, bypassing the payment flow.
// Used when an operator comps access or reconciles a payment by hand.
func (h *EntitlementHandler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	var req grantRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	ent, err := h.entitlements.Grant(r.Context(), userID, req.PlanID, "")
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusCreated, ent)
}

// HandleCheck returns the user's entitlement with the read-time expiry
// correction applied.
func (h *EntitlementHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	ent, err := h.entitlements.Check(r.Context(), userID)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, ent)
}

type extendRequest struct {
	Days int `json:"days" validate:"required,gt=0,lte=3650"`
}

// HandleExtend adds days to the user's current expiry.
func (h *EntitlementHandler) HandleExtend(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	var req extendRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	ent, err := h.entitlements.Extend(r.Context(), userID, req.Days)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, ent)
}

// HandleRevoke revokes the user's entitlement and removes them from every
// gated channel.
func (h *EntitlementHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	ent, err := h.entitlements.Revoke(r.Context(), userID)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, ent)
}

func parseUserID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "user_id")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidField,
			"user_id must be a positive integer", err)
	}
	return userID, nil
}
