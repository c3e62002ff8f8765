// Package handlers contains the HTTP handlers mounted under /v1: the
// payment confirmation webhook and the operator endpoints for stats,
// broadcasts, payment links, and manual entitlement management.
package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"channelgate/internal/core"
	"channelgate/internal/entitlement"
	"channelgate/internal/types"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw webhook
// body, computed with the shared webhook secret.
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBodyBytes = 64 * 1024

// Notifier is the outbound side of the webhook: one confirmation message
// to the purchasing user.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
}

// PaymentWebhookHandler turns payment-provider confirmation callbacks into
// entitlement grants. It is the only place where external input mutates
// durable state, so everything it accepts is verified against the
// pending-link ledger first.
type PaymentWebhookHandler struct {
	links        types.PaymentLinkStore
	entitlements *entitlement.Service
	notifier     Notifier
	secret       types.SecretString
	logger       *slog.Logger
	nowFn        func() time.Time
}

// WithNowFunc overrides the clock. Intended for tests.
func (h *PaymentWebhookHandler) WithNowFunc(fn func() time.Time) *PaymentWebhookHandler {
	h.nowFn = fn
	return h
}

// NewPaymentWebhookHandler creates the webhook handler. An empty secret
// disables signature verification (local development only; config rejects
// that combination elsewhere).
func NewPaymentWebhookHandler(
	links types.PaymentLinkStore,
	entitlements *entitlement.Service,
	notifier Notifier,
	secret types.SecretString,
	logger *slog.Logger,
) *PaymentWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentWebhookHandler{
		links:        links,
		entitlements: entitlements,
		notifier:     notifier,
		secret:       secret,
		logger:       logger,
		nowFn:        time.Now,
	}
}

// RegisterRoutes mounts the webhook under the given router. No auth
// middleware: the signature check inside Handle is the trust boundary.
func (h *PaymentWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payment", h.Handle)
}

// paymentEvent is the provider's callback payload. The metadata echoes back
// what was embedded in the checkout URL.
type paymentEvent struct {
	TransactionID string `json:"transaction_id"`
	UserID        int64  `json:"user_id"`
	Status        string `json:"status"`
	Metadata      struct {
		PlanID string `json:"plan_id"`
	} `json:"metadata"`
}

type webhookAck struct {
	Status string `json:"status"`
}

// Handle processes one payment confirmation. The flow is: verify the body
// signature, parse, and route on the transaction's ledger state. Unknown or
// already-completed transactions are acknowledged with "ignored" so the
// provider stops retrying; only a first-time completion of a pending link
// grants the entitlement and sends the confirmation message.
func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		core.WriteError(w, r, h.logger, types.NewAppError(
			types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	if err := h.verifySignature(r.Header.Get(SignatureHeader), body); err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		core.WriteError(w, r, h.logger, types.NewAppError(
			types.ErrCodeValidationInvalidJSON, "malformed webhook payload", err))
		return
	}
	if event.TransactionID == "" {
		core.WriteError(w, r, h.logger, types.NewAppError(
			types.ErrCodeValidationMissingField, "transaction_id is required", nil))
		return
	}

	if event.Status != "completed" {
		h.logger.InfoContext(ctx, "webhook ignored: non-completed status",
			"transaction_id", event.TransactionID,
			"status", event.Status,
		)
		h.ack(w, "ignored")
		return
	}

	// The ledger entry, not the webhook body, is authoritative for who gets
	// what: the provider only has to echo the transaction ID back correctly.
	link, err := h.links.Get(ctx, event.TransactionID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundPayment {
			h.logger.WarnContext(ctx, "webhook ignored: unknown transaction",
				"transaction_id", event.TransactionID,
			)
			h.ack(w, "ignored")
			return
		}
		core.WriteError(w, r, h.logger, err)
		return
	}
	if link.Status != types.PaymentPending {
		// Replay of an already-completed transaction: acknowledge without
		// side effects.
		h.logger.InfoContext(ctx, "webhook ignored: transaction already completed",
			"transaction_id", event.TransactionID,
		)
		h.ack(w, "ignored")
		return
	}

	ent, err := h.entitlements.PrepareGrant(link.UserID, link.PlanID, link.TransactionID)
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}

	// The ledger transition and the entitlement write commit together, so a
	// store failure here leaves the link pending and the provider's retry
	// completes the purchase instead of being answered "ignored".
	link, completed, err := h.links.ConfirmPayment(ctx, event.TransactionID, ent, h.nowFn().UTC())
	if err != nil {
		core.WriteError(w, r, h.logger, err)
		return
	}
	if !completed {
		// A concurrent duplicate delivery won the race.
		h.logger.InfoContext(ctx, "webhook ignored: transaction already completed",
			"transaction_id", event.TransactionID,
		)
		h.ack(w, "ignored")
		return
	}
	h.entitlements.AnnounceGrant(ctx, ent)

	confirmation := fmt.Sprintf("Payment confirmed! Your subscription is active until %s.",
		ent.ExpiresAt.Format("2006-01-02"))
	if err := h.notifier.SendMessage(ctx, link.UserID, confirmation, ""); err != nil {
		h.logger.ErrorContext(ctx, "failed to send payment confirmation",
			"user_id", link.UserID,
			"transaction_id", link.TransactionID,
			"error", err,
		)
	}

	h.logger.InfoContext(ctx, "payment confirmed",
		"user_id", link.UserID,
		"plan_id", link.PlanID,
		"transaction_id", link.TransactionID,
	)
	h.ack(w, "success")
}

// verifySignature checks the hex HMAC-SHA256 of the raw body. Skipped when
// no secret is configured.
func (h *PaymentWebhookHandler) verifySignature(header string, body []byte) error {
	secret := h.secret.Unmask()
	if secret == "" {
		return nil
	}
	if header == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"missing webhook signature header", nil)
	}
	supplied, err := hex.DecodeString(header)
	if err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"malformed webhook signature header", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
			"webhook signature mismatch", nil)
	}
	return nil
}

// ack writes the provider-facing acknowledgment. The shape is part of the
// external contract and deliberately not wrapped in the API envelope.
func (h *PaymentWebhookHandler) ack(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(webhookAck{Status: status}); err != nil {
		h.logger.Error("failed to encode webhook ack", "error", err)
	}
}
