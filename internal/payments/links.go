// Package payments issues hosted-checkout payment links and tracks them in
// the pending-link ledger. The transaction ID minted here is the correlation
// key: it rides along as callback metadata in the checkout URL and must be
// echoed back by the payment webhook before any entitlement is granted.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"channelgate/internal/catalog"
	"channelgate/internal/config"
	"channelgate/internal/types"
)

// Service generates payment links and records them as pending.
type Service struct {
	store       types.PaymentLinkStore
	catalog     *catalog.Catalog
	baseURL     string
	identityKey types.SecretString
	logger      *slog.Logger
	nowFn       func() time.Time
	newIDFn     func() string
}

// NewService creates the payment link service.
func NewService(store types.PaymentLinkStore, cat *catalog.Catalog, cfg config.PaymentsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		catalog:     cat,
		baseURL:     cfg.CheckoutBaseURL,
		identityKey: cfg.IdentityKey,
		logger:      logger,
		nowFn:       time.Now,
		newIDFn:     uuid.NewString,
	}
}

// WithNowFunc overrides the clock. Intended for tests.
func (s *Service) WithNowFunc(fn func() time.Time) *Service {
	s.nowFn = fn
	return s
}

// WithIDFunc overrides transaction ID generation. Intended for tests.
func (s *Service) WithIDFunc(fn func() string) *Service {
	s.newIDFn = fn
	return s
}

// IssueLink mints a transaction ID, builds the hosted checkout URL for the
// plan's payment link, and records the pending ledger entry. The URL embeds
// user_id, plan_id, and the transaction ID as callback metadata.
func (s *Service) IssueLink(ctx context.Context, userID int64, planID string) (*types.PaymentLink, error) {
	plan, ok := s.catalog.Get(planID)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, fmt.Sprintf("unknown plan %q", planID), nil)
	}

	txID := s.newIDFn()

	q := url.Values{}
	q.Set("identity_key", s.identityKey.Unmask())
	q.Set("metadata[user_id]", fmt.Sprintf("%d", userID))
	q.Set("metadata[plan_id]", plan.ID)
	q.Set("metadata[tx]", txID)
	checkoutURL := fmt.Sprintf("%s/%s?%s", s.baseURL, plan.PaymentLinkID, q.Encode())

	link := &types.PaymentLink{
		TransactionID: txID,
		UserID:        userID,
		PlanID:        plan.ID,
		URL:           checkoutURL,
		Status:        types.PaymentPending,
		CreatedAt:     s.nowFn().UTC(),
	}
	if err := s.store.Create(ctx, link); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment link issued",
		"user_id", userID,
		"plan_id", plan.ID,
		"transaction_id", txID,
	)
	return link, nil
}
