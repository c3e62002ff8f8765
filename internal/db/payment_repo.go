package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"channelgate/internal/types"
)

// PaymentLinkRepo manages the payment_links table: the pending-payment
// ledger keyed by transaction ID. Completion is a conditional UPDATE so
// webhook replays are idempotent without a read-modify-write race.
type PaymentLinkRepo struct {
	db DBTX
}

// NewPaymentLinkRepo creates a PaymentLinkRepo backed by the given database
// connection (pool or transaction).
func NewPaymentLinkRepo(db DBTX) *PaymentLinkRepo {
	return &PaymentLinkRepo{db: db}
}

const paymentColumns = `transaction_id, user_id, plan_id, url, status, created_at, completed_at`

func scanPaymentLink(row pgx.Row) (*types.PaymentLink, error) {
	var l types.PaymentLink
	err := row.Scan(
		&l.TransactionID,
		&l.UserID,
		&l.PlanID,
		&l.URL,
		&l.Status,
		&l.CreatedAt,
		&l.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Create inserts a new pending payment link.
func (r *PaymentLinkRepo) Create(ctx context.Context, link *types.PaymentLink) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO payment_links (transaction_id, user_id, plan_id, url, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.TransactionID,
		link.UserID,
		link.PlanID,
		link.URL,
		link.Status,
		link.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create payment link", err)
	}
	return nil
}

// Get returns the payment link for a transaction ID.
func (r *PaymentLinkRepo) Get(ctx context.Context, transactionID string) (*types.PaymentLink, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+`
		 FROM payment_links
		 WHERE transaction_id = $1`,
		transactionID,
	)
	link, err := scanPaymentLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "unknown transaction", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load payment link", err)
	}
	return link, nil
}

// CompleteIfPending atomically flips a pending link to completed. The status
// guard in the WHERE clause is what makes webhook replays safe: the second
// delivery of the same transaction matches zero rows and the caller skips
// all side effects.
func (r *PaymentLinkRepo) CompleteIfPending(ctx context.Context, transactionID string, at time.Time) (*types.PaymentLink, bool, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE payment_links
		 SET status = 'completed',
		     completed_at = $2
		 WHERE transaction_id = $1
		   AND status = 'pending'
		 RETURNING `+paymentColumns,
		transactionID,
		at,
	)
	link, err := scanPaymentLink(row)
	if err == nil {
		return link, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to complete payment link", err)
	}

	// No pending row matched: either the transaction was never issued or it
	// already completed. Distinguish so the handler can log replays.
	link, err = r.Get(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	return link, false, nil
}

// txBeginner is satisfied by *pgxpool.Pool and pgx.Tx (nested transactions
// run on savepoints).
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConfirmPayment completes the pending link and writes the granted
// entitlement in one transaction, so a failed entitlement write rolls the
// ledger transition back and the provider's retry can land the purchase.
// A DBTX that cannot begin transactions runs both statements directly.
func (r *PaymentLinkRepo) ConfirmPayment(ctx context.Context, transactionID string, ent *types.Entitlement, at time.Time) (*types.PaymentLink, bool, error) {
	beginner, ok := r.db.(txBeginner)
	if !ok {
		return confirmPaymentOn(ctx, r.db, transactionID, ent, at)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to begin payment confirmation", err)
	}
	defer tx.Rollback(ctx)

	link, completed, err := confirmPaymentOn(ctx, tx, transactionID, ent, at)
	if err != nil || !completed {
		return link, completed, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to commit payment confirmation", err)
	}
	return link, true, nil
}

func confirmPaymentOn(ctx context.Context, db DBTX, transactionID string, ent *types.Entitlement, at time.Time) (*types.PaymentLink, bool, error) {
	link, completed, err := NewPaymentLinkRepo(db).CompleteIfPending(ctx, transactionID, at)
	if err != nil || !completed {
		return link, completed, err
	}
	if err := NewEntitlementRepo(db).Upsert(ctx, ent); err != nil {
		return nil, false, err
	}
	return link, true, nil
}
