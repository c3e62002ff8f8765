// Package db provides PostgreSQL-backed repository implementations for the
// channelgate service. All repositories accept a DBTX interface that is
// satisfied by both *pgxpool.Pool (for normal queries) and pgx.Tx (for
// transactional execution), enabling clean transaction support.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"channelgate/internal/config"
	"channelgate/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pgx connection pool using the database configuration.
// The pool is verified with a ping before being returned so startup fails
// fast on a bad DSN or unreachable server.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Store bundles the Postgres repositories behind the types.Store interface.
type Store struct {
	pool         *pgxpool.Pool
	entitlements *EntitlementRepo
	payments     *PaymentLinkRepo
	broadcasts   *BroadcastRepo
	interactions *InteractionRepo
}

// Compile-time assertion that Store implements types.Store.
var _ types.Store = (*Store)(nil)

// NewStore wraps a connection pool in the repository bundle.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:         pool,
		entitlements: NewEntitlementRepo(pool),
		payments:     NewPaymentLinkRepo(pool),
		broadcasts:   NewBroadcastRepo(pool),
		interactions: NewInteractionRepo(pool),
	}
}

func (s *Store) Entitlements() types.EntitlementStore { return s.entitlements }
func (s *Store) Payments() types.PaymentLinkStore     { return s.payments }
func (s *Store) Broadcasts() types.BroadcastStore     { return s.broadcasts }
func (s *Store) Interactions() types.InteractionLog   { return s.interactions }

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
