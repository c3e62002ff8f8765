// Command api runs the channelgate HTTP service: the payment confirmation
// webhook, the operator endpoints, the expiry sweeper, and the broadcast
// scheduler, all supervised under one process lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"channelgate/internal/api/handlers"
	"channelgate/internal/broadcast"
	"channelgate/internal/catalog"
	"channelgate/internal/config"
	"channelgate/internal/core"
	"channelgate/internal/db"
	"channelgate/internal/entitlement"
	"channelgate/internal/filestore"
	"channelgate/internal/messenger"
	"channelgate/internal/payments"
	"channelgate/internal/sweeper"
	"channelgate/internal/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting channelgate",
		"environment", cfg.Environment,
		"store_backend", cfg.Store.Backend,
		"channels", len(cfg.ChannelIDs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// server.Shutdown owns the close once the errgroup is running; until
	// then every early return must release the backend itself.
	storeHandedOff := false
	defer func() {
		if !storeHandedOff {
			if cerr := store.Close(); cerr != nil {
				logger.Error("error closing store", "error", cerr)
			}
		}
	}()

	cat, err := catalog.Load(cfg.PlanCatalogJSON)
	if err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}
	logger.Info("plan catalog loaded", "plans", len(cat.All()))

	bot := messenger.NewClient(cfg.Messenger, logger)

	entitlements := entitlement.NewService(store.Entitlements(), cat, bot, cfg.ChannelIDs, logger)
	paymentLinks := payments.NewService(store.Payments(), cat, cfg.Payments, logger)

	audience := broadcast.NewAudienceResolver(store.Entitlements(), store.Interactions())
	scheduler := broadcast.NewScheduler(store.Broadcasts(), audience, bot, cfg.Broadcast, logger)
	defer scheduler.Close()

	sweep := sweeper.New(store.Entitlements(), bot, cfg.ChannelIDs, cfg.Sweeper.Interval, logger)

	server, err := core.NewServer(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	server.HealthProbes = []core.HealthProbe{
		{Name: "store", Check: store.Ping},
	}

	webhookHandler := handlers.NewPaymentWebhookHandler(
		store.Payments(), entitlements, bot, cfg.Payments.WebhookSecret, logger)
	statsHandler := handlers.NewStatsHandler(entitlements, logger)
	broadcastHandler := handlers.NewBroadcastHandler(scheduler, server.Validator, logger)
	entitlementHandler := handlers.NewEntitlementHandler(entitlements, paymentLinks, server.Validator, logger)
	interactionHandler := handlers.NewInteractionHandler(store.Interactions(), server.Validator, logger)

	adminAuth := core.AdminAuth(cfg.Admin.Token, logger)
	server.V1RouteRegistrars = []func(chi.Router){
		webhookHandler.RegisterRoutes,
		func(r chi.Router) {
			r.Group(func(admin chi.Router) {
				admin.Use(adminAuth)
				statsHandler.RegisterRoutes(admin)
				broadcastHandler.RegisterRoutes(admin)
				entitlementHandler.RegisterRoutes(admin)
				interactionHandler.RegisterRoutes(admin)
			})
		},
	}
	server.MountRoutes()

	if err := scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recovering scheduled broadcasts: %w", err)
	}

	httpServer := &http.Server{
		Addr:    net.JoinHostPort("", cfg.Server.Port),
		Handler: server.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	storeHandedOff = true

	g.Go(func() error {
		logger.Info("http server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweep.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("channelgate stopped")
	return nil
}

// openStore selects and initializes the persistence backend. The postgres
// backend applies the embedded schema on startup; the file backend creates
// its document on first use.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (types.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendFile:
		store, err := filestore.Open(cfg.Store.FilePath)
		if err != nil {
			return nil, fmt.Errorf("opening file store: %w", err)
		}
		logger.Info("file store opened", "path", cfg.Store.FilePath)
		return store, nil
	default:
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
		logger.Info("database connected")
		return db.NewStore(pool), nil
	}
}

// newLogger builds the process-wide structured JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
