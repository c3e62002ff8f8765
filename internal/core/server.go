// Package core provides the HTTP chassis for the channelgate service. It
// creates the chi router and enforces cross-cutting concerns -- panic
// recovery, request IDs, structured request logging, timeouts, and error
// formatting -- before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"channelgate/internal/config"
	"channelgate/internal/types"
)

// Server encapsulates the HTTP-facing dependencies, allowing injection
// during testing and distinct configuration for different environments.
type Server struct {
	Config    *config.Config
	Store     types.Store
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are checked by the health endpoint. The store's Ping is
	// registered here by the entry point.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. Populated by
	// the application entry point; the indirection avoids import cycles
	// between core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer initializes the chassis. The caller mounts routes via
// MountRoutes after registering handlers.
func NewServer(cfg *config.Config, store types.Store, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Store:     store,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the /v1 handler routes,
// and the top-level health endpoint.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.Config.Server.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range s.V1RouteRegistrars {
			register(r)
		}
	})
	s.router.Get("/health", s.HandleHealth)
}

// Shutdown performs a graceful termination of server-held resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	if err := s.Store.Close(); err != nil {
		s.Logger.Error("error closing store", "error", err)
		return fmt.Errorf("closing store: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
