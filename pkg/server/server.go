// Package server provides the public entry point for initializing the
// QueryForge generation control plane.
//
// It exists in pkg/ (not internal/) so embedding deployments can compose
// the server with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/queryforge/queryforge/internal/api"
	"github.com/queryforge/queryforge/internal/api/handlers"
	"github.com/queryforge/queryforge/internal/config"
	"github.com/queryforge/queryforge/internal/gateway"
	"github.com/queryforge/queryforge/internal/pipeline"
	"github.com/queryforge/queryforge/internal/sandbox"
	"github.com/queryforge/queryforge/internal/store"
	"github.com/queryforge/queryforge/internal/telemetry"
)

// Server holds the initialized QueryForge control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the run repository (in-memory by default).
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry and release the sandbox pool.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	runStore := store.NewMemoryStore(cfg.Pipeline.RunTTL)
	log.Info().Msg("✅ Run store initialized")

	gw := gateway.New(cfg.Gateway, cfg.Providers)
	log.Info().Int("providers", len(cfg.Providers)).Msg("✅ Provider gateway initialized")

	var checker sandbox.Checker
	var closeSandbox func()
	if cfg.Sandbox.DSN != "" {
		pg, err := sandbox.NewPostgresChecker(ctx, cfg.Sandbox)
		if err != nil {
			return nil, fmt.Errorf("init sandbox: %w", err)
		}
		checker = pg
		closeSandbox = pg.Close
	} else {
		checker = sandbox.StaticChecker{}
		log.Info().Msg("Sandbox DSN not set, validation runs in static mode")
	}

	p, err := pipeline.New(cfg, gw, checker, runStore)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	log.Info().Msg("✅ Generation pipeline initialized")

	h := handlers.New(runStore, p, cfg.Providers)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		if closeSandbox != nil {
			closeSandbox()
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        runStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
