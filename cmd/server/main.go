package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"evolution-gate/internal/analyzer"
	"evolution-gate/internal/api"
	"evolution-gate/internal/audit"
	"evolution-gate/internal/config"
	"evolution-gate/internal/gate"
	"evolution-gate/internal/monitor"
	"evolution-gate/internal/policy"
	"evolution-gate/internal/sandbox"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	metrics := monitor.NewMetrics()

	// Sandbox backend (auto-detects containerd, docker, in-process)
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox backend available")
	}

	pool := sandbox.NewPool(cfg.Sandbox.MaxConcurrent)
	executor := sandbox.NewExecutor(backend, pool, sandbox.ExecutorConfig{
		CreateRetries: cfg.Sandbox.CreateRetries,
		Grace:         cfg.Sandbox.Grace,
	})

	// Audit trail: PostgreSQL when configured, in-memory otherwise
	var store audit.Store
	if cfg.Database.DSN != "" {
		store, err = audit.NewPGStore(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("audit trail unavailable")
		}
	} else {
		log.Warn().Msg("no database configured, audit trail is in-memory only")
		store = audit.NewMemStore()
	}
	defer store.Close()

	// Pipeline controller
	ctrl := gate.NewController(gate.Options{
		Workers:     cfg.Controller.Workers,
		QueueSize:   cfg.Controller.QueueSize,
		AuditBuffer: cfg.Controller.AuditBuffer,
	},
		analyzer.New(cfg.Rules()),
		executor,
		policy.NewEngine(),
		store,
		metrics,
	)
	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("controller failed to start")
	}

	// HTTP server
	server := api.NewServer(cfg, ctrl, store, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		ctrl.Close(shutdownCtx)
		pool.Close()

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", cfg.Sandbox.Backend).
		Bool("db_enabled", cfg.Database.DSN != "").
		Int("workers", cfg.Controller.Workers).
		Msg("evolution gate starting")

	if err := server.Start(ctrl.Events()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
