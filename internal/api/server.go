// Package api exposes the evolution gate over HTTP: submission, status,
// cancellation, the review queue, the audit trail, and an SSE decision feed.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"evolution-gate/internal/audit"
	"evolution-gate/internal/config"
	"evolution-gate/internal/gate"
	"evolution-gate/internal/monitor"
)

// Server is the main HTTP server for the gate API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	feed       *Feed
	cfg        *config.Config
	store      audit.Store
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, ctrl *gate.Controller, store audit.Store, metrics *monitor.Metrics) *Server {
	feed := NewFeed()
	handlers := NewHandlers(ctrl, store, feed)

	s := &Server{
		handlers:  handlers,
		feed:      feed,
		cfg:       cfg,
		store:     store,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Gate API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /requests", handlers.HandleSubmit)
	apiMux.HandleFunc("GET /requests/{id}", handlers.HandleGetRequest)
	apiMux.HandleFunc("DELETE /requests/{id}", handlers.HandleCancel)
	apiMux.HandleFunc("GET /reviews", handlers.HandleListReviews)
	apiMux.HandleFunc("POST /reviews/{id}", handlers.HandleResolveReview)
	apiMux.HandleFunc("GET /audit", handlers.HandleListAudit)
	apiMux.HandleFunc("GET /audit/{id}", handlers.HandleGetAudit)
	apiMux.HandleFunc("GET /events", handlers.HandleEvents)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start launches the decision feed and begins listening. Uses TLS if
// configured.
func (s *Server) Start(events <-chan gate.Event) error {
	go s.feed.Run(events)

	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store == nil || s.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:  "ok",
		AuditDB: dbOK,
		Sandbox: true,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
