// Package server exposes rule execution and rule administration over HTTP.
//
// Routes:
//
//	POST /v1/execute                   run a selector against one input
//	POST /v1/batch                     run rule ids against many inputs
//	GET  /v1/rules                     list cached rule metadata (?tag=)
//	GET  /v1/rules/{id}                one cached rule
//	GET  /v1/rules/{id}/snapshots      rollback history
//	POST /v1/rules/{id}/rollback       restore a snapshot
//	POST /v1/rules/refresh             refresh outdated rules
//	POST /v1/rules/invalidate          evict (and optionally reload) rules
//	GET  /v1/versions                  compare cached and upstream versions
//	GET  /v1/conflicts                 detect drift
//	GET  /v1/breakers                  breaker statistics
//	POST /v1/breakers/reset            reset every breaker
//	POST /v1/breakers/{name}/reset     reset one breaker
//	GET  /v1/bulkheads                 bulkhead statistics
//	GET  /healthz /readyz /health      see health.Mount
//	GET  /metrics                      prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/health"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/version"
)

// Errors returned by New.
var (
	ErrNilEngine   = errors.New("server: engine is nil")
	ErrNilVersions = errors.New("server: version manager is nil")
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address.
	// Default: ":8080"
	Addr string

	// ReadTimeout and WriteTimeout bound each connection.
	// Default: 15s and 60s
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown in Run.
	// Default: 10s
	ShutdownTimeout time.Duration

	// MaxBodyBytes bounds request bodies.
	// Default: 4 MiB
	MaxBodyBytes int64

	// Health serves the health endpoints when set.
	Health *health.Aggregator

	// Registry receives the HTTP metrics and serves /metrics.
	// Default: a new prometheus.Registry
	Registry *prometheus.Registry

	// Logger receives request logs.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Server is the ruleops HTTP API.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	versions *version.Manager
	logger   observe.Logger
	metrics  *httpMetrics
	router   chi.Router
}

// New creates a Server.
func New(eng *engine.Engine, versions *version.Manager, cfg Config) (*Server, error) {
	if eng == nil {
		return nil, ErrNilEngine
	}
	if versions == nil {
		return nil, ErrNilVersions
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}

	m, err := newHTTPMetrics(cfg.Registry, eng.Rules(), eng.Resilience())
	if err != nil {
		return nil, fmt.Errorf("server: register metrics: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		versions: versions,
		logger:   cfg.Logger,
		metrics:  m,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.metrics.middleware, s.logRequests)

	if s.cfg.Health != nil {
		health.Mount(r, s.cfg.Health)
	}
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequestSize(s.cfg.MaxBodyBytes))

		r.Post("/execute", s.handleExecute)
		r.Post("/batch", s.handleBatch)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules/refresh", s.handleRefresh)
		r.Post("/rules/invalidate", s.handleInvalidate)
		r.Get("/rules/{id}", s.handleGetRule)
		r.Get("/rules/{id}/snapshots", s.handleSnapshots)
		r.Post("/rules/{id}/rollback", s.handleRollback)

		r.Get("/versions", s.handleVersions)
		r.Get("/conflicts", s.handleConflicts)

		r.Get("/breakers", s.handleBreakers)
		r.Post("/breakers/reset", s.handleResetBreakers)
		r.Post("/breakers/{name}/reset", s.handleResetBreaker)
		r.Get("/bulkheads", s.handleBulkheads)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []observe.Field{
			observe.F("method", r.Method),
			observe.F("path", r.URL.Path),
			observe.F("status", ww.Status()),
			observe.F("duration_ms", time.Since(start).Milliseconds()),
			observe.F("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn(r.Context(), "request failed", fields...)
			return
		}
		s.logger.Debug(r.Context(), "request served", fields...)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "listening", observe.F("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
