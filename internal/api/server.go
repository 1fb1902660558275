// Package api serves the HTTP surface: direct work-unit submission, task
// inspection, handler and mapping listing, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/bptl/internal/dispatch"
	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/store"
)

const (
	shutdownGrace     = 10 * time.Second
	readHeaderTimeout = 10 * time.Second

	// Work units run their handler inline, so the write deadline has to cover
	// the slowest downstream call chain.
	writeTimeout = 2 * time.Minute
)

// Config holds the listen address and the API tokens accepted on routes that
// submit work or complete tasks.
type Config struct {
	Addr   string
	Tokens []string
}

// Server exposes the orchestrator and store over HTTP.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *handler.Registry
	orch     *dispatch.Orchestrator
	logger   *slog.Logger
	addr     string
	tokens   [][]byte
}

// NewServer builds the router. Nothing listens until Run is called.
func NewServer(cfg Config, s store.Store, reg *handler.Registry, orch *dispatch.Orchestrator, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: reg,
		orch:     orch,
		logger:   logger,
		addr:     cfg.Addr,
	}
	for _, t := range cfg.Tokens {
		if t != "" {
			srv.tokens = append(srv.tokens, []byte(t))
		}
	}

	srv.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		observe(logger),
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id", "Location"},
			MaxAge:         300,
		}),
	)

	srv.router.Get("/healthz", srv.handleHealthz)
	srv.router.Handle("/metrics", promhttp.Handler())

	srv.router.Route("/v1", func(r chi.Router) {
		r.With(srv.requireToken).Post("/work-units", srv.handleSubmitWorkUnit)
		r.Get("/handlers", srv.handleListHandlers)
		r.Get("/stats", srv.handleGetStats)

		r.Get("/mappings", srv.handleListMappings)
		r.Get("/mappings/{topic}", srv.handleGetMapping)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", srv.handleListTasks)
			r.Get("/{id}", srv.handleGetTask)
			r.Get("/{id}/events", srv.handleStreamEvents)
			r.With(srv.requireToken).Post("/{id}/complete", srv.handleCompleteTask)
		})
	})

	return srv
}

// Router returns the chi router so callers can mount extra routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run listens on the configured address until ctx is cancelled, then drains
// in-flight requests for up to shutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}
