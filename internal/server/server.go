// Package server exposes the flowbase status API: health, the last storage
// upgrade report, the destination schema graph, and recent logs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/internal/httputil"
	"github.com/flowbase/flowbase/internal/schema"
	"github.com/flowbase/flowbase/internal/upgrade"
)

// Server is the flowbase HTTP server.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	schema    *schema.Holder
	pool      *pgxpool.Pool // nil in tests
	report    atomic.Pointer[upgrade.Report]
	logBuffer *LogBuffer // nil when not using buffered logging
	startTime time.Time
}

// New creates a Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, schemaHolder *schema.Holder, pool *pgxpool.Pool) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		schema:    schemaHolder,
		pool:      pool,
		startTime: time.Now(),
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/upgrade", s.handleUpgrade)
		r.Get("/schema", s.handleSchema)
		r.Get("/schema/order", s.handleSchemaOrder)
		r.Get("/logs", s.handleLogs)
		r.Get("/stats", s.handleStats)
	})

	return s
}

// SetUpgradeReport publishes the report served at /api/upgrade.
func (s *Server) SetUpgradeReport(r *upgrade.Report) {
	s.report.Store(r)
}

// SetLogBuffer attaches a log buffer for the /api/logs endpoint.
func (s *Server) SetLogBuffer(lb *LogBuffer) {
	s.logBuffer = lb
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pool.Ping(ctx); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	report := s.report.Load()
	if report == nil {
		httputil.WriteError(w, http.StatusNotFound, "no upgrade has run in this process")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	g := s.schema.Get()
	if g == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "schema graph not ready")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, g)
}

// handleSchemaOrder returns the dependency-safe copy order of the current graph.
func (s *Server) handleSchemaOrder(w http.ResponseWriter, r *http.Request) {
	g := s.schema.Get()
	if g == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "schema graph not ready")
		return
	}
	ordered := schema.ResolveOrder(g.Tables)
	keys := make([]string, len(ordered))
	for i, t := range ordered {
		keys[i] = t.Key()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"order": keys})
}
