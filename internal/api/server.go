// Package api implements the health and diagnostics HTTP server: a
// small admin surface for liveness, readiness, Prometheus metrics, and
// a diagnostics snapshot. Chat traffic never flows through here; that
// is the transport's job.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/penhold/squire/internal/buildinfo"
	"github.com/penhold/squire/internal/config"
	"github.com/penhold/squire/internal/connwatch"
	"github.com/penhold/squire/internal/outbox"
	"github.com/penhold/squire/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the admin HTTP server. Every dependency except the logger
// may be nil; the corresponding diagnostics sections are omitted.
type Server struct {
	address string
	port    int
	outbox  *outbox.Store
	usage   *usage.Store
	watch   *connwatch.Manager
	coll    *Collector
	logger  *slog.Logger
	server  *http.Server
	ready   atomic.Bool
}

// NewServer creates the admin server. Call [Server.Start] to serve.
func NewServer(cfg config.ListenConfig, ob *outbox.Store, us *usage.Store, watch *connwatch.Manager, coll *Collector, logger *slog.Logger) *Server {
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		outbox:  ob,
		usage:   us,
		watch:   watch,
		coll:    coll,
		logger:  logger.With("component", "api"),
	}
}

// MarkReady flips /ready to 200. Call it once the database is open and
// the scheduler has started.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /version", s.handleVersion)
	return mux
}

// Start begins serving HTTP requests and blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting admin server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withLogging logs requests at debug level; scrapers and probes poll
// these endpoints constantly, so Info would swamp the log.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "squire",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "ok",
		"uptime_s": int64(buildinfo.Uptime().Seconds()),
	}, s.logger)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "starting"}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	diag := map[string]any{
		"status":   "ok",
		"uptime_s": int64(buildinfo.Uptime().Seconds()),
		"build":    buildinfo.Info(),
	}

	if s.watch != nil {
		providers := s.watch.Status()
		diag["providers"] = providers
		for _, p := range providers {
			if !p.Ready {
				diag["status"] = "degraded"
				break
			}
		}
	}

	if s.outbox != nil {
		if depth, err := s.outbox.Depth(ctx); err == nil {
			diag["queue_depth"] = depth
		} else {
			s.logger.Debug("diagnostics queue depth unavailable", "error", err)
		}
	}

	if s.usage != nil {
		now := time.Now()
		if sum, err := s.usage.Summary(ctx, midnightUTC(now), now); err == nil {
			diag["usage_today"] = sum
		} else {
			s.logger.Debug("diagnostics usage summary unavailable", "error", err)
		}
	}

	if s.coll != nil {
		diag["recent_errors"] = s.coll.Recent()
		diag["event_counts"] = s.coll.Counts()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, diag, s.logger)
}

func midnightUTC(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
