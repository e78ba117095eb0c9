// Package serve exposes the session layer over HTTP: liveness, status,
// windowed statistics, alert rules and Prometheus metrics.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Whateverdoa/DEGIRO-2025/internal/monitor"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
)

// StatusSource is the slice of session.Controller the server reads.
type StatusSource interface {
	State() session.State
	Status() session.Status
	HealthStatus() session.Health
}

// Config configures a Server.
type Config struct {
	Addr     string
	Session  StatusSource
	Monitor  *monitor.Monitor
	Engine   *monitor.Engine
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Window   time.Duration       // default /stats window
	Logger   *slog.Logger
}

// Server is the HTTP endpoint set.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "serve")}
	s.mux = s.buildMux()
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("serving", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", s.cfg.Addr, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Session == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "healthy"})
		return
	}

	state := s.cfg.Session.State()
	status, code := "healthy", http.StatusOK
	switch state {
	case session.StateConnected:
	case session.StateFailed, session.StateDisconnected:
		status, code = "unhealthy", http.StatusServiceUnavailable
	default:
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"success": code == http.StatusOK,
		"status":  status,
		"state":   state,
		"health":  s.cfg.Session.HealthStatus(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Session == nil {
		writeError(w, http.StatusServiceUnavailable, "no session")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Session.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "no monitor")
		return
	}
	window := s.cfg.Window
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid window %q", q))
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.cfg.Monitor.Statistics(window))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rules": []monitor.RuleStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.cfg.Engine.Rules()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
