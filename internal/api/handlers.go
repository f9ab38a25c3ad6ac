// Package api provides the read-only HTTP surface over collected data.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

// Server is the HTTP server for sqlpulse.
type Server struct {
	store  *store.Store
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(addr string, s *store.Store) *Server {
	srv := &Server{
		store: s,
		mux:   http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.mux))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/log", s.handleLog)
	s.mux.HandleFunc("GET /api/issues", s.handleIssues)
	s.mux.HandleFunc("GET /api/schedules", s.handleSchedules)
	s.mux.HandleFunc("GET /api/server", s.handleServerInfo)
	s.mux.HandleFunc("GET /api/waits/top", s.handleTopWaits)
	s.mux.HandleFunc("GET /api/io/latency", s.handleIOLatency)
	s.mux.HandleFunc("GET /api/sparkline/wait/{wait_type}", s.handleWaitSparkline)
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// queryHours reads an "hours" query parameter, clamped to [1, 168], with the
// given default.
func queryHours(r *http.Request, def int) int {
	hours := def
	if h := r.URL.Query().Get("hours"); h != "" {
		if v, err := strconv.Atoi(h); err == nil && v > 0 && v <= 168 {
			hours = v
		}
	}
	return hours
}

// queryLimit reads a "limit" query parameter, clamped to [1, 1000], with the
// given default.
func queryLimit(r *http.Request, def int) int {
	limit := def
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	return limit
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.CollectorHealth(time.Now())
	if err != nil {
		slog.Error("querying collector health", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	status := "ok"
	for _, h := range health {
		if !h.Enabled {
			continue
		}
		switch h.State {
		case model.HealthFailing, model.HealthStale:
			status = "degraded"
		}
	}

	writeJSON(w, r, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.CollectorHealth(time.Now())
	if err != nil {
		slog.Error("querying collector health", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, health)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentLog(queryLimit(r, 100))
	if err != nil {
		slog.Error("querying collection log", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, entries)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.RecentIssues(queryLimit(r, 100))
	if err != nil {
		slog.Error("querying issues", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, issues)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.Schedules()
	if err != nil {
		slog.Error("querying schedules", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, schedules)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	info, ok, err := s.store.LatestServerInfo()
	if err != nil {
		slog.Error("querying server info", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "No server info recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, r, info)
}

func (s *Server) handleTopWaits(w http.ResponseWriter, r *http.Request) {
	hours := queryHours(r, 1)
	since := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	rates, err := s.store.TopWaitRates(since, queryLimit(r, 20))
	if err != nil {
		slog.Error("querying top waits", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, rates)
}

func (s *Server) handleIOLatency(w http.ResponseWriter, r *http.Request) {
	hours := queryHours(r, 1)
	since := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	latencies, err := s.store.FileIOLatencies(since)
	if err != nil {
		slog.Error("querying io latency", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, latencies)
}

func (s *Server) handleWaitSparkline(w http.ResponseWriter, r *http.Request) {
	waitType := r.PathValue("wait_type")
	if waitType == "" {
		http.Error(w, "Missing wait type", http.StatusBadRequest)
		return
	}
	hours := queryHours(r, 24)
	since := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	points, err := s.store.WaitSparkline(waitType, since)
	if err != nil {
		slog.Error("querying wait sparkline", "wait_type", waitType, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, points)
}
