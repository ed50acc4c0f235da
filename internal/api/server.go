// Package api runs the operator HTTP surface: health, engine status,
// feature toggles, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tempedge/internal/toggle"
)

// EngineStatus is the /status payload.
type EngineStatus struct {
	State           string             `json:"state"`
	Stations        []string           `json:"stations"`
	IntervalSeconds int                `json:"interval_seconds"`
	LookaheadDays   int                `json:"lookahead_days"`
	Committed       map[string]float64 `json:"committed_usd"` // event day → USD
}

// StatusProvider is implemented by the engine.
type StatusProvider interface {
	Status() EngineStatus
}

// Server runs the operator API.
type Server struct {
	provider   StatusProvider
	togglePath string
	server     *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server. registry supplies /metrics.
func NewServer(addr string, provider StatusProvider, togglePath string, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		provider:   provider,
		togglePath: togglePath,
		logger:     logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/toggles", s.handleToggles)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("operator api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.provider.Status())
}

// handleToggles reads (GET) or flips (POST) the feature toggle state. The
// POST body is {"flag": "...", "value": bool}; the response is the full
// state after the write.
func (s *Server) handleToggles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state, err := toggle.Load(s.togglePath)
		if err != nil {
			s.logger.Error("toggle read failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, state)

	case http.MethodPost:
		var req struct {
			Flag  string `json:"flag"`
			Value bool   `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Flag == "" {
			http.Error(w, "expected {\"flag\": ..., \"value\": bool}", http.StatusBadRequest)
			return
		}
		state, err := toggle.Set(s.togglePath, req.Flag, req.Value)
		if err != nil {
			s.logger.Error("toggle write failed", "flag", req.Flag, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.logger.Info("toggle set", "flag", req.Flag, "value", req.Value)
		writeJSON(w, state)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
