// Package server exposes the admin HTTP API (health, metrics, breakers and
// runs) and a gRPC health service mirroring the circuit breakers.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/marketpulse/internal/analysis"
	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
	"github.com/vietddude/marketpulse/internal/jobs"
	"github.com/vietddude/marketpulse/internal/resilience/breaker"
)

// maxBody bounds request bodies accepted by POST /runs.
const maxBody = 1 << 20

// Jobs is the part of the job manager the server needs.
type Jobs interface {
	Submit(ctx context.Context, req analysis.Request) (string, error)
	Get(ctx context.Context, id string) (*domain.RunRecord, error)
}

// Server provides the admin HTTP endpoints.
type Server struct {
	monitor  *Monitor
	registry *breaker.Registry
	jobs     Jobs
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a new admin server.
func NewServer(monitor *Monitor, registry *breaker.Registry, runs Jobs, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		monitor:  monitor,
		registry: registry,
		jobs:     runs,
		log:      log,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("POST /breakers/{name}/reset", s.handleBreakerReset)
	mux.HandleFunc("POST /runs", s.handleSubmit)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Snapshots())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Reset(name); err != nil {
		if errors.Is(err, breaker.ErrUnknownBreaker) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("Circuit breaker reset by operator", "dependency", name)

	b, _ := s.registry.Get(name)
	s.writeJSON(w, http.StatusOK, b.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req analysis.Request
	if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	id, err := s.jobs.Submit(r.Context(), req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
	case errors.Is(err, analysis.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, jobs.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.log.Error("Failed to submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
