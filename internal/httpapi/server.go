// ============================================================================
// compile-asm HTTP API - metrics and job status side-channel
// ============================================================================
//
// Package: internal/httpapi
// File: server.go
// Purpose: Serves Prometheus metrics, a health probe and the per-target job
//          table next to the gRPC editor service.
//
// Routes:
//   GET /healthz   "ok"
//   GET /metrics   Prometheus exposition format
//   GET /jobs      job table, one entry per target key
//   GET /jobs/{target}
//
// ============================================================================

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/compile-asm/internal/jobmanager"
	"github.com/ChuLiYu/compile-asm/pkg/types"
)

var errUnknownTarget = errors.New("no job recorded for target")

// Server exposes read-only state over HTTP.
type Server struct {
	Jobs     *jobmanager.JobManager
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Logger   *slog.Logger
}

// Router builds the chi router.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{target}", s.handleGetTarget)
	})

	return r
}

func (s Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": s.Jobs.Snapshot(),
		"stats":   s.Jobs.Stats(),
	})
}

func (s Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	key := types.TargetKey(chi.URLParam(r, "target"))
	for _, st := range s.Jobs.Snapshot() {
		if st.TargetKey == key {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	s.logger().Debug("Job table lookup missed", "target", key)
	writeErr(w, http.StatusNotFound, errUnknownTarget)
}

func (s Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
