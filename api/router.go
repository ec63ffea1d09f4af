// Package api assembles the HTTP surface of the service.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilianp07/fleetjobs/api/drivers"
	"github.com/kilianp07/fleetjobs/api/jobs"
	"github.com/kilianp07/fleetjobs/api/runs"
	"github.com/kilianp07/fleetjobs/core/runlog"
)

// Service is everything the router serves.
type Service interface {
	jobs.Operations
	drivers.Source
	QueryRuns(ctx context.Context, q runlog.Query) ([]runlog.Record, error)
	PipelineRunning() bool
	Ready(ctx context.Context) error
}

// Config tunes the router.
type Config struct {
	// Token protects every /api/ route when non-empty.
	Token          string
	MaxUploadBytes int64
}

// NewRouter returns the API, health and metrics routes.
func NewRouter(svc Service, cfg Config) http.Handler {
	api := http.NewServeMux()
	api.Handle("/api/", jobs.NewHandler(svc, cfg.MaxUploadBytes))
	api.Handle("/api/runs", runs.NewHandler(svc))
	api.Handle("/api/drivers", drivers.NewStatusHandler(svc))
	api.Handle("GET /api/drivers/{name}/queue", drivers.NewQueueHandler(svc))

	mux := http.NewServeMux()
	mux.Handle("/api/", bearer(cfg.Token, api))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ok", "pipeline_running": svc.PipelineRunning()}
		if err := svc.Ready(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
			body["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func bearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
