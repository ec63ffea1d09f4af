// Package runs exposes the run log over HTTP.
package runs

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kilianp07/fleetjobs/core/runlog"
)

// Querier searches recorded runs.
type Querier interface {
	QueryRuns(ctx context.Context, q runlog.Query) ([]runlog.Record, error)
}

// NewHandler returns an HTTP handler exposing run records via GET /api/runs.
// Supported filters are start and end (RFC3339), kind, driver and run_id.
func NewHandler(store Querier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := runlog.Query{
			Kind:   r.URL.Query().Get("kind"),
			Driver: r.URL.Query().Get("driver"),
			RunID:  r.URL.Query().Get("run_id"),
		}
		var err error
		if q.Start, err = parseTime(r.URL.Query().Get("start")); err != nil {
			http.Error(w, "invalid start: "+err.Error(), http.StatusBadRequest)
			return
		}
		if q.End, err = parseTime(r.URL.Query().Get("end")); err != nil {
			http.Error(w, "invalid end: "+err.Error(), http.StatusBadRequest)
			return
		}
		records, err := store.QueryRuns(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []runlog.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
