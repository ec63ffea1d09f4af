// Package drivers exposes driver workload over HTTP.
package drivers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// Source lists drivers and jobs.
type Source interface {
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error)
}

// Status is a driver with its derived workload.
type Status struct {
	model.Driver
	OpenJobs int `json:"open_jobs"`
	// ActiveJob is the ref of the job currently flagged active, if any.
	ActiveJob string `json:"active_job,omitempty"`
	// Remaining is -1 when the driver has no daily cap.
	Remaining int `json:"remaining"`
}

// NewStatusHandler returns an HTTP handler exposing driver status via GET /api/drivers.
// Optional filters: region and available.
func NewStatusHandler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		region := r.URL.Query().Get("region")
		var available *bool
		if v := r.URL.Query().Get("available"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				http.Error(w, "invalid available filter", http.StatusBadRequest)
				return
			}
			available = &b
		}
		drivers, err := src.ListDrivers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jobs, err := src.ListJobs(r.Context(), store.JobFilter{OpenOnly: true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		load := map[string]int{}
		active := map[string]string{}
		for _, j := range jobs {
			if !j.Assigned() {
				continue
			}
			load[j.SelectedDriver]++
			if j.Active {
				active[j.SelectedDriver] = j.Ref
			}
		}
		entries := []Status{}
		for _, d := range drivers {
			if region != "" && d.Region != region {
				continue
			}
			if available != nil && d.Available != *available {
				continue
			}
			st := Status{Driver: d, OpenJobs: load[d.Name], ActiveJob: active[d.Name], Remaining: -1}
			if d.MaxPerDay > 0 {
				st.Remaining = max(d.MaxPerDay-st.OpenJobs, 0)
			}
			entries = append(entries, st)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// NewQueueHandler exposes a driver's open jobs in sequence order via
// GET /api/drivers/{name}/queue.
func NewQueueHandler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := r.PathValue("name")
		if name == "" {
			http.NotFound(w, r)
			return
		}
		jobs, err := src.ListJobs(r.Context(), store.JobFilter{Driver: name, OpenOnly: true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []model.Job{}
		}
		sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Sequence < jobs[j].Sequence })
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jobs)
	})
}
