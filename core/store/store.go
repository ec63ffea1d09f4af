// Package store declares the persistence contract used by the fleet engines.
//
// Every record carries a Version. Save succeeds only when the caller's
// Version matches the stored one (zero means "insert"), and returns the
// record with its new Version. A mismatch yields ErrVersionConflict so that
// engines can turn a stale read into a ConcurrencyConflict instead of
// silently overwriting a concurrent edit.
package store

import (
	"context"
	"errors"

	"github.com/kilianp07/fleetjobs/core/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when a compare-and-set save loses.
	ErrVersionConflict = errors.New("store: version conflict")
)

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Driver     string
	ClusterID  string
	OpenOnly   bool
	Unassigned bool
}

// Match reports whether j satisfies the filter.
func (f JobFilter) Match(j model.Job) bool {
	if f.Driver != "" && j.SelectedDriver != f.Driver {
		return false
	}
	if f.ClusterID != "" && j.ClusterID != f.ClusterID {
		return false
	}
	if f.OpenOnly && !j.Open() {
		return false
	}
	if f.Unassigned && j.Assigned() {
		return false
	}
	return true
}

// JobStore persists jobs keyed by Ref.
type JobStore interface {
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error)
	GetJob(ctx context.Context, ref string) (model.Job, error)
	SaveJob(ctx context.Context, job model.Job) (model.Job, error)
}

// DriverStore persists drivers keyed by Name.
type DriverStore interface {
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	GetDriver(ctx context.Context, name string) (model.Driver, error)
	SaveDriver(ctx context.Context, d model.Driver) (model.Driver, error)
}

// BatchStore persists batch plans keyed by ID.
type BatchStore interface {
	ListBatches(ctx context.Context) ([]model.BatchPlan, error)
	GetBatch(ctx context.Context, id string) (model.BatchPlan, error)
	SaveBatch(ctx context.Context, b model.BatchPlan) (model.BatchPlan, error)
}

// Store groups all record stores behind one backend.
type Store interface {
	JobStore
	DriverStore
	BatchStore
	Close() error
}
