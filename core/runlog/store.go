// Package runlog keeps an append-only history of engine runs: pipeline
// invocations, redistribution passes and bulk assignments.
package runlog

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Run kinds.
const (
	KindPipeline     = "pipeline"
	KindRedistribute = "redistribute"
	KindBatchAssign  = "batch_assign"
)

// Record captures one run and its outcome.
type Record struct {
	Timestamp   time.Time      `json:"timestamp"`
	RunID       string         `json:"run_id"`
	Kind        string         `json:"kind"`
	Trigger     string         `json:"trigger,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	Counts      map[string]int `json:"counts"`
	Drivers     []string       `json:"drivers,omitempty"`
	FailedStage string         `json:"failed_stage,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Query defines filters for retrieving records. Zero fields match all.
type Query struct {
	Start  time.Time
	End    time.Time
	Kind   string
	Driver string
	RunID  string
}

// Match reports whether r passes every filter of q.
func (q Query) Match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	if q.Driver != "" {
		for _, d := range r.Drivers {
			if d == q.Driver {
				return true
			}
		}
		return false
	}
	return true
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Backend    string `json:"backend"` // "jsonl", "rotating", "sqlite" or "" to disable
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// New opens the backend described by cfg. It returns a nil Store when
// cfg.Backend is empty.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "jsonl":
		return NewJSONLStore(cfg.Path)
	case "rotating":
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 10
		}
		return NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, errors.Newf("runlog: unknown backend %q", cfg.Backend)
	}
}
