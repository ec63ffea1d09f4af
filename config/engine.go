package config

import (
	"fmt"

	"github.com/kilianp07/fleetjobs/core/assign"
	"github.com/kilianp07/fleetjobs/core/cluster"
	"github.com/kilianp07/fleetjobs/core/pipeline"
	"github.com/kilianp07/fleetjobs/core/scheduler"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/redislock"
)

// EngineConfig tunes the clustering and assignment engines.
type EngineConfig struct {
	Cluster cluster.Config `json:"cluster"`
	Assign  assign.Config  `json:"assign"`
}

// SetDefaults fills zero values.
func (c *EngineConfig) SetDefaults() {
	c.Cluster.SetDefaults()
	c.Assign.SetDefaults()
}

// Validate checks ranges.
func (c EngineConfig) Validate() error {
	if c.Assign.RadiusMiles <= 0 {
		return fmt.Errorf("assign.radius_miles must be >0")
	}
	if c.Cluster.ProximityMiles <= 0 {
		return fmt.Errorf("cluster.proximity_miles must be >0")
	}
	if c.Cluster.MaxClusterSize == 1 {
		return fmt.Errorf("cluster.max_cluster_size must be 0 (no cap) or at least 2")
	}
	return nil
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend string            `json:"backend"`
	DSN     string            `json:"dsn"`
	Retry   store.RetryConfig `json:"retry"`
}

// SetDefaults fills zero values.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreMemory
	}
	c.Retry.SetDefaults()
}

// Validate checks the backend name and its DSN.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case StoreMemory:
		return nil
	case StoreSQLite, StorePostgres:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for backend %s", c.Backend)
		}
		return nil
	}
	return fmt.Errorf("unknown backend %s", c.Backend)
}

// GeocodeConfig points at the postcode table and throttles lookups.
type GeocodeConfig struct {
	Table         string  `json:"table"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

// SetDefaults fills zero values.
func (c *GeocodeConfig) SetDefaults() {
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Validate checks ranges.
func (c GeocodeConfig) Validate() error {
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second must not be negative")
	}
	return nil
}

// Run guard backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// PipelineConfig configures the pipeline, its periodic trigger and the
// run guard.
type PipelineConfig struct {
	Run       pipeline.Config  `json:"run"`
	Scheduler scheduler.Config `json:"scheduler"`
	// Lock is "local" for an in-process guard or "redis" to also hold a
	// shared lock across processes.
	Lock  string           `json:"lock"`
	Redis redislock.Config `json:"redis"`
}

// SetDefaults fills zero values.
func (c *PipelineConfig) SetDefaults() {
	c.Scheduler.SetDefaults()
	if c.Lock == "" {
		c.Lock = LockLocal
	}
	if c.Lock == LockRedis {
		c.Redis.SetDefaults()
	}
}

// Validate checks the lock backend.
func (c PipelineConfig) Validate() error {
	switch c.Lock {
	case LockLocal:
	case LockRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis lock")
		}
	default:
		return fmt.Errorf("unknown lock %s", c.Lock)
	}
	if c.Run.MinScore < 0 || c.Run.MinScore > 1 {
		return fmt.Errorf("run.min_score must be within [0,1]")
	}
	return nil
}
