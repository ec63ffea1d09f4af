package model

import "time"

// BatchStatus is the lifecycle state of a batch plan.
type BatchStatus string

const (
	BatchOpen   BatchStatus = "open"
	BatchClosed BatchStatus = "closed"
)

// BatchPlan is a named set of clusters and individual jobs dispatched
// together.
type BatchPlan struct {
	ID         string      `json:"batch_id"`
	Name       string      `json:"name"`
	ClusterIDs []string    `json:"cluster_ids"`
	JobRefs    []string    `json:"job_refs"`
	Status     BatchStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	Version    int64       `json:"version"`
}

// Open reports whether the plan still reserves its jobs.
func (b BatchPlan) Open() bool { return b.Status == BatchOpen }

// Contains reports whether ref is part of the plan.
func (b BatchPlan) Contains(ref string) bool {
	for _, r := range b.JobRefs {
		if r == ref {
			return true
		}
	}
	return false
}
