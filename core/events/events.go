package events

import (
	"time"

	"github.com/kilianp07/fleetjobs/core/model"
)

// ClusterApproved is published once a cluster's flags are written.
type ClusterApproved struct {
	ClusterID string
	Members   []string
	Updated   int
}

// JobAssigned is published after a job lands in a driver queue.
// From is the previous driver when the job was moved.
type JobAssigned struct {
	JobRef        string
	JobID         string
	Driver        string
	From          string
	Sequence      int
	DistanceMiles float64
	Override      bool
	Time          time.Time
}

// JobUnassigned is published when a job leaves a driver queue.
type JobUnassigned struct {
	JobRef string
	Driver string
	Time   time.Time
}

// JobCompleted is published when a driver finishes a job.
type JobCompleted struct {
	JobRef string
	Driver string
	Time   time.Time
}

// QueueResequenced reports the new shape of a driver queue.
type QueueResequenced struct {
	Driver     string
	Depth      int
	Renumbered int
	ActiveRef  string
}

// BatchCreated carries the plan and its resolved jobs.
type BatchCreated struct {
	Batch model.BatchPlan
	Jobs  []model.Job
}

// BatchClosed is published when a plan releases its jobs.
type BatchClosed struct {
	BatchID string
}

// PipelineFinished summarizes a pipeline run.
type PipelineFinished struct {
	RunID       string
	Trigger     string
	Duration    time.Duration
	Assigned    int
	Approved    int
	IDsIssued   int
	FailedStage string
	Err         error
}

// RedistributionFinished summarizes a rebalance pass.
type RedistributionFinished struct {
	Moves       int
	Improvement int
}
