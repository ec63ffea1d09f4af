package metrics

import "time"

// Assignment outcomes.
const (
	OutcomeAssigned = "assigned"
	OutcomeRadius   = "radius"
	OutcomeCapacity = "capacity"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// AssignmentEvent is one attempt to put a job in a driver queue.
type AssignmentEvent struct {
	JobRef        string
	Driver        string
	From          string
	Outcome       string
	Override      bool
	DistanceMiles float64
	Time          time.Time
}

// MetricsSink records assignment attempts for observability purposes.
type MetricsSink interface {
	RecordAssignment(ev AssignmentEvent) error
}

// QueueDepthEvent is the open job count of a driver after resequencing.
type QueueDepthEvent struct {
	Driver string
	Depth  int
	Time   time.Time
}

// QueueDepthRecorder records driver queue depths.
type QueueDepthRecorder interface {
	RecordQueueDepth(ev QueueDepthEvent) error
}

// ClusterEvent describes a clustering pass or an approval.
type ClusterEvent struct {
	Action    string // "suggest" or "approve"
	Clusters  int
	Jobs      int
	Skipped   int
	ClusterID string
	Time      time.Time
}

// ClusterRecorder records clustering activity.
type ClusterRecorder interface {
	RecordCluster(ev ClusterEvent) error
}

// PipelineRunEvent summarizes a pipeline run.
type PipelineRunEvent struct {
	RunID       string
	Trigger     string
	Duration    time.Duration
	Assigned    int
	Approved    int
	IDsIssued   int
	Renumbered  int
	FailedStage string
	Skipped     bool
	Time        time.Time
}

// PipelineRecorder records pipeline runs.
type PipelineRecorder interface {
	RecordPipelineRun(ev PipelineRunEvent) error
}

// RedistributionEvent summarizes a rebalance pass.
type RedistributionEvent struct {
	Moves        int
	InitialIdle  int
	FinalIdle    int
	Improvement  int
	StdDevBefore float64
	StdDevAfter  float64
	Time         time.Time
}

// RedistributionRecorder records rebalance passes.
type RedistributionRecorder interface {
	RecordRedistribution(ev RedistributionEvent) error
}

// Job lifecycle kinds.
const (
	LifecycleCompleted  = "completed"
	LifecycleUnassigned = "unassigned"
	LifecycleBatched    = "batched"
)

// JobLifecycleEvent is a job state change observed on the event bus.
type JobLifecycleEvent struct {
	Kind   string
	JobRef string
	Driver string
	Time   time.Time
}

// JobLifecycleRecorder records job state changes.
type JobLifecycleRecorder interface {
	RecordJobLifecycle(ev JobLifecycleEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordAssignment(AssignmentEvent) error         { return nil }
func (NopSink) RecordQueueDepth(QueueDepthEvent) error         { return nil }
func (NopSink) RecordCluster(ClusterEvent) error               { return nil }
func (NopSink) RecordPipelineRun(PipelineRunEvent) error       { return nil }
func (NopSink) RecordRedistribution(RedistributionEvent) error { return nil }
func (NopSink) RecordJobLifecycle(JobLifecycleEvent) error     { return nil }
