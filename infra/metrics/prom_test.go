package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetjobs/core/events"
	coremetrics "github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

func TestPromSink_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordAssignment(coremetrics.AssignmentEvent{JobRef: "r1", Driver: "D1", Outcome: coremetrics.OutcomeAssigned, DistanceMiles: 3}))
	require.NoError(t, sink.RecordAssignment(coremetrics.AssignmentEvent{JobRef: "r2", Driver: "D1", Outcome: coremetrics.OutcomeAssigned}))
	require.NoError(t, sink.RecordAssignment(coremetrics.AssignmentEvent{JobRef: "r3", Driver: "D1", Outcome: coremetrics.OutcomeRadius, DistanceMiles: 40}))
	require.NoError(t, sink.RecordQueueDepth(coremetrics.QueueDepthEvent{Driver: "D1", Depth: 2}))
	require.NoError(t, sink.RecordCluster(coremetrics.ClusterEvent{Action: "suggest", Clusters: 3}))
	require.NoError(t, sink.RecordPipelineRun(coremetrics.PipelineRunEvent{Trigger: "manual", Duration: time.Second}))
	require.NoError(t, sink.RecordPipelineRun(coremetrics.PipelineRunEvent{Trigger: "schedule", Skipped: true}))
	require.NoError(t, sink.RecordRedistribution(coremetrics.RedistributionEvent{Moves: 2, FinalIdle: 1, StdDevAfter: 0.5}))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.assignments.WithLabelValues("D1", "assigned", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.assignments.WithLabelValues("D1", "radius", "false")))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.distance), "one series per outcome with a distance")
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.queueDepth.WithLabelValues("D1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.clusters.WithLabelValues("suggest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runs.WithLabelValues("manual", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runs.WithLabelValues("schedule", "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.moves))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.idleDrivers))
	assert.Equal(t, 0.5, testutil.ToFloat64(sink.loadSpread))
}

func TestPromSink_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)
	second, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)

	require.NoError(t, first.RecordCluster(coremetrics.ClusterEvent{Action: "approve", Clusters: 1}))
	require.NoError(t, second.RecordCluster(coremetrics.ClusterEvent{Action: "approve", Clusters: 1}))
	assert.Equal(t, 2.0, testutil.ToFloat64(first.clusters.WithLabelValues("approve")))
}

func TestEventCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	require.NoError(t, err)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartEventCollector(ctx, bus, sink)

	bus.Publish(events.JobCompleted{JobRef: "r1", Driver: "D1"})
	bus.Publish(events.JobUnassigned{JobRef: "r2", Driver: "D1"})
	bus.Publish(events.BatchCreated{
		Batch: model.BatchPlan{ID: "B1"},
		Jobs:  []model.Job{{Ref: "r3"}, {Ref: "r4"}},
	})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(sink.jobLifecycle.WithLabelValues(coremetrics.LifecycleBatched)) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.jobLifecycle.WithLabelValues(coremetrics.LifecycleCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.jobLifecycle.WithLabelValues(coremetrics.LifecycleUnassigned)))
}
