package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/fleetjobs/core/metrics"
)

// PromSink records engine events in Prometheus metrics.
type PromSink struct {
	assignments  *prometheus.CounterVec
	distance     *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	clusters     *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	moves        prometheus.Counter
	idleDrivers  prometheus.Gauge
	loadSpread   prometheus.Gauge
	jobLifecycle *prometheus.CounterVec
}

// NewPromSink registers engine metrics on the default Prometheus registerer.
// The /metrics endpoint is served by the API server or on cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_assignments_total",
			Help: "Assignment attempts by outcome",
		}, []string{"driver", "outcome", "override"}),
		distance: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_assignment_distance_miles",
			Help:    "Distance between driver home and job collection",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 50},
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_driver_queue_depth",
			Help: "Open jobs queued per driver",
		}, []string{"driver"}),
		clusters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_clusters_total",
			Help: "Clusters suggested or approved",
		}, []string{"action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_pipeline_runs_total",
			Help: "Pipeline runs by trigger and result",
		}, []string{"trigger", "result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_pipeline_duration_seconds",
			Help:    "Wall time of completed pipeline runs",
			Buckets: prometheus.DefBuckets,
		}),
		moves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_redistribution_moves_total",
			Help: "Jobs moved by redistribution",
		}),
		idleDrivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_idle_drivers",
			Help: "Available drivers without open jobs after the last redistribution",
		}),
		loadSpread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_load_stddev",
			Help: "Standard deviation of open jobs per driver after the last redistribution",
		}),
		jobLifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_job_transitions_total",
			Help: "Job completions, unassignments and batch inclusions",
		}, []string{"kind"}),
	}

	var err error
	if s.assignments, err = register(reg, s.assignments); err != nil {
		return nil, err
	}
	if s.distance, err = register(reg, s.distance); err != nil {
		return nil, err
	}
	if s.queueDepth, err = register(reg, s.queueDepth); err != nil {
		return nil, err
	}
	if s.clusters, err = register(reg, s.clusters); err != nil {
		return nil, err
	}
	if s.runs, err = register(reg, s.runs); err != nil {
		return nil, err
	}
	if s.runDuration, err = register(reg, s.runDuration); err != nil {
		return nil, err
	}
	if s.moves, err = register(reg, s.moves); err != nil {
		return nil, err
	}
	if s.idleDrivers, err = register(reg, s.idleDrivers); err != nil {
		return nil, err
	}
	if s.loadSpread, err = register(reg, s.loadSpread); err != nil {
		return nil, err
	}
	if s.jobLifecycle, err = register(reg, s.jobLifecycle); err != nil {
		return nil, err
	}
	return s, nil
}

// register returns the already registered collector when c is a duplicate.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordAssignment counts the attempt and observes its distance.
func (s *PromSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	s.assignments.WithLabelValues(ev.Driver, ev.Outcome, strconv.FormatBool(ev.Override)).Inc()
	if ev.DistanceMiles > 0 {
		s.distance.WithLabelValues(ev.Outcome).Observe(ev.DistanceMiles)
	}
	return nil
}

// RecordQueueDepth sets the queue gauge of a driver.
func (s *PromSink) RecordQueueDepth(ev coremetrics.QueueDepthEvent) error {
	s.queueDepth.WithLabelValues(ev.Driver).Set(float64(ev.Depth))
	return nil
}

// RecordCluster counts suggested or approved clusters.
func (s *PromSink) RecordCluster(ev coremetrics.ClusterEvent) error {
	s.clusters.WithLabelValues(ev.Action).Add(float64(ev.Clusters))
	return nil
}

// RecordPipelineRun counts runs. Skipped runs have no duration.
func (s *PromSink) RecordPipelineRun(ev coremetrics.PipelineRunEvent) error {
	result := "ok"
	switch {
	case ev.Skipped:
		result = "skipped"
	case ev.FailedStage != "":
		result = "failed"
	}
	s.runs.WithLabelValues(ev.Trigger, result).Inc()
	if !ev.Skipped {
		s.runDuration.Observe(ev.Duration.Seconds())
	}
	return nil
}

// RecordRedistribution updates the rebalance metrics.
func (s *PromSink) RecordRedistribution(ev coremetrics.RedistributionEvent) error {
	s.moves.Add(float64(ev.Moves))
	s.idleDrivers.Set(float64(ev.FinalIdle))
	s.loadSpread.Set(ev.StdDevAfter)
	return nil
}

// RecordJobLifecycle counts job transitions seen on the bus.
func (s *PromSink) RecordJobLifecycle(ev coremetrics.JobLifecycleEvent) error {
	s.jobLifecycle.WithLabelValues(ev.Kind).Inc()
	return nil
}
