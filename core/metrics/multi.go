package metrics

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAssignment forwards the event to all sinks, returning the first error encountered.
func (m *MultiSink) RecordAssignment(ev AssignmentEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignment(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordQueueDepth forwards queue depth when supported by the sink.
func (m *MultiSink) RecordQueueDepth(ev QueueDepthEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(QueueDepthRecorder); ok {
			if err := rec.RecordQueueDepth(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordCluster forwards clustering events.
func (m *MultiSink) RecordCluster(ev ClusterEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(ClusterRecorder); ok {
			if err := rec.RecordCluster(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordPipelineRun forwards pipeline summaries.
func (m *MultiSink) RecordPipelineRun(ev PipelineRunEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(PipelineRecorder); ok {
			if err := rec.RecordPipelineRun(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordRedistribution forwards rebalance summaries.
func (m *MultiSink) RecordRedistribution(ev RedistributionEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(RedistributionRecorder); ok {
			if err := rec.RecordRedistribution(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordJobLifecycle forwards job state changes.
func (m *MultiSink) RecordJobLifecycle(ev JobLifecycleEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(JobLifecycleRecorder); ok {
			if err := rec.RecordJobLifecycle(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
