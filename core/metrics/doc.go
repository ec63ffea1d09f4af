// Package metrics defines interfaces for recording fleet engine activity.
// Sinks like PromSink and InfluxSink record assignment outcomes, queue
// depths, pipeline runs and rebalance passes, and can be combined with
// NewMultiSink. The factory helpers return a MultiSink automatically when
// multiple sinks are configured. Optional recorder interfaces let a sink
// opt into the event families it understands.
package metrics
