package metrics

import (
	"context"
	"time"

	"github.com/kilianp07/fleetjobs/core/events"
	coremetrics "github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for
// events the engines do not record themselves. It stops when the context
// is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	rec, ok := sink.(coremetrics.JobLifecycleRecorder)
	if !ok {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				for _, le := range lifecycleEvents(ev) {
					_ = rec.RecordJobLifecycle(le)
				}
			}
		}
	}()
}

func lifecycleEvents(ev eventbus.Event) []coremetrics.JobLifecycleEvent {
	switch e := ev.(type) {
	case events.JobCompleted:
		return []coremetrics.JobLifecycleEvent{{Kind: coremetrics.LifecycleCompleted, JobRef: e.JobRef, Driver: e.Driver, Time: withTime(e.Time)}}
	case events.JobUnassigned:
		return []coremetrics.JobLifecycleEvent{{Kind: coremetrics.LifecycleUnassigned, JobRef: e.JobRef, Driver: e.Driver, Time: withTime(e.Time)}}
	case events.BatchCreated:
		out := make([]coremetrics.JobLifecycleEvent, 0, len(e.Jobs))
		for _, j := range e.Jobs {
			out = append(out, coremetrics.JobLifecycleEvent{
				Kind:   coremetrics.LifecycleBatched,
				JobRef: j.Ref,
				Driver: j.SelectedDriver,
				Time:   withTime(e.Batch.CreatedAt),
			})
		}
		return out
	}
	return nil
}

// withTime fills a zero timestamp.
func withTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
