package mqtt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/monitoring"
	coremqtt "github.com/kilianp07/fleetjobs/core/mqtt"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// AssignmentPayload is sent to a driver when a job joins their queue.
type AssignmentPayload struct {
	JobRef   string `json:"job_ref"`
	JobID    string `json:"job_id,omitempty"`
	Sequence int    `json:"driver_order_sequence"`
	Override bool   `json:"override,omitempty"`
}

// UnassignmentPayload tells a driver a job left their queue.
type UnassignmentPayload struct {
	JobRef string `json:"job_ref"`
}

// QueuePayload describes a resequenced driver queue.
type QueuePayload struct {
	Depth     int    `json:"depth"`
	ActiveRef string `json:"active_ref,omitempty"`
}

// BatchJob is one line of a batch message.
type BatchJob struct {
	JobRef   string `json:"job_ref"`
	JobID    string `json:"job_id,omitempty"`
	Driver   string `json:"selected_driver,omitempty"`
	Sequence int    `json:"driver_order_sequence,omitempty"`
	Leg      string `json:"forward_return_flag,omitempty"`
}

// BatchPayload is published when a batch plan is created.
type BatchPayload struct {
	Name       string     `json:"name"`
	ClusterIDs []string   `json:"cluster_ids"`
	Jobs       []BatchJob `json:"jobs"`
}

// ForwarderStats counts forwarded messages.
type ForwarderStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Acked   uint64 `json:"acked"`
	Unacked uint64 `json:"unacked"`
}

// Forwarder relays bus events to the dispatch channel.
type Forwarder struct {
	client     coremqtt.Client
	log        logger.Logger
	ackTimeout time.Duration

	sent, failed, acked, unacked atomic.Uint64
}

// NewForwarder returns a forwarder. A positive ackTimeout makes it wait
// for acknowledgment of driver messages.
func NewForwarder(client coremqtt.Client, log logger.Logger, ackTimeout time.Duration) *Forwarder {
	return &Forwarder{client: client, log: log, ackTimeout: ackTimeout}
}

// Start subscribes to bus and forwards events until ctx is canceled or
// the bus is closed.
func (f *Forwarder) Start(ctx context.Context, bus eventbus.EventBus) {
	if f == nil || f.client == nil || bus == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer monitoring.Recover("mqtt_forwarder")
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				for _, msg := range Messages(ev) {
					f.send(msg)
				}
			}
		}
	}()
}

// Stats returns a snapshot of the counters.
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Sent:    f.sent.Load(),
		Failed:  f.failed.Load(),
		Acked:   f.acked.Load(),
		Unacked: f.unacked.Load(),
	}
}

func (f *Forwarder) send(msg coremqtt.Message) {
	id, err := f.client.Publish(msg)
	if err != nil {
		f.failed.Add(1)
		f.log.Errorf("forward %s: %v", msg.Kind, err)
		return
	}
	f.sent.Add(1)
	if f.ackTimeout <= 0 || msg.Driver == "" {
		return
	}
	ok, err := f.client.WaitForAck(id, f.ackTimeout)
	if err != nil || !ok {
		f.unacked.Add(1)
		f.log.Warnf("no ack for %s %s to %s: %v", msg.Kind, id, msg.Driver, err)
		return
	}
	f.acked.Add(1)
}

// Messages maps a bus event to the messages it produces. Events with no
// downstream consumer map to nil.
func Messages(ev eventbus.Event) []coremqtt.Message {
	switch e := ev.(type) {
	case events.JobAssigned:
		out := []coremqtt.Message{{
			Kind:    coremqtt.KindAssignment,
			Driver:  e.Driver,
			Payload: AssignmentPayload{JobRef: e.JobRef, JobID: e.JobID, Sequence: e.Sequence, Override: e.Override},
		}}
		if e.From != "" && e.From != e.Driver {
			out = append(out, coremqtt.Message{
				Kind:    coremqtt.KindUnassignment,
				Driver:  e.From,
				Payload: UnassignmentPayload{JobRef: e.JobRef},
			})
		}
		return out
	case events.JobUnassigned:
		if e.Driver == "" {
			return nil
		}
		return []coremqtt.Message{{
			Kind:    coremqtt.KindUnassignment,
			Driver:  e.Driver,
			Payload: UnassignmentPayload{JobRef: e.JobRef},
		}}
	case events.QueueResequenced:
		return []coremqtt.Message{{
			Kind:    coremqtt.KindQueue,
			Driver:  e.Driver,
			Payload: QueuePayload{Depth: e.Depth, ActiveRef: e.ActiveRef},
		}}
	case events.BatchCreated:
		p := BatchPayload{Name: e.Batch.Name, ClusterIDs: e.Batch.ClusterIDs, Jobs: make([]BatchJob, 0, len(e.Jobs))}
		for _, j := range e.Jobs {
			p.Jobs = append(p.Jobs, BatchJob{JobRef: j.Ref, JobID: j.ID, Driver: j.SelectedDriver, Sequence: j.Sequence, Leg: string(j.Leg)})
		}
		return []coremqtt.Message{{Kind: coremqtt.KindBatch, BatchID: e.Batch.ID, Payload: p}}
	}
	return nil
}
