// Package sequence keeps each driver's queue numbered 1..N with a single
// active job at the head.
package sequence

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// Result describes a driver queue after recomputation.
type Result struct {
	Driver     string      `json:"driver"`
	Depth      int         `json:"depth"`
	Renumbered int         `json:"renumbered"`
	ActiveRef  string      `json:"active_ref,omitempty"`
	Jobs       []model.Job `json:"-"`
}

// Report aggregates an enforcement pass over all drivers.
type Report struct {
	Drivers    []Result          `json:"drivers"`
	Renumbered int               `json:"renumbered"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// Engine renumbers driver queues.
type Engine struct {
	jobs    store.JobStore
	log     logger.Logger
	bus     eventbus.EventBus
	metrics metrics.MetricsSink
	now     func() time.Time

	locks sync.Map // driver -> *sync.Mutex
}

// NewEngine validates its dependencies. bus and sink may be nil.
func NewEngine(jobs store.JobStore, log logger.Logger, bus eventbus.EventBus, sink metrics.MetricsSink) (*Engine, error) {
	if jobs == nil || log == nil {
		return nil, errors.New("sequence: nil parameter provided to NewEngine")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Engine{jobs: jobs, log: log, bus: bus, metrics: sink, now: time.Now}, nil
}

func (e *Engine) lock(driver string) func() {
	m, _ := e.locks.LoadOrStore(driver, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Plan returns the open jobs of one driver in queue order with sequence,
// active flag and status rewritten. Jobs sort by their current sequence,
// unsequenced jobs last, and the first one becomes active.
func Plan(jobs []model.Job) []model.Job {
	out := make([]model.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Open() {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		ja, jb := out[a], out[b]
		if seqKey(ja) != seqKey(jb) {
			return seqKey(ja) < seqKey(jb)
		}
		if !ja.AssignedAt.Equal(jb.AssignedAt) {
			return ja.AssignedAt.Before(jb.AssignedAt)
		}
		return model.CompareRefs(ja.Ref, jb.Ref) < 0
	})
	for i := range out {
		out[i].Sequence = i + 1
		out[i].Active = i == 0
		if i == 0 {
			out[i].Status = model.JobActive
		} else {
			out[i].Status = model.JobPending
		}
	}
	return out
}

func seqKey(j model.Job) int {
	if j.Sequence <= 0 {
		return math.MaxInt
	}
	return j.Sequence
}

func changed(before, after model.Job) bool {
	return before.Sequence != after.Sequence || before.Active != after.Active || before.Status != after.Status
}

// recomputeAttempts bounds re-planning when another writer touches the
// queue between the read and the writes.
const recomputeAttempts = 3

// Recompute renumbers the open queue of driver. Writes are compensated on
// failure so the queue is never left half renumbered.
func (e *Engine) Recompute(ctx context.Context, driver string) (Result, error) {
	if driver == "" {
		return Result{}, fleeterr.Validation(fleeterr.ReasonUnknownDriver, "driver name is required")
	}
	unlock := e.lock(driver)
	defer unlock()

	var (
		res   Result
		err   error
		stale bool
	)
	for attempt := 0; attempt < recomputeAttempts; attempt++ {
		res, stale, err = e.recompute(ctx, driver)
		if !stale {
			break
		}
	}
	return res, err
}

func (e *Engine) recompute(ctx context.Context, driver string) (Result, bool, error) {
	current, err := e.jobs.ListJobs(ctx, store.JobFilter{Driver: driver, OpenOnly: true})
	if err != nil {
		return Result{}, false, err
	}
	byRef := make(map[string]model.Job, len(current))
	for _, j := range current {
		byRef[j.Ref] = j
	}
	planned := Plan(current)

	var written []write
	for i, target := range planned {
		before := byRef[target.Ref]
		if !changed(before, target) {
			continue
		}
		saved, err := e.jobs.SaveJob(ctx, target)
		if err != nil {
			e.rollback(ctx, driver, written)
			return Result{}, errors.Is(err, store.ErrVersionConflict),
				errors.Wrapf(store.AsConflict(err, "job %s changed while resequencing %s", target.Ref, driver), "resequence %s", driver)
		}
		planned[i] = saved
		written = append(written, write{before: before, after: saved})
	}

	res := Result{Driver: driver, Depth: len(planned), Renumbered: len(written), Jobs: planned}
	if len(planned) > 0 {
		res.ActiveRef = planned[0].Ref
	}
	if len(written) > 0 {
		e.log.Debugw("queue resequenced", map[string]any{"driver": driver, "depth": res.Depth, "renumbered": res.Renumbered})
	}
	if e.bus != nil {
		e.bus.Publish(events.QueueResequenced{Driver: driver, Depth: res.Depth, Renumbered: res.Renumbered, ActiveRef: res.ActiveRef})
	}
	if rec, ok := e.metrics.(metrics.QueueDepthRecorder); ok {
		if err := rec.RecordQueueDepth(metrics.QueueDepthEvent{Driver: driver, Depth: res.Depth, Time: e.now()}); err != nil {
			e.log.Errorf("metrics error: %v", err)
		}
	}
	return res, false, nil
}

type write struct{ before, after model.Job }

// rollback restores written rows in reverse order. It ignores ctx
// cancellation so an aborted caller does not leave the queue half written.
func (e *Engine) rollback(ctx context.Context, driver string, written []write) {
	ctx = context.WithoutCancel(ctx)
	for k := len(written) - 1; k >= 0; k-- {
		w := written[k]
		restore := w.after
		restore.Sequence = w.before.Sequence
		restore.Active = w.before.Active
		restore.Status = w.before.Status
		if _, err := e.jobs.SaveJob(ctx, restore); err != nil {
			e.log.Errorf("restore %s in queue %s failed: %v", w.before.Ref, driver, err)
		}
	}
}

// Complete marks ref completed on behalf of driver and promotes the next
// job in the queue.
func (e *Engine) Complete(ctx context.Context, ref, driver string) (model.Job, error) {
	job, err := e.jobs.GetJob(ctx, ref)
	if err != nil {
		return model.Job{}, store.AsUnknown(err, fleeterr.ReasonUnknownJob, ref)
	}
	if job.SelectedDriver == "" || job.SelectedDriver != driver {
		return model.Job{}, fleeterr.Validation(fleeterr.ReasonDriverMismatch,
			"job %s is assigned to %q, not %q", ref, job.SelectedDriver, driver)
	}
	if job.Completed() {
		return job, nil
	}
	job.Status = model.JobCompleted
	job.Active = false
	job.Sequence = 0
	job.CompletedAt = e.now()

	unlock := e.lock(driver)
	saved, err := e.jobs.SaveJob(ctx, job)
	unlock()
	if err != nil {
		return model.Job{}, store.AsConflict(err, "job %s changed before completion", ref)
	}
	e.log.Infof("job %s completed by %s", ref, driver)
	if _, err := e.Recompute(ctx, driver); err != nil {
		return saved, errors.Wrap(err, "complete")
	}
	if e.bus != nil {
		e.bus.Publish(events.JobCompleted{JobRef: ref, Driver: driver, Time: saved.CompletedAt})
	}
	return saved, nil
}

// EnforceAll recomputes every driver that holds open jobs. Each driver is
// independent; failures are collected and the first is returned.
func (e *Engine) EnforceAll(ctx context.Context) (Report, error) {
	jobs, err := e.jobs.ListJobs(ctx, store.JobFilter{OpenOnly: true})
	if err != nil {
		return Report{}, err
	}
	seen := map[string]bool{}
	var drivers []string
	for _, j := range jobs {
		if j.Assigned() && !seen[j.SelectedDriver] {
			seen[j.SelectedDriver] = true
			drivers = append(drivers, j.SelectedDriver)
		}
	}
	sort.Strings(drivers)

	rep := Report{}
	var first error
	for _, d := range drivers {
		res, err := e.Recompute(ctx, d)
		if err != nil {
			if rep.Failures == nil {
				rep.Failures = map[string]string{}
			}
			rep.Failures[d] = err.Error()
			if first == nil {
				first = err
			}
			continue
		}
		res.Jobs = nil
		rep.Drivers = append(rep.Drivers, res)
		rep.Renumbered += res.Renumbered
	}
	if first != nil {
		return rep, errors.Wrapf(first, "%d of %d driver queues failed", len(rep.Failures), len(drivers))
	}
	return rep, nil
}
