// Package assign places jobs into driver queues under the radius and
// capacity rules.
//
// A driver is eligible for a job when the job's collection postcode lies
// within the configured radius of the driver's home postcode and the
// driver holds fewer open jobs than max_per_day. Manual override skips the
// radius check only; capacity always applies.
package assign

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/sequence"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// DefaultRadiusMiles is the eligibility radius used when none is configured.
const DefaultRadiusMiles = 20.0

// Config tunes eligibility.
type Config struct {
	RadiusMiles float64 `json:"radius_miles"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.RadiusMiles <= 0 {
		c.RadiusMiles = DefaultRadiusMiles
	}
}

// Options alter a single assignment.
type Options struct {
	ManualOverride bool `json:"manual_override"`
}

// Result describes a committed assignment.
type Result struct {
	JobRef        string  `json:"job_ref"`
	JobID         string  `json:"job_id,omitempty"`
	Driver        string  `json:"driver"`
	From          string  `json:"from,omitempty"`
	Sequence      int     `json:"sequence"`
	DistanceMiles float64 `json:"distance_miles"`
	Override      bool    `json:"override,omitempty"`
}

// Failure describes one job a bulk operation could not place.
type Failure struct {
	JobRef string `json:"job_ref"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error"`
}

func failureOf(ref string, err error) Failure {
	f := Failure{JobRef: ref, Error: err.Error()}
	if fe, ok := fleeterr.From(err); ok {
		f.Kind = fe.Kind.String()
		f.Reason = string(fe.Reason)
	}
	return f
}

// BatchReport summarizes a bulk assignment.
type BatchReport struct {
	Driver       string    `json:"driver,omitempty"`
	SuccessCount int       `json:"successCount"`
	ErrorCount   int       `json:"errorCount"`
	Assigned     []Result  `json:"assigned"`
	Failures     []Failure `json:"failures"`
}

func (r *BatchReport) ok(res Result) {
	r.SuccessCount++
	r.Assigned = append(r.Assigned, res)
}

func (r *BatchReport) fail(ref string, err error) {
	r.ErrorCount++
	r.Failures = append(r.Failures, failureOf(ref, err))
}

// Deps groups the collaborators of Engine. Bus and Metrics are optional.
type Deps struct {
	Jobs      store.JobStore
	Drivers   store.DriverStore
	Sequencer *sequence.Engine
	Geocoder  geo.Geocoder
	Log       logger.Logger
	Bus       eventbus.EventBus
	Metrics   metrics.MetricsSink
}

// Engine validates and commits assignments.
type Engine struct {
	jobs     store.JobStore
	drivers  store.DriverStore
	seq      *sequence.Engine
	geocoder geo.Geocoder
	cfg      Config
	log      logger.Logger
	bus      eventbus.EventBus
	metrics  metrics.MetricsSink
	now      func() time.Time
	locks    sync.Map
}

// NewEngine validates d and applies defaults to cfg.
func NewEngine(cfg Config, d Deps) (*Engine, error) {
	if d.Jobs == nil || d.Drivers == nil || d.Sequencer == nil || d.Geocoder == nil || d.Log == nil {
		return nil, errors.New("assign: nil parameter provided to NewEngine")
	}
	cfg.SetDefaults()
	if d.Metrics == nil {
		d.Metrics = metrics.NopSink{}
	}
	return &Engine{
		jobs:     d.Jobs,
		drivers:  d.Drivers,
		seq:      d.Sequencer,
		geocoder: d.Geocoder,
		cfg:      cfg,
		log:      d.Log,
		bus:      d.Bus,
		metrics:  d.Metrics,
		now:      time.Now,
	}, nil
}

// Radius returns the configured eligibility radius in miles.
func (e *Engine) Radius() float64 { return e.cfg.RadiusMiles }

// WithIndex returns ctx carrying a geocode cache shared by every call made
// with it. An index already present in ctx is kept.
func (e *Engine) WithIndex(ctx context.Context) context.Context {
	return geo.WithIndex(ctx, geo.IndexFrom(ctx, e.geocoder))
}

// Distance returns the miles between the driver's home and the job's
// collection point.
func (e *Engine) Distance(ctx context.Context, drv model.Driver, job model.Job) (float64, error) {
	if job.CollectionPostcode == "" {
		return 0, fleeterr.Validation(fleeterr.ReasonMissingPostcode, "job %s has no collection postcode", job.Ref)
	}
	if drv.Postcode == "" {
		return 0, fleeterr.Validation(fleeterr.ReasonMissingPostcode, "driver %s has no postcode", drv.Name)
	}
	return geo.IndexFrom(ctx, e.geocoder).Distance(ctx, drv.Postcode, job.CollectionPostcode)
}

// Loads counts open jobs per driver.
func (e *Engine) Loads(ctx context.Context) (map[string]int, error) {
	jobs, err := e.jobs.ListJobs(ctx, store.JobFilter{OpenOnly: true})
	if err != nil {
		return nil, err
	}
	loads := map[string]int{}
	for _, j := range jobs {
		if j.Assigned() {
			loads[j.SelectedDriver]++
		}
	}
	return loads, nil
}

// queue returns the open job count and highest sequence of driver,
// ignoring exclude.
func (e *Engine) queue(ctx context.Context, driver, exclude string) (load, maxSeq int, err error) {
	jobs, err := e.jobs.ListJobs(ctx, store.JobFilter{Driver: driver, OpenOnly: true})
	if err != nil {
		return 0, 0, err
	}
	for _, j := range jobs {
		if j.Ref == exclude {
			continue
		}
		load++
		if j.Sequence > maxSeq {
			maxSeq = j.Sequence
		}
	}
	return load, maxSeq, nil
}

func (e *Engine) loadJob(ctx context.Context, ref string) (model.Job, error) {
	job, err := e.jobs.GetJob(ctx, ref)
	if err != nil {
		return model.Job{}, store.AsUnknown(err, fleeterr.ReasonUnknownJob, ref)
	}
	if job.Completed() {
		return model.Job{}, fleeterr.Validation(fleeterr.ReasonJobCompleted, "job %s is completed", ref)
	}
	return job, nil
}

func (e *Engine) loadDriver(ctx context.Context, name string) (model.Driver, error) {
	drv, err := e.drivers.GetDriver(ctx, name)
	if err != nil {
		return model.Driver{}, store.AsUnknown(err, fleeterr.ReasonUnknownDriver, name)
	}
	return drv, nil
}

// check applies the eligibility rules for job and drv given the driver's
// current load. It returns the measured distance.
func (e *Engine) check(ctx context.Context, job model.Job, drv model.Driver, load int, opts Options) (float64, error) {
	if !drv.Available && !opts.ManualOverride {
		return 0, fleeterr.Validation(fleeterr.ReasonDriverUnavailable, "driver %s is not available", drv.Name)
	}
	dist, err := e.Distance(ctx, drv, job)
	if err != nil {
		if !opts.ManualOverride {
			return 0, err
		}
		e.log.Warnf("override assignment of %s to %s without distance: %v", job.Ref, drv.Name, err)
		dist = 0
	}
	if !opts.ManualOverride && dist > e.cfg.RadiusMiles {
		return dist, fleeterr.Constraint(fleeterr.ReasonRadius,
			"job %s is %.1f miles from %s (limit %.0f)", job.Ref, dist, drv.Name, e.cfg.RadiusMiles)
	}
	if !drv.HasCapacity(load) {
		return dist, fleeterr.Constraint(fleeterr.ReasonCapacity,
			"driver %s already holds %d of %d jobs", drv.Name, load, drv.MaxPerDay)
	}
	return dist, nil
}

// lock serializes commits into one driver's queue within this process.
func (e *Engine) lock(driver string) func() {
	m, _ := e.locks.LoadOrStore(driver, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// write re-reads the job, the driver and its queue, verifies nothing moved
// since job was read, and persists the assignment at the tail of the queue.
// The row is written inactive; the sequencer promotes the queue head.
//
// After the job is saved the driver record is rewritten with its version
// checked. Another process committing to the same driver in between bumps
// that version, so the loser rolls its job back and reports a conflict.
func (e *Engine) write(ctx context.Context, job model.Job, drv model.Driver) (model.Job, error) {
	unlock := e.lock(drv.Name)
	defer unlock()

	fresh, err := e.jobs.GetJob(ctx, job.Ref)
	if err != nil {
		return model.Job{}, store.AsUnknown(err, fleeterr.ReasonUnknownJob, job.Ref)
	}
	if fresh.Version != job.Version || fresh.SelectedDriver != job.SelectedDriver || fresh.Completed() {
		return model.Job{}, fleeterr.Conflict(fleeterr.ReasonStale, "job %s changed during assignment", job.Ref)
	}
	cur, err := e.drivers.GetDriver(ctx, drv.Name)
	if err != nil {
		return model.Job{}, store.AsUnknown(err, fleeterr.ReasonUnknownDriver, drv.Name)
	}
	load, maxSeq, err := e.queue(ctx, drv.Name, job.Ref)
	if err != nil {
		return model.Job{}, err
	}
	if !cur.HasCapacity(load) {
		return model.Job{}, fleeterr.Conflict(fleeterr.ReasonCapacity, "driver %s reached capacity during assignment", drv.Name)
	}
	next := fresh
	next.SelectedDriver = drv.Name
	next.AssignedAt = e.now()
	next.Sequence = maxSeq + 1
	next.Active = false
	next.Status = model.JobPending
	saved, err := e.jobs.SaveJob(ctx, next)
	if err != nil {
		return model.Job{}, store.AsConflict(err, "job %s changed during assignment", job.Ref)
	}
	if _, err := e.drivers.SaveDriver(ctx, cur); err != nil {
		e.rollback(context.WithoutCancel(ctx), fresh, drv.Name)
		if errors.Is(err, store.ErrVersionConflict) {
			return model.Job{}, fleeterr.Conflict(fleeterr.ReasonCapacity, "driver %s changed during assignment", drv.Name)
		}
		return model.Job{}, err
	}
	return saved, nil
}

// rollback restores prev after a lost driver commit. The sequencer may
// have renumbered the row meanwhile, so the current version is re-read.
func (e *Engine) rollback(ctx context.Context, prev model.Job, driver string) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := e.jobs.GetJob(ctx, prev.Ref)
		if err != nil || cur.SelectedDriver != driver {
			break
		}
		restore := prev
		restore.Version = cur.Version
		_, err = e.jobs.SaveJob(ctx, restore)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			e.log.Errorf("rolling back %s failed: %v", prev.Ref, err)
			break
		}
	}
	if _, err := e.seq.Recompute(ctx, driver); err != nil {
		e.log.Errorf("renumbering %s after rollback failed: %v", driver, err)
	}
}

func (e *Engine) record(job model.Job, driver, from string, dist float64, opts Options, err error) {
	outcome := metrics.OutcomeAssigned
	switch {
	case err == nil:
	case fleeterr.ReasonOf(err) == fleeterr.ReasonRadius:
		outcome = metrics.OutcomeRadius
	case fleeterr.ReasonOf(err) == fleeterr.ReasonCapacity && fleeterr.IsKind(err, fleeterr.KindConstraint):
		outcome = metrics.OutcomeCapacity
	case fleeterr.IsKind(err, fleeterr.KindConflict):
		outcome = metrics.OutcomeConflict
	default:
		outcome = metrics.OutcomeError
	}
	ev := metrics.AssignmentEvent{
		JobRef:        job.Ref,
		Driver:        driver,
		From:          from,
		Outcome:       outcome,
		Override:      opts.ManualOverride,
		DistanceMiles: dist,
		Time:          e.now(),
	}
	if mErr := e.metrics.RecordAssignment(ev); mErr != nil {
		e.log.Errorf("metrics error: %v", mErr)
	}
}

func (e *Engine) publish(res Result) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.JobAssigned{
		JobRef:        res.JobRef,
		JobID:         res.JobID,
		Driver:        res.Driver,
		From:          res.From,
		Sequence:      res.Sequence,
		DistanceMiles: res.DistanceMiles,
		Override:      res.Override,
		Time:          e.now(),
	})
}

// resequence renumbers driver and, when the job moved, its previous
// driver. It returns the final sequence of ref.
func (e *Engine) resequence(ctx context.Context, driver, from, ref string) (int, error) {
	res, err := e.seq.Recompute(ctx, driver)
	if err != nil {
		return 0, err
	}
	if from != "" && from != driver {
		if _, err := e.seq.Recompute(ctx, from); err != nil {
			return 0, err
		}
	}
	for _, j := range res.Jobs {
		if j.Ref == ref {
			return j.Sequence, nil
		}
	}
	return 0, nil
}
