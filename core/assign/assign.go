package assign

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// Assign puts ref in the queue of driver. A job held by another driver is
// moved and both queues are renumbered.
func (e *Engine) Assign(ctx context.Context, ref, driver string, opts Options) (Result, error) {
	job, err := e.loadJob(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	drv, err := e.loadDriver(ctx, driver)
	if err != nil {
		return Result{}, err
	}
	if job.SelectedDriver == drv.Name {
		return Result{JobRef: job.Ref, JobID: job.ID, Driver: drv.Name, Sequence: job.Sequence}, nil
	}
	ctx = geo.WithIndex(ctx, geo.IndexFrom(ctx, e.geocoder))

	load, _, err := e.queue(ctx, drv.Name, job.Ref)
	if err != nil {
		return Result{}, err
	}
	dist, err := e.check(ctx, job, drv, load, opts)
	if err != nil {
		e.record(job, drv.Name, job.SelectedDriver, dist, opts, err)
		return Result{}, err
	}
	from := job.SelectedDriver
	saved, err := e.write(ctx, job, drv)
	e.record(job, drv.Name, from, dist, opts, err)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		JobRef:        saved.Ref,
		JobID:         saved.ID,
		Driver:        drv.Name,
		From:          from,
		Sequence:      saved.Sequence,
		DistanceMiles: dist,
		Override:      opts.ManualOverride,
	}
	seq, err := e.resequence(ctx, drv.Name, from, saved.Ref)
	if err != nil {
		return res, errors.Wrap(err, "assigned but queue renumbering failed")
	}
	if seq > 0 {
		res.Sequence = seq
	}
	e.log.Infof("job %s assigned to %s at position %d (%.1f mi, override=%t)", ref, drv.Name, res.Sequence, dist, opts.ManualOverride)
	e.publish(res)
	return res, nil
}

type candidate struct {
	driver   model.Driver
	load     int
	distance float64
}

// choose ranks eligible drivers for jobs: fewest open jobs first, then
// nearest, then by name. Every job must lie within the radius and the
// driver must have room for all of them.
func (e *Engine) choose(ctx context.Context, jobs []model.Job, drivers []model.Driver, loads map[string]int) (candidate, error) {
	idx := geo.IndexFrom(ctx, e.geocoder)
	for _, job := range jobs {
		if job.CollectionPostcode == "" {
			return candidate{}, fleeterr.Validation(fleeterr.ReasonMissingPostcode, "job %s has no collection postcode", job.Ref)
		}
		if _, err := idx.Resolve(ctx, job.CollectionPostcode); err != nil {
			return candidate{}, err
		}
	}
	var eligible []candidate
	inRadius := false
	for _, d := range drivers {
		if !d.Available {
			continue
		}
		worst, ok := 0.0, true
		for _, job := range jobs {
			dist, err := e.Distance(ctx, d, job)
			if err != nil {
				e.log.Warnf("skipping driver %s: %v", d.Name, err)
				ok = false
				break
			}
			if dist > e.cfg.RadiusMiles {
				ok = false
				break
			}
			if dist > worst {
				worst = dist
			}
		}
		if !ok {
			continue
		}
		inRadius = true
		load := loads[d.Name]
		if d.MaxPerDay > 0 && load+len(jobs) > d.MaxPerDay {
			continue
		}
		eligible = append(eligible, candidate{driver: d, load: load, distance: worst})
	}
	if len(eligible) == 0 {
		if inRadius {
			return candidate{}, fleeterr.Constraint(fleeterr.ReasonCapacity, "every driver near %s is at capacity", jobs[0].Ref)
		}
		return candidate{}, fleeterr.Constraint(fleeterr.ReasonRadius, "no available driver within %.0f miles of %s", e.cfg.RadiusMiles, jobs[0].Ref)
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.load != b.load {
			return a.load < b.load
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.driver.Name < b.driver.Name
	})
	return eligible[0], nil
}

// AutoAssign picks the best eligible driver for ref and assigns it.
func (e *Engine) AutoAssign(ctx context.Context, ref string) (Result, error) {
	job, err := e.loadJob(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if job.Assigned() {
		return Result{JobRef: job.Ref, JobID: job.ID, Driver: job.SelectedDriver, Sequence: job.Sequence}, nil
	}
	drivers, err := e.drivers.ListDrivers(ctx)
	if err != nil {
		return Result{}, err
	}
	loads, err := e.Loads(ctx)
	if err != nil {
		return Result{}, err
	}
	ctx = geo.WithIndex(ctx, geo.IndexFrom(ctx, e.geocoder))
	best, err := e.choose(ctx, []model.Job{job}, drivers, loads)
	if err != nil {
		e.record(job, "", "", 0, Options{}, err)
		return Result{}, err
	}
	return e.Assign(ctx, ref, best.driver.Name, Options{})
}

// BatchAssign assigns refs to driver, counting capacity cumulatively.
// Each job succeeds or fails on its own; queues are renumbered once at the
// end.
func (e *Engine) BatchAssign(ctx context.Context, refs []string, driver string, opts Options) (BatchReport, error) {
	drv, err := e.loadDriver(ctx, driver)
	if err != nil {
		return BatchReport{}, err
	}
	ctx = geo.WithIndex(ctx, geo.IndexFrom(ctx, e.geocoder))
	load, _, err := e.queue(ctx, drv.Name, "")
	if err != nil {
		return BatchReport{}, err
	}
	rep := BatchReport{Driver: drv.Name, Assigned: []Result{}, Failures: []Failure{}}
	touched := map[string]bool{}
	written := map[string]bool{}
	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		job, err := e.loadJob(ctx, ref)
		if err != nil {
			rep.fail(ref, err)
			continue
		}
		if job.SelectedDriver == drv.Name {
			rep.ok(Result{JobRef: job.Ref, JobID: job.ID, Driver: drv.Name, Sequence: job.Sequence})
			continue
		}
		dist, err := e.check(ctx, job, drv, load, opts)
		if err != nil {
			e.record(job, drv.Name, job.SelectedDriver, dist, opts, err)
			rep.fail(ref, err)
			continue
		}
		saved, err := e.write(ctx, job, drv)
		e.record(job, drv.Name, job.SelectedDriver, dist, opts, err)
		if err != nil {
			rep.fail(ref, err)
			continue
		}
		load++
		written[saved.Ref] = true
		if job.SelectedDriver != "" {
			touched[job.SelectedDriver] = true
		}
		rep.ok(Result{
			JobRef:        saved.Ref,
			JobID:         saved.ID,
			Driver:        drv.Name,
			From:          job.SelectedDriver,
			Sequence:      saved.Sequence,
			DistanceMiles: dist,
			Override:      opts.ManualOverride,
		})
	}
	touched[drv.Name] = true
	if err := e.settle(ctx, touched, written, &rep); err != nil {
		return rep, err
	}
	e.log.Infof("batch assignment to %s: %d ok, %d failed", drv.Name, rep.SuccessCount, rep.ErrorCount)
	return rep, nil
}

// settle renumbers every queue in drivers, refreshes the reported
// sequences and publishes events for the rows written in this call.
func (e *Engine) settle(ctx context.Context, drivers map[string]bool, written map[string]bool, rep *BatchReport) error {
	names := make([]string, 0, len(drivers))
	for d := range drivers {
		names = append(names, d)
	}
	sort.Strings(names)
	final := map[string]int{}
	for _, d := range names {
		res, err := e.seq.Recompute(ctx, d)
		if err != nil {
			return errors.Wrapf(err, "assigned but renumbering queue %s failed", d)
		}
		for _, j := range res.Jobs {
			final[j.Ref] = j.Sequence
		}
	}
	for i := range rep.Assigned {
		if s, ok := final[rep.Assigned[i].JobRef]; ok {
			rep.Assigned[i].Sequence = s
		}
		if written[rep.Assigned[i].JobRef] {
			e.publish(rep.Assigned[i])
		}
	}
	return nil
}

// Unassign removes ref from its driver's queue. The job also leaves its
// cluster so cluster id and flag stay set together.
func (e *Engine) Unassign(ctx context.Context, ref string) (model.Job, error) {
	job, err := e.loadJob(ctx, ref)
	if err != nil {
		return model.Job{}, err
	}
	if !job.Assigned() {
		return model.Job{}, fleeterr.Validation(fleeterr.ReasonNotAssigned, "job %s has no driver", ref)
	}
	from := job.SelectedDriver
	job.SelectedDriver = ""
	job.Sequence = 0
	job.Active = false
	job.Status = model.JobPending
	job.AssignedAt = time.Time{}
	job.Leg = model.LegNone
	job.ClusterID = ""
	saved, err := e.jobs.SaveJob(ctx, job)
	if err != nil {
		return model.Job{}, store.AsConflict(err, "job %s changed before unassignment", ref)
	}
	if _, err := e.seq.Recompute(ctx, from); err != nil {
		return saved, errors.Wrap(err, "unassigned but queue renumbering failed")
	}
	e.log.Infof("job %s removed from %s", ref, from)
	if e.bus != nil {
		e.bus.Publish(events.JobUnassigned{JobRef: ref, Driver: from, Time: e.now()})
	}
	return saved, nil
}
