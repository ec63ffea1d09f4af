// Package redistribute moves jobs from busy drivers to idle ones without
// relaxing the radius or capacity rules.
package redistribute

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/fleetjobs/core/assign"
	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// Move is one job handed from a donor to an idle driver.
type Move struct {
	JobRef        string  `json:"job_ref"`
	JobID         string  `json:"job_id,omitempty"`
	From          string  `json:"from_driver"`
	To            string  `json:"to_driver"`
	DistanceMiles float64 `json:"distance_miles"`
}

// Report summarizes a rebalance pass.
type Report struct {
	Moves                     []Move            `json:"moves"`
	InitialDriversWithoutJobs int               `json:"initialDriversWithoutJobs"`
	FinalDriversWithoutJobs   int               `json:"finalDriversWithoutJobs"`
	Improvement               int               `json:"improvement"`
	StdDevBefore              float64           `json:"load_stddev_before"`
	StdDevAfter               float64           `json:"load_stddev_after"`
	Failures                  map[string]string `json:"failures,omitempty"`
}

// Engine rebalances driver queues.
type Engine struct {
	jobs    store.JobStore
	drivers store.DriverStore
	assign  *assign.Engine
	log     logger.Logger
	bus     eventbus.EventBus
	metrics metrics.MetricsSink
	now     func() time.Time
}

// NewEngine validates its dependencies. bus and sink may be nil.
func NewEngine(jobs store.JobStore, drivers store.DriverStore, a *assign.Engine, log logger.Logger, bus eventbus.EventBus, sink metrics.MetricsSink) (*Engine, error) {
	if jobs == nil || drivers == nil || a == nil || log == nil {
		return nil, errors.New("redistribute: nil parameter provided to NewEngine")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Engine{jobs: jobs, drivers: drivers, assign: a, log: log, bus: bus, metrics: sink, now: time.Now}, nil
}

// Run moves jobs until no available driver is idle or no donor job fits an
// idle driver. Donors are drivers holding more than one open job, busiest
// first. Jobs inside a cluster stay with their driver.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	rep := Report{Moves: []Move{}}
	all, err := e.drivers.ListDrivers(ctx)
	if err != nil {
		return rep, err
	}
	loads, err := e.assign.Loads(ctx)
	if err != nil {
		return rep, err
	}
	var available []model.Driver
	for _, d := range all {
		if d.Available {
			available = append(available, d)
		}
	}
	ctx = e.assign.WithIndex(ctx)

	rep.InitialDriversWithoutJobs = countIdle(available, loads)
	rep.StdDevBefore = spread(available, loads)
	blocked := map[string]bool{}

	for countIdle(available, loads) > 0 {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		mv, ok, err := e.step(ctx, all, available, loads, blocked, &rep)
		if err != nil {
			return rep, err
		}
		if !ok {
			break
		}
		loads[mv.From]--
		loads[mv.To]++
		rep.Moves = append(rep.Moves, mv)
	}

	rep.FinalDriversWithoutJobs = countIdle(available, loads)
	rep.Improvement = rep.InitialDriversWithoutJobs - rep.FinalDriversWithoutJobs
	rep.StdDevAfter = spread(available, loads)
	e.log.Infof("redistribution moved %d jobs, idle drivers %d -> %d",
		len(rep.Moves), rep.InitialDriversWithoutJobs, rep.FinalDriversWithoutJobs)
	e.finish(rep)
	return rep, nil
}

// step performs the first feasible move, scanning donors busiest first.
func (e *Engine) step(ctx context.Context, all, available []model.Driver, loads map[string]int, blocked map[string]bool, rep *Report) (Move, bool, error) {
	for _, donor := range donors(all, loads) {
		queue, err := e.jobs.ListJobs(ctx, store.JobFilter{Driver: donor, OpenOnly: true})
		if err != nil {
			return Move{}, false, err
		}
		for _, job := range movable(queue) {
			if blocked[job.Ref] {
				continue
			}
			to, dist, ok := e.nearestIdle(ctx, job, available, loads)
			if !ok {
				continue
			}
			res, err := e.assign.Assign(ctx, job.Ref, to.Name, assign.Options{})
			if err != nil {
				blocked[job.Ref] = true
				if rep.Failures == nil {
					rep.Failures = map[string]string{}
				}
				rep.Failures[job.Ref] = err.Error()
				e.log.Warnf("moving %s from %s to %s failed: %v", job.Ref, donor, to.Name, err)
				continue
			}
			return Move{JobRef: res.JobRef, JobID: res.JobID, From: donor, To: to.Name, DistanceMiles: dist}, true, nil
		}
	}
	return Move{}, false, nil
}

// donors lists drivers with more than one open job, busiest first.
func donors(all []model.Driver, loads map[string]int) []string {
	var out []string
	for _, d := range all {
		if loads[d.Name] > 1 {
			out = append(out, d.Name)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if loads[out[i]] != loads[out[j]] {
			return loads[out[i]] > loads[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// movable returns the unclustered jobs of a queue, tail first, with the
// active job last.
func movable(queue []model.Job) []model.Job {
	var out []model.Job
	for _, j := range queue {
		if !j.Clustered() {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return !out[i].Active
		}
		return out[i].Sequence > out[j].Sequence
	})
	return out
}

func (e *Engine) nearestIdle(ctx context.Context, job model.Job, available []model.Driver, loads map[string]int) (model.Driver, float64, bool) {
	var best model.Driver
	bestDist, found := 0.0, false
	for _, d := range available {
		if loads[d.Name] != 0 || !d.HasCapacity(0) {
			continue
		}
		dist, err := e.assign.Distance(ctx, d, job)
		if err != nil {
			e.log.Debugf("no distance between %s and %s: %v", d.Name, job.Ref, err)
			continue
		}
		if dist > e.assign.Radius() {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && d.Name < best.Name) {
			best, bestDist, found = d, dist, true
		}
	}
	return best, bestDist, found
}

func countIdle(drivers []model.Driver, loads map[string]int) int {
	n := 0
	for _, d := range drivers {
		if loads[d.Name] == 0 {
			n++
		}
	}
	return n
}

// spread is the sample standard deviation of open job counts.
func spread(drivers []model.Driver, loads map[string]int) float64 {
	if len(drivers) < 2 {
		return 0
	}
	xs := make([]float64, len(drivers))
	for i, d := range drivers {
		xs[i] = float64(loads[d.Name])
	}
	return stat.StdDev(xs, nil)
}

func (e *Engine) finish(rep Report) {
	if e.bus != nil {
		e.bus.Publish(events.RedistributionFinished{Moves: len(rep.Moves), Improvement: rep.Improvement})
	}
	if rec, ok := e.metrics.(metrics.RedistributionRecorder); ok {
		ev := metrics.RedistributionEvent{
			Moves:        len(rep.Moves),
			InitialIdle:  rep.InitialDriversWithoutJobs,
			FinalIdle:    rep.FinalDriversWithoutJobs,
			Improvement:  rep.Improvement,
			StdDevBefore: rep.StdDevBefore,
			StdDevAfter:  rep.StdDevAfter,
			Time:         e.now(),
		}
		if err := rec.RecordRedistribution(ev); err != nil {
			e.log.Errorf("metrics error: %v", err)
		}
	}
}
