package assign

import (
	"context"
	"sort"

	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// AssignPending auto-assigns every open job without a driver. Members of
// an approved cluster go to a single driver that can take all of them;
// other jobs are placed one at a time. Loads are tracked locally so the
// least-loaded rule sees the effect of earlier placements in the same pass.
func (e *Engine) AssignPending(ctx context.Context) (BatchReport, error) {
	rep := BatchReport{Assigned: []Result{}, Failures: []Failure{}}
	pending, err := e.jobs.ListJobs(ctx, store.JobFilter{Unassigned: true, OpenOnly: true})
	if err != nil {
		return rep, err
	}
	if len(pending) == 0 {
		return rep, nil
	}
	drivers, err := e.drivers.ListDrivers(ctx)
	if err != nil {
		return rep, err
	}
	loads, err := e.Loads(ctx)
	if err != nil {
		return rep, err
	}
	ctx = geo.WithIndex(ctx, geo.IndexFrom(ctx, e.geocoder))

	clusters := map[string][]model.Job{}
	var groups [][]model.Job
	for _, j := range pending {
		if j.Clustered() {
			clusters[j.ClusterID] = append(clusters[j.ClusterID], j)
			continue
		}
		groups = append(groups, []model.Job{j})
	}
	ids := make([]string, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return model.CompareRefs(ids[i], ids[j]) < 0 })
	ordered := make([][]model.Job, 0, len(ids)+len(groups))
	for _, id := range ids {
		ordered = append(ordered, clusters[id])
	}
	ordered = append(ordered, groups...)

	touched := map[string]bool{}
	written := map[string]bool{}
	for _, group := range ordered {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		best, err := e.choose(ctx, group, drivers, loads)
		if err != nil {
			for _, j := range group {
				e.record(j, "", "", 0, Options{}, err)
				rep.fail(j.Ref, err)
			}
			continue
		}
		name := best.driver.Name
		for _, j := range group {
			dist, _ := e.Distance(ctx, best.driver, j)
			saved, err := e.write(ctx, j, best.driver)
			e.record(j, name, "", dist, Options{}, err)
			if err != nil {
				rep.fail(j.Ref, err)
				continue
			}
			loads[name]++
			touched[name] = true
			written[saved.Ref] = true
			rep.ok(Result{JobRef: saved.Ref, JobID: saved.ID, Driver: name, Sequence: saved.Sequence, DistanceMiles: dist})
		}
	}
	if err := e.settle(ctx, touched, written, &rep); err != nil {
		return rep, err
	}
	if rep.SuccessCount > 0 || rep.ErrorCount > 0 {
		e.log.Infof("auto-assigned %d pending jobs, %d left unassigned", rep.SuccessCount, rep.ErrorCount)
	}
	return rep, nil
}
