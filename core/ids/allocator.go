package ids

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

// Issued records one identifier written by the allocator.
type Issued struct {
	Kind  string `json:"kind"`
	Ref   string `json:"job_ref"`
	Value string `json:"value"`
}

// Report summarizes an allocation pass.
type Report struct {
	JobIDs     int               `json:"job_ids"`
	OrderNos   int               `json:"order_nos"`
	ClusterIDs int               `json:"cluster_ids"`
	Issued     []Issued          `json:"issued"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// Total returns how many identifiers were written.
func (r Report) Total() int { return r.JobIDs + r.OrderNos + r.ClusterIDs }

// Allocator fills missing identifiers on stored jobs. A job that already
// has a value for a field is never touched for that field.
type Allocator struct {
	jobs store.JobStore
	log  logger.Logger
	mu   sync.Mutex
}

// NewAllocator validates its dependencies.
func NewAllocator(jobs store.JobStore, log logger.Logger) (*Allocator, error) {
	if jobs == nil || log == nil {
		return nil, errors.New("ids: nil parameter provided to NewAllocator")
	}
	return &Allocator{jobs: jobs, log: log}, nil
}

type counters struct {
	job     *Counter
	cluster *Counter
	orders  map[string]*Counter
}

func newCounters(jobs []model.Job, plans []model.BatchPlan) *counters {
	c := &counters{
		job:     NewCounter(JobPrefix, nil),
		cluster: NewCounter(ClusterPrefix, nil),
		orders:  map[string]*Counter{},
	}
	for _, p := range plans {
		for _, id := range p.ClusterIDs {
			c.cluster.Observe(id)
		}
	}
	for _, j := range jobs {
		c.job.Observe(j.ID)
		c.cluster.Observe(j.ClusterID)
		if p, ok := SplitOrderNo(j.OrderNo); ok {
			c.order(p).Observe(j.OrderNo)
		}
	}
	return c
}

func (c *counters) order(prefix string) *Counter {
	oc, ok := c.orders[prefix]
	if !ok {
		oc = NewCounter(prefix, nil)
		c.orders[prefix] = oc
	}
	return oc
}

// Run scans all jobs and assigns a job_id to jobs without one, an order_no
// to assigned jobs without one, and a cluster_id to jobs that carry a flag
// but no cluster. Jobs are processed in ref order so repeated runs over the
// same data issue the same values. Jobs that could not be saved are listed
// in Failures and do not fail the pass.
func (a *Allocator) Run(ctx context.Context) (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rep := Report{Issued: []Issued{}}
	jobs, err := a.jobs.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return rep, err
	}
	model.SortJobs(jobs)
	plans, err := RecordedPlans(ctx, a.jobs)
	if err != nil {
		return rep, err
	}
	c := newCounters(jobs, plans)

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var issued []Issued
		if j.ID == "" {
			j.ID = c.job.Next()
			issued = append(issued, Issued{Kind: "job_id", Ref: j.Ref, Value: j.ID})
		}
		if j.Assigned() && j.OrderNo == "" {
			j.OrderNo = c.order(OrderPrefix(j.SelectedDriver)).Next()
			issued = append(issued, Issued{Kind: "order_no", Ref: j.Ref, Value: j.OrderNo})
		}
		if j.ClusterID == "" && j.Leg != model.LegNone {
			j.ClusterID = c.cluster.Next()
			issued = append(issued, Issued{Kind: "cluster_id", Ref: j.Ref, Value: j.ClusterID})
		}
		if len(issued) == 0 {
			continue
		}
		if _, err := a.jobs.SaveJob(ctx, j); err != nil {
			// The values stay consumed so a retry never hands them to another job.
			if rep.Failures == nil {
				rep.Failures = map[string]string{}
			}
			rep.Failures[j.Ref] = store.AsConflict(err, "job %s changed during id allocation", j.Ref).Error()
			a.log.Warnf("id allocation for %s failed: %v", j.Ref, err)
			continue
		}
		for _, is := range issued {
			switch is.Kind {
			case "job_id":
				rep.JobIDs++
			case "order_no":
				rep.OrderNos++
			case "cluster_id":
				rep.ClusterIDs++
			}
		}
		rep.Issued = append(rep.Issued, issued...)
	}
	if rep.Total() > 0 {
		a.log.Infof("issued %d job ids, %d order numbers, %d cluster ids", rep.JobIDs, rep.OrderNos, rep.ClusterIDs)
	}
	return rep, nil
}

// NextClusterSeq returns the first cluster number not used by jobs or
// recorded in a batch plan. Ids that were dropped from every job and never
// batched can be issued again.
func NextClusterSeq(jobs []model.Job, plans []model.BatchPlan) int {
	values := make([]string, 0, len(jobs))
	for _, j := range jobs {
		values = append(values, j.ClusterID)
	}
	for _, p := range plans {
		values = append(values, p.ClusterIDs...)
	}
	return MaxSeq(ClusterPrefix, values) + 1
}

// RecordedPlans lists batch plans when src also stores them, and nil
// otherwise.
func RecordedPlans(ctx context.Context, src store.JobStore) ([]model.BatchPlan, error) {
	bs, ok := src.(store.BatchStore)
	if !ok {
		return nil, nil
	}
	return bs.ListBatches(ctx)
}

// NextBatchID returns the first batch identifier not yet used by plans.
func NextBatchID(plans []model.BatchPlan) string {
	values := make([]string, 0, len(plans))
	for _, p := range plans {
		values = append(values, p.ID)
	}
	return Format(BatchPrefix, MaxSeq(BatchPrefix, values)+1)
}
