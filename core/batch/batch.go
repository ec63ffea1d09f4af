// Package batch packages approved clusters and loose jobs into named plans
// for coordinated dispatch. A job belongs to at most one open plan.
package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/ids"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

const maxInsertAttempts = 3

// Plan is a batch together with its resolved jobs.
type Plan struct {
	Batch model.BatchPlan `json:"batch"`
	Jobs  []model.Job     `json:"jobs"`
}

// Planner creates and closes batch plans.
type Planner struct {
	jobs    store.JobStore
	batches store.BatchStore
	log     logger.Logger
	bus     eventbus.EventBus
	now     func() time.Time

	mu sync.Mutex
}

// NewPlanner validates its dependencies. bus may be nil.
func NewPlanner(jobs store.JobStore, batches store.BatchStore, log logger.Logger, bus eventbus.EventBus) (*Planner, error) {
	if jobs == nil || batches == nil || log == nil {
		return nil, errors.New("batch: nil parameter provided to NewPlanner")
	}
	return &Planner{jobs: jobs, batches: batches, log: log, bus: bus, now: time.Now}, nil
}

// Create expands clusterIDs to their members, unions them with jobs and
// persists a new open plan. jobs may name a job by ref or by job_id.
func (p *Planner) Create(ctx context.Context, name string, clusterIDs, jobs []string) (Plan, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Plan{}, fleeterr.Validation(fleeterr.ReasonInvalidInput, "batch name is required")
	}
	all, err := p.jobs.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return Plan{}, err
	}
	members, clusters, err := expand(all, clusterIDs, jobs)
	if err != nil {
		return Plan{}, err
	}
	if len(members) == 0 {
		return Plan{}, fleeterr.Validation(fleeterr.ReasonEmptyBatch, "batch %q has no jobs", name)
	}
	refs := make([]string, len(members))
	for i, j := range members {
		refs[i] = j.Ref
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var saved model.BatchPlan
	for attempt := 1; ; attempt++ {
		plans, err := p.batches.ListBatches(ctx)
		if err != nil {
			return Plan{}, err
		}
		if err := overlap(plans, "", refs); err != nil {
			return Plan{}, err
		}
		b := model.BatchPlan{
			ID:         ids.NextBatchID(plans),
			Name:       name,
			ClusterIDs: clusters,
			JobRefs:    refs,
			Status:     model.BatchOpen,
			CreatedAt:  p.now().UTC(),
		}
		saved, err = p.batches.SaveBatch(ctx, b)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt == maxInsertAttempts {
			return Plan{}, store.AsConflict(err, "batch id %s was taken concurrently", b.ID)
		}
	}

	// Another process may have reserved the same jobs between our check
	// and insert. The lower id wins.
	plans, err := p.batches.ListBatches(ctx)
	if err != nil {
		return Plan{}, err
	}
	if err := overlap(olderThan(plans, saved.ID), saved.ID, refs); err != nil {
		saved.Status = model.BatchClosed
		if _, cerr := p.batches.SaveBatch(context.WithoutCancel(ctx), saved); cerr != nil {
			p.log.Errorf("closing superseded batch %s failed: %v", saved.ID, cerr)
		}
		return Plan{}, err
	}

	p.log.Infof("batch %s %q created with %d jobs", saved.ID, saved.Name, len(refs))
	if p.bus != nil {
		p.bus.Publish(events.BatchCreated{Batch: saved, Jobs: members})
	}
	return Plan{Batch: saved, Jobs: members}, nil
}

// expand resolves cluster ids and job references to a ref-sorted,
// duplicate-free job list.
func expand(all []model.Job, clusterIDs, jobs []string) ([]model.Job, []string, error) {
	byRef := make(map[string]model.Job, len(all))
	byID := make(map[string]model.Job, len(all))
	byCluster := map[string][]model.Job{}
	for _, j := range all {
		byRef[j.Ref] = j
		if j.ID != "" {
			byID[j.ID] = j
		}
		if j.Clustered() {
			byCluster[j.ClusterID] = append(byCluster[j.ClusterID], j)
		}
	}

	picked := map[string]model.Job{}
	var clusters []string
	seenCluster := map[string]bool{}
	for _, c := range clusterIDs {
		c = strings.TrimSpace(c)
		if c == "" || seenCluster[c] {
			continue
		}
		seenCluster[c] = true
		ms, ok := byCluster[c]
		if !ok {
			return nil, nil, fleeterr.Validation(fleeterr.ReasonUnknownCluster, "cluster %s has no members", c)
		}
		clusters = append(clusters, c)
		for _, j := range ms {
			picked[j.Ref] = j
		}
	}
	for _, ref := range jobs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		j, ok := byRef[ref]
		if !ok {
			j, ok = byID[ref]
		}
		if !ok {
			return nil, nil, fleeterr.Validation(fleeterr.ReasonUnknownJob, "job %s", ref)
		}
		picked[j.Ref] = j
	}

	out := make([]model.Job, 0, len(picked))
	for _, j := range picked {
		out = append(out, j)
	}
	model.SortJobs(out)
	model.SortRefs(clusters)
	if clusters == nil {
		clusters = []string{}
	}
	return out, clusters, nil
}

// overlap fails when any of refs sits in an open plan other than self.
func overlap(plans []model.BatchPlan, self string, refs []string) error {
	for _, b := range plans {
		if !b.Open() || b.ID == self {
			continue
		}
		for _, r := range refs {
			if b.Contains(r) {
				return fleeterr.Constraint(fleeterr.ReasonAlreadyBatched, "job %s is already in open batch %s", r, b.ID)
			}
		}
	}
	return nil
}

func olderThan(plans []model.BatchPlan, id string) []model.BatchPlan {
	var out []model.BatchPlan
	for _, b := range plans {
		if model.CompareRefs(b.ID, id) < 0 {
			out = append(out, b)
		}
	}
	return out
}

// Close releases the jobs of an open plan. Closing a closed plan is a no-op.
func (p *Planner) Close(ctx context.Context, id string) (model.BatchPlan, error) {
	b, err := p.batches.GetBatch(ctx, id)
	if err != nil {
		return model.BatchPlan{}, store.AsUnknown(err, fleeterr.ReasonUnknownBatch, id)
	}
	if !b.Open() {
		return b, nil
	}
	b.Status = model.BatchClosed
	saved, err := p.batches.SaveBatch(ctx, b)
	if err != nil {
		return model.BatchPlan{}, store.AsConflict(err, "batch %s changed while closing", id)
	}
	p.log.Infof("batch %s closed", id)
	if p.bus != nil {
		p.bus.Publish(events.BatchClosed{BatchID: id})
	}
	return saved, nil
}

// List returns stored plans, optionally only the open ones.
func (p *Planner) List(ctx context.Context, openOnly bool) ([]model.BatchPlan, error) {
	plans, err := p.batches.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	if !openOnly {
		return plans, nil
	}
	out := plans[:0]
	for _, b := range plans {
		if b.Open() {
			out = append(out, b)
		}
	}
	return out, nil
}

// Get returns a plan with the current state of its jobs. Jobs removed from
// the store since the plan was made are left out.
func (p *Planner) Get(ctx context.Context, id string) (Plan, error) {
	b, err := p.batches.GetBatch(ctx, id)
	if err != nil {
		return Plan{}, store.AsUnknown(err, fleeterr.ReasonUnknownBatch, id)
	}
	plan := Plan{Batch: b, Jobs: make([]model.Job, 0, len(b.JobRefs))}
	for _, ref := range b.JobRefs {
		j, err := p.jobs.GetJob(ctx, ref)
		if errors.Is(err, store.ErrNotFound) {
			p.log.Warnf("batch %s references vanished job %s", id, ref)
			continue
		}
		if err != nil {
			return Plan{}, err
		}
		plan.Jobs = append(plan.Jobs, j)
	}
	return plan, nil
}
