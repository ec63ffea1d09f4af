package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kilianp07/fleetjobs/core/model"
)

// MemoryStore keeps all records in process memory. It is safe for
// concurrent use and is the default backend for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]model.Job
	drivers map[string]model.Driver
	batches map[string]model.BatchPlan
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    map[string]model.Job{},
		drivers: map[string]model.Driver{},
		batches: map[string]model.BatchPlan{},
	}
}

func (s *MemoryStore) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Match(j) {
			res = append(res, j)
		}
	}
	model.SortJobs(res)
	return res, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, ref string) (model.Job, error) {
	if err := ctx.Err(); err != nil {
		return model.Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[ref]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job model.Job) (model.Job, error) {
	if err := ctx.Err(); err != nil {
		return model.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.Ref]
	if err := checkVersion(ok, cur.Version, job.Version); err != nil {
		return model.Job{}, err
	}
	job.Version++
	s.jobs[job.Ref] = job
	return job, nil
}

func (s *MemoryStore) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Driver, 0, len(s.drivers))
	for _, d := range s.drivers {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) GetDriver(ctx context.Context, name string) (model.Driver, error) {
	if err := ctx.Err(); err != nil {
		return model.Driver{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[name]
	if !ok {
		return model.Driver{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) SaveDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	if err := ctx.Err(); err != nil {
		return model.Driver{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.drivers[d.Name]
	if err := checkVersion(ok, cur.Version, d.Version); err != nil {
		return model.Driver{}, err
	}
	d.Version++
	s.drivers[d.Name] = d
	return d, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context) ([]model.BatchPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.BatchPlan, 0, len(s.batches))
	for _, b := range s.batches {
		res = append(res, cloneBatch(b))
	}
	sort.Slice(res, func(i, j int) bool { return model.CompareRefs(res[i].ID, res[j].ID) < 0 })
	return res, nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (model.BatchPlan, error) {
	if err := ctx.Err(); err != nil {
		return model.BatchPlan{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return model.BatchPlan{}, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, b model.BatchPlan) (model.BatchPlan, error) {
	if err := ctx.Err(); err != nil {
		return model.BatchPlan{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.batches[b.ID]
	if err := checkVersion(ok, cur.Version, b.Version); err != nil {
		return model.BatchPlan{}, err
	}
	b = cloneBatch(b)
	b.Version++
	s.batches[b.ID] = b
	return cloneBatch(b), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func checkVersion(exists bool, stored, given int64) error {
	switch {
	case given == 0 && exists:
		return ErrVersionConflict
	case given != 0 && !exists:
		return ErrNotFound
	case exists && stored != given:
		return ErrVersionConflict
	}
	return nil
}

func cloneBatch(b model.BatchPlan) model.BatchPlan {
	b.ClusterIDs = append([]string(nil), b.ClusterIDs...)
	b.JobRefs = append([]string(nil), b.JobRefs...)
	return b
}
