package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/logger"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

func newPlanner(t *testing.T) (*Planner, *store.MemoryStore, *eventbus.Bus) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	jobs := []model.Job{
		{Ref: "r1", ID: "J1", ClusterID: "C1", Leg: model.LegForward},
		{Ref: "r2", ID: "J2", ClusterID: "C1", Leg: model.LegReturn},
		{Ref: "r3", ID: "J3"},
		{Ref: "r4"},
	}
	for _, j := range jobs {
		j.Status = model.JobPending
		_, err := s.SaveJob(ctx, j)
		require.NoError(t, err)
	}
	bus := eventbus.New()
	p, err := NewPlanner(s, s, logger.NopLogger{}, bus)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }
	return p, s, bus
}

func TestCreate_ExpandsClustersAndJobs(t *testing.T) {
	p, _, bus := newPlanner(t)
	sub := bus.Subscribe()
	plan, err := p.Create(context.Background(), " Monday run ", []string{"C1", "C1"}, []string{"J3", "r2"})
	require.NoError(t, err)

	assert.Equal(t, "B1", plan.Batch.ID)
	assert.Equal(t, "Monday run", plan.Batch.Name)
	assert.Equal(t, []string{"C1"}, plan.Batch.ClusterIDs)
	assert.Equal(t, []string{"r1", "r2", "r3"}, plan.Batch.JobRefs)
	assert.Equal(t, model.BatchOpen, plan.Batch.Status)
	assert.Len(t, plan.Jobs, 3)

	ev := (<-sub).(events.BatchCreated)
	assert.Equal(t, "B1", ev.Batch.ID)
}

func TestCreate_Validation(t *testing.T) {
	p, _, _ := newPlanner(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "", nil, []string{"r1"})
	assert.Equal(t, fleeterr.ReasonInvalidInput, fleeterr.ReasonOf(err))

	_, err = p.Create(ctx, "x", nil, nil)
	assert.Equal(t, fleeterr.ReasonEmptyBatch, fleeterr.ReasonOf(err))

	_, err = p.Create(ctx, "x", []string{"C9"}, nil)
	assert.Equal(t, fleeterr.ReasonUnknownCluster, fleeterr.ReasonOf(err))

	_, err = p.Create(ctx, "x", nil, []string{"J404"})
	assert.Equal(t, fleeterr.ReasonUnknownJob, fleeterr.ReasonOf(err))
	assert.True(t, fleeterr.IsKind(err, fleeterr.KindValidation))
}

func TestCreate_AlreadyBatched(t *testing.T) {
	p, _, _ := newPlanner(t)
	ctx := context.Background()
	_, err := p.Create(ctx, "first", []string{"C1"}, nil)
	require.NoError(t, err)

	_, err = p.Create(ctx, "second", nil, []string{"r3", "r2"})
	require.Error(t, err)
	assert.True(t, fleeterr.IsKind(err, fleeterr.KindConstraint))
	assert.Equal(t, fleeterr.ReasonAlreadyBatched, fleeterr.ReasonOf(err))

	_, err = p.Close(ctx, "B1")
	require.NoError(t, err)
	plan, err := p.Create(ctx, "second", nil, []string{"r3", "r2"})
	require.NoError(t, err)
	assert.Equal(t, "B2", plan.Batch.ID, "ids continue past closed plans")
}

func TestCreate_ConcurrentDisjoint(t *testing.T) {
	p, _, _ := newPlanner(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ref := range []string{"r3", "r4"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = p.Create(ctx, ref, nil, []string{ref})
		}(i, ref)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	plans, err := p.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.NotEqual(t, plans[0].ID, plans[1].ID)
}

func TestCloseAndGet(t *testing.T) {
	p, _, _ := newPlanner(t)
	ctx := context.Background()
	_, err := p.Create(ctx, "x", nil, []string{"r3"})
	require.NoError(t, err)

	got, err := p.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "J3", got.Jobs[0].ID)

	closed, err := p.Close(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchClosed, closed.Status)
	again, err := p.Close(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, closed.Version, again.Version)

	open, err := p.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = p.Close(ctx, "B9")
	assert.Equal(t, fleeterr.ReasonUnknownBatch, fleeterr.ReasonOf(err))
}
