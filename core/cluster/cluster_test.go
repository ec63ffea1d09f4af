package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetjobs/core/events"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/logger"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

var points = map[string]geo.Point{
	"X":  {Lat: 0, Lng: 0},
	"X2": {Lat: 0.01, Lng: 0},
	"Y":  {Lat: 0.5, Lng: 0},
	"P":  {Lat: 5, Lng: 0},
	"Q":  {Lat: 5.5, Lng: 0},
	"Q2": {Lat: 5.55, Lng: 0},
}

var table = geo.GeocoderFunc(func(_ context.Context, pc string) (geo.Point, error) {
	p, ok := points[pc]
	if !ok {
		return geo.Point{}, fmt.Errorf("unknown postcode %s", pc)
	}
	return p, nil
})

var day = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func job(ref, from, to string, offsetDays int) model.Job {
	d := day.AddDate(0, 0, offsetDays)
	return model.Job{Ref: ref, CollectionPostcode: from, DeliveryPostcode: to, CollectionDate: d, DeliveryDate: d, Status: model.JobPending}
}

func newEngine(t *testing.T, cfg Config, jobs ...model.Job) (*Engine, *store.MemoryStore, *eventbus.Bus) {
	t.Helper()
	s := store.NewMemoryStore()
	for _, j := range jobs {
		_, err := s.SaveJob(context.Background(), j)
		require.NoError(t, err)
	}
	bus := eventbus.New()
	e, err := NewEngine(cfg, s, table, logger.NopLogger{}, bus, nil)
	require.NoError(t, err)
	return e, s, bus
}

func TestNewEngine_NilParams(t *testing.T) {
	_, err := NewEngine(Config{}, nil, table, logger.NopLogger{}, nil, nil)
	assert.Error(t, err)
}

func TestSuggestAndApprove_RoundTrip(t *testing.T) {
	e, s, bus := newEngine(t, Config{}, job("J1", "X", "Y", 0), job("J2", "Y", "X", 0))
	ctx := context.Background()
	sub := bus.Subscribe()

	sug, err := e.Suggest(ctx)
	require.NoError(t, err)
	require.Len(t, sug.Clusters, 1)
	c := sug.Clusters[0]
	assert.Equal(t, "C1", c.ID)
	assert.Equal(t, []string{"J1", "J2"}, c.Members)
	assert.Equal(t, 1.0, c.Score)
	assert.Zero(t, c.DetourMiles)

	j1, _ := s.GetJob(ctx, "J1")
	assert.Equal(t, int64(1), j1.Version, "suggest must not write")

	res, err := e.Approve(ctx, c.ID, []string{"J2", "J1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)

	j1, _ = s.GetJob(ctx, "J1")
	j2, _ := s.GetJob(ctx, "J2")
	assert.Equal(t, model.LegForward, j1.Leg)
	assert.Equal(t, model.LegReturn, j2.Leg)
	assert.Equal(t, "C1", j1.ClusterID)
	assert.Equal(t, "C1", j2.ClusterID)

	ev := (<-sub).(events.ClusterApproved)
	assert.Equal(t, "C1", ev.ClusterID)

	again, err := e.Approve(ctx, "C1", []string{"J1", "J2"})
	require.NoError(t, err)
	assert.Zero(t, again.Updated)
	j1b, _ := s.GetJob(ctx, "J1")
	assert.Equal(t, j1.Version, j1b.Version)

	sug, err = e.Suggest(ctx)
	require.NoError(t, err)
	assert.Empty(t, sug.Clusters)
}

func TestSuggest_DateGapTooWide(t *testing.T) {
	e, _, _ := newEngine(t, Config{}, job("J1", "X", "Y", 0), job("J2", "Y", "X", 4))
	sug, err := e.Suggest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sug.Clusters)
}

func TestSuggest_MissingDatesAreCompatible(t *testing.T) {
	a := job("J1", "X", "Y", 0)
	b := job("J2", "Y", "X", 0)
	b.CollectionDate, b.DeliveryDate = time.Time{}, time.Time{}
	e, _, _ := newEngine(t, Config{}, a, b)
	sug, err := e.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, sug.Clusters, 1)
	assert.Equal(t, 0.85, sug.Clusters[0].Score)
}

func TestSuggest_SkipsUnresolvable(t *testing.T) {
	e, _, _ := newEngine(t, Config{},
		job("J1", "X", "Y", 0), job("J2", "Y", "X", 0), job("J3", "NOWHERE", "X", 0))
	sug, err := e.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, sug.Skipped, 1)
	assert.Equal(t, "J3", sug.Skipped[0].JobRef)
	assert.Len(t, sug.Clusters, 1)
}

func TestSuggest_RankedAndNumberedAfterExisting(t *testing.T) {
	c7a := job("J9", "P", "Q", 0)
	c7a.ClusterID, c7a.Leg = "C7", model.LegForward
	c7b := job("J10", "Q", "P", 0)
	c7b.ClusterID, c7b.Leg = "C7", model.LegReturn
	e, _, _ := newEngine(t, Config{},
		job("J3", "P", "Q", 0), job("J4", "Q2", "P", 0),
		job("J1", "X", "Y", 0), job("J2", "Y", "X", 0),
		c7a, c7b,
	)
	sug, err := e.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, sug.Clusters, 2)
	assert.Equal(t, "C8", sug.Clusters[0].ID)
	assert.Equal(t, []string{"J1", "J2"}, sug.Clusters[0].Members)
	assert.Equal(t, "C9", sug.Clusters[1].ID)
	assert.Equal(t, []string{"J3", "J4"}, sug.Clusters[1].Members)
	assert.Less(t, sug.Clusters[1].Score, sug.Clusters[0].Score)
	assert.InDelta(t, 3.45, sug.Clusters[1].DetourMiles, 0.05)
}

func TestSuggest_NumbersAfterBatchedClusters(t *testing.T) {
	e, s, _ := newEngine(t, Config{}, job("J1", "X", "Y", 0), job("J2", "Y", "X", 0))
	_, err := s.SaveBatch(context.Background(), model.BatchPlan{ID: "B1", Name: "Monday", JobRefs: []string{"J5"}, ClusterIDs: []string{"C4"}, Status: model.BatchClosed})
	require.NoError(t, err)

	sug, err := e.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, sug.Clusters, 1)
	assert.Equal(t, "C5", sug.Clusters[0].ID)
}

func TestSuggest_ExtendsToLargerGroups(t *testing.T) {
	jobs := []model.Job{job("J1", "X", "Y", 0), job("J2", "Y", "X", 0), job("J3", "X2", "X", 0)}

	e, _, _ := newEngine(t, Config{}, jobs...)
	sug, err := e.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, sug.Clusters, 1)
	assert.Equal(t, []string{"J1", "J2", "J3"}, sug.Clusters[0].Members, "groups are uncapped by default")

	e, _, _ = newEngine(t, Config{MaxClusterSize: 2}, jobs...)
	sug, err = e.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, sug.Clusters, 1)
	assert.Equal(t, []string{"J1", "J2"}, sug.Clusters[0].Members)
}

func TestApprove_Validation(t *testing.T) {
	e, _, _ := newEngine(t, Config{}, job("J1", "X", "Y", 0), job("J2", "Y", "X", 0))
	ctx := context.Background()

	_, err := e.Approve(ctx, "C1", []string{"J1"})
	assert.Equal(t, fleeterr.ReasonInvalidInput, fleeterr.ReasonOf(err))

	_, err = e.Approve(ctx, "C1", []string{"J1", "J1"})
	assert.Equal(t, fleeterr.ReasonInvalidInput, fleeterr.ReasonOf(err))

	_, err = e.Approve(ctx, "", []string{"J1", "J2"})
	assert.True(t, fleeterr.IsKind(err, fleeterr.KindValidation))

	_, err = e.Approve(ctx, "C1", []string{"J1", "J404"})
	assert.Equal(t, fleeterr.ReasonUnknownJob, fleeterr.ReasonOf(err))
}

func TestApprove_AlreadyClusteredElsewhere(t *testing.T) {
	e, s, _ := newEngine(t, Config{}, job("J1", "X", "Y", 0), job("J2", "Y", "X", 0), job("J3", "Y", "X", 0))
	ctx := context.Background()
	_, err := e.Approve(ctx, "C1", []string{"J1", "J2"})
	require.NoError(t, err)

	_, err = e.Approve(ctx, "C2", []string{"J3", "J1"})
	require.Error(t, err)
	assert.True(t, fleeterr.IsKind(err, fleeterr.KindConflict))
	assert.Equal(t, fleeterr.ReasonAlreadyClustered, fleeterr.ReasonOf(err))

	j3, _ := s.GetJob(ctx, "J3")
	assert.False(t, j3.Clustered(), "no member is written when one is rejected")
}

func TestApprove_NewMembershipSupersedesOnNewMembersOnly(t *testing.T) {
	e, s, _ := newEngine(t, Config{}, job("J1", "X", "Y", 0), job("J2", "Y", "X", 0), job("J3", "Y", "X", 0))
	ctx := context.Background()
	_, err := e.Approve(ctx, "C1", []string{"J1", "J2"})
	require.NoError(t, err)

	res, err := e.Approve(ctx, "C1", []string{"J1", "J3"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	j2, _ := s.GetJob(ctx, "J2")
	j3, _ := s.GetJob(ctx, "J3")
	assert.Equal(t, "C1", j2.ClusterID)
	assert.Equal(t, model.LegReturn, j3.Leg)
	assert.NoError(t, j3.Validate())
}

// casStore loses the compare-and-set for one ref.
type casStore struct {
	*store.MemoryStore
	lose string
}

func (c *casStore) SaveJob(ctx context.Context, j model.Job) (model.Job, error) {
	if j.Ref == c.lose {
		return model.Job{}, store.ErrVersionConflict
	}
	return c.MemoryStore.SaveJob(ctx, j)
}

func TestApprove_RollsBackOnConflict(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	for _, j := range []model.Job{job("J1", "X", "Y", 0), job("J2", "Y", "X", 0)} {
		_, err := mem.SaveJob(ctx, j)
		require.NoError(t, err)
	}
	e, err := NewEngine(Config{}, &casStore{MemoryStore: mem, lose: "J2"}, table, logger.NopLogger{}, nil, nil)
	require.NoError(t, err)

	_, err = e.Approve(ctx, "C1", []string{"J1", "J2"})
	require.Error(t, err)
	assert.True(t, fleeterr.IsKind(err, fleeterr.KindConflict))

	j1, _ := mem.GetJob(ctx, "J1")
	assert.False(t, j1.Clustered())
	assert.Equal(t, model.LegNone, j1.Leg)
}

func TestApproveAll_MinScore(t *testing.T) {
	e, s, _ := newEngine(t, Config{},
		job("J1", "X", "Y", 0), job("J2", "Y", "X", 0),
		job("J3", "P", "Q", 0), job("J4", "Q2", "P", 0),
	)
	ctx := context.Background()
	sug, err := e.Suggest(ctx)
	require.NoError(t, err)
	n, failures := e.ApproveAll(ctx, sug, 0.95)
	assert.Equal(t, 1, n)
	assert.Empty(t, failures)
	j3, _ := s.GetJob(ctx, "J3")
	assert.False(t, j3.Clustered())
}

func TestDateGapDays(t *testing.T) {
	a := job("A", "X", "Y", 0)
	b := job("B", "Y", "X", 2)
	gap, known := DateGapDays(a, b)
	assert.True(t, known)
	assert.Equal(t, 2, gap)
	gap, _ = DateGapDays(b, a)
	assert.Equal(t, 2, gap)

	long := job("L", "X", "Y", 0)
	long.DeliveryDate = day.AddDate(0, 0, 3)
	gap, _ = DateGapDays(long, b)
	assert.Zero(t, gap)
}
