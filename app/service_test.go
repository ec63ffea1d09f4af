package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetjobs/config"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/model"
	coremqtt "github.com/kilianp07/fleetjobs/core/mqtt"
	"github.com/kilianp07/fleetjobs/core/runlog"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/logger"
	"github.com/kilianp07/fleetjobs/infra/mqtt"
)

var points = map[string]geo.Point{
	"X":  {Lat: 0, Lng: 0},
	"X2": {Lat: 0.01, Lng: 0},
	"Y":  {Lat: 0.1, Lng: 0},
	"Z":  {Lat: 2, Lng: 0},
}

var table = geo.GeocoderFunc(func(_ context.Context, pc string) (geo.Point, error) {
	p, ok := points[pc]
	if !ok {
		return geo.Point{}, fmt.Errorf("unknown postcode %s", pc)
	}
	return p, nil
})

func newService(t *testing.T, mutate func(*config.Config)) (*Service, *mqtt.MockPublisher) {
	t.Helper()
	cfg := config.Default()
	cfg.RunLog = runlog.Config{Backend: "jsonl", Path: filepath.Join(t.TempDir(), "runs.jsonl")}
	if mutate != nil {
		mutate(cfg)
	}
	pub := mqtt.NewMockPublisher()
	svc, err := New(context.Background(), cfg, Options{
		Store:     store.NewMemoryStore(),
		Geocoder:  table,
		Publisher: pub,
		Log:       logger.NopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, pub
}

func seed(t *testing.T, s *Service, drivers []model.Driver, jobs []model.Job) {
	t.Helper()
	ctx := context.Background()
	for _, d := range drivers {
		_, err := s.Store.SaveDriver(ctx, d)
		require.NoError(t, err)
	}
	for _, j := range jobs {
		j.Status = model.JobPending
		_, err := s.Store.SaveJob(ctx, j)
		require.NoError(t, err)
	}
}

func TestService_PipelineForwardsAndBatches(t *testing.T) {
	svc, pub := newService(t, func(c *config.Config) {
		c.Pipeline.Run.AutoApprove = true
		c.Pipeline.Run.MinScore = 0.5
	})
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	seed(t, svc,
		[]model.Driver{{Name: "Dana Lee", Postcode: "X", Available: true, MaxPerDay: 5}},
		[]model.Job{
			{Ref: "r1", CollectionPostcode: "X", DeliveryPostcode: "Y", CollectionDate: day},
			{Ref: "r2", CollectionPostcode: "Y", DeliveryPostcode: "X", CollectionDate: day},
		})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	rep, err := svc.RunPipeline(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Approved)
	assert.Equal(t, 2, rep.Assigned)
	assert.False(t, svc.PipelineRunning())

	jobs, err := svc.ListJobs(ctx, store.JobFilter{Driver: "Dana Lee"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	clusterID := jobs[0].ClusterID
	require.NotEmpty(t, clusterID)

	plan, err := svc.CreateBatchPlan(ctx, "Monday", []string{clusterID}, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Jobs, 2)

	assert.Eventually(t, func() bool {
		kinds := map[string]int{}
		for _, m := range pub.Sent() {
			kinds[m.Kind]++
		}
		return kinds[coremqtt.KindAssignment] >= 2 && kinds[coremqtt.KindBatch] == 1
	}, time.Second, 5*time.Millisecond)

	plans, err := svc.ExportPlans(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, plan.Batch.ID, plans[0].Batch.ID)

	runs, err := svc.QueryRuns(ctx, runlog.Query{Kind: runlog.KindPipeline})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].RunID)
}

func TestService_BatchAssignAndRedistributeAreLogged(t *testing.T) {
	svc, _ := newService(t, nil)
	seed(t, svc,
		[]model.Driver{
			{Name: "Dana Lee", Postcode: "X", Available: true, MaxPerDay: 5},
			{Name: "Sam Ortiz", Postcode: "X2", Available: true, MaxPerDay: 5},
		},
		[]model.Job{
			{Ref: "r1", CollectionPostcode: "X", DeliveryPostcode: "Y"},
			{Ref: "r2", CollectionPostcode: "X", DeliveryPostcode: "Y"},
			{Ref: "r3", CollectionPostcode: "X2", DeliveryPostcode: "Y"},
		})
	ctx := context.Background()

	br, err := svc.BatchAssignDriver(ctx, []string{"r1", "r2", "r3"}, "Dana Lee", false)
	require.NoError(t, err)
	assert.Equal(t, 3, br.SuccessCount)

	rr, err := svc.RedistributeJobs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rr.Moves)
	assert.Equal(t, "Sam Ortiz", rr.Moves[0].To)
	assert.Equal(t, 1, rr.Improvement)

	runs, err := svc.QueryRuns(ctx, runlog.Query{Driver: "Sam Ortiz"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.KindRedistribute, runs[0].Kind)
	assert.Equal(t, len(rr.Moves), runs[0].Counts["moves"])

	runs, err = svc.QueryRuns(ctx, runlog.Query{Kind: runlog.KindBatchAssign})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Counts["assigned"])
}

func TestService_UnknownReferences(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	_, err := svc.GetJob(ctx, "nope")
	assert.True(t, fleeterr.IsKind(err, fleeterr.KindValidation))
	assert.Equal(t, fleeterr.ReasonUnknownJob, fleeterr.ReasonOf(err))

	_, err = svc.RecomputeDriver(ctx, "Nobody")
	assert.Equal(t, fleeterr.ReasonUnknownDriver, fleeterr.ReasonOf(err))
}

func TestService_DefaultsWithoutRunLog(t *testing.T) {
	svc, err := New(context.Background(), nil, Options{Log: logger.NopLogger{}})
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()
	assert.Nil(t, svc.RunLog)
	assert.Nil(t, svc.Forwarder, "mqtt is disabled by default")
	require.NoError(t, svc.Ready(context.Background()))

	runs, err := svc.QueryRuns(context.Background(), runlog.Query{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestService_SQLiteBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "fleet.db")}
	cfg.Store.SetDefaults()
	svc, err := New(context.Background(), cfg, Options{Geocoder: table, Log: logger.NopLogger{}})
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()
	require.NoError(t, svc.Ready(context.Background()))

	seed(t, svc, []model.Driver{{Name: "Dana Lee", Postcode: "X", Available: true, MaxPerDay: 2}},
		[]model.Job{{Ref: "r1", CollectionPostcode: "X", DeliveryPostcode: "Y"}})
	res, err := svc.AutoAssign(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Dana Lee", res.Driver)
	assert.Equal(t, 1, res.Sequence)
}
