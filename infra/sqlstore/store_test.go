package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "fleet.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Validation(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverSQLite}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestRebind(t *testing.T) {
	pg := dialects[DriverPostgres]
	if got := pg.rebind("UPDATE t SET a = ?, b = ? WHERE k = ?"); got != "UPDATE t SET a = $1, b = $2 WHERE k = $3" {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := dialects[DriverSQLite]
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite must keep ? placeholders, got %q", got)
	}
}

func TestSQLite_JobCAS(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	j, err := s.SaveJob(ctx, model.Job{Ref: "r1", CollectionPostcode: "AB1 2CD", CollectionDate: day, Status: model.JobPending})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if j.Version != 1 {
		t.Fatalf("expected version 1, got %d", j.Version)
	}
	if _, err := s.SaveJob(ctx, model.Job{Ref: "r1", Status: model.JobPending}); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	stale := j
	j.SelectedDriver = "Dana Lee"
	j.Sequence = 1
	j, err = s.SaveJob(ctx, j)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	stale.SelectedDriver = "Sam Ortiz"
	if _, err := s.SaveJob(ctx, stale); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected conflict on stale update, got %v", err)
	}
	if _, err := s.SaveJob(ctx, model.Job{Ref: "missing", Version: 4, Status: model.JobPending}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := s.GetJob(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SelectedDriver != "Dana Lee" || got.Version != 2 || !got.CollectionDate.Equal(day) {
		t.Fatalf("unexpected row %+v", got)
	}
	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLite_ListJobsFilter(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	for _, j := range []model.Job{
		{Ref: "J10", SelectedDriver: "D1", Status: model.JobPending},
		{Ref: "J2", SelectedDriver: "D1", Status: model.JobCompleted},
		{Ref: "J1", Status: model.JobPending, ClusterID: "C1", Leg: model.LegForward},
	} {
		if _, err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	all, err := s.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Ref != "J1" || all[2].Ref != "J10" {
		t.Fatalf("unexpected order %+v", all)
	}
	open, _ := s.ListJobs(ctx, store.JobFilter{Driver: "D1", OpenOnly: true})
	if len(open) != 1 || open[0].Ref != "J10" {
		t.Fatalf("unexpected filter result %+v", open)
	}
	un, _ := s.ListJobs(ctx, store.JobFilter{Unassigned: true})
	if len(un) != 1 || un[0].Ref != "J1" {
		t.Fatalf("unexpected unassigned %+v", un)
	}
	cl, _ := s.ListJobs(ctx, store.JobFilter{ClusterID: "C1"})
	if len(cl) != 1 || cl[0].Leg != model.LegForward {
		t.Fatalf("unexpected cluster filter %+v", cl)
	}
}

func TestSQLite_DriversAndBatches(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	for _, d := range []model.Driver{{Name: "Zoe"}, {Name: "Ann", Postcode: "X", Available: true, MaxPerDay: 4}} {
		if _, err := s.SaveDriver(ctx, d); err != nil {
			t.Fatalf("seed driver: %v", err)
		}
	}
	ds, err := s.ListDrivers(ctx)
	if err != nil {
		t.Fatalf("list drivers: %v", err)
	}
	if len(ds) != 2 || ds[0].Name != "Ann" || ds[0].MaxPerDay != 4 || ds[0].Version != 1 {
		t.Fatalf("unexpected drivers %+v", ds)
	}

	for _, id := range []string{"B10", "B2"} {
		b := model.BatchPlan{ID: id, Name: id, JobRefs: []string{"r1"}, ClusterIDs: []string{}, Status: model.BatchOpen}
		if _, err := s.SaveBatch(ctx, b); err != nil {
			t.Fatalf("seed batch: %v", err)
		}
	}
	bs, err := s.ListBatches(ctx)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(bs) != 2 || bs[0].ID != "B2" || bs[1].ID != "B10" {
		t.Fatalf("batches not in id order: %+v", bs)
	}
	b := bs[0]
	b.Status = model.BatchClosed
	if _, err := s.SaveBatch(ctx, b); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ := s.GetBatch(ctx, "B2")
	if got.Open() || got.Version != 2 {
		t.Fatalf("unexpected batch %+v", got)
	}
}

func TestSQLite_ConcurrentInsertHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveBatch(ctx, model.BatchPlan{ID: "B1", Status: model.BatchOpen})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrVersionConflict) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", wins)
	}
}
