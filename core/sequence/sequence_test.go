package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/model"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/logger"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

func seed(t *testing.T, s store.JobStore, jobs ...model.Job) {
	t.Helper()
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = model.JobPending
		}
		if _, err := s.SaveJob(context.Background(), j); err != nil {
			t.Fatalf("seed %s: %v", j.Ref, err)
		}
	}
}

func newEngine(t *testing.T, s store.JobStore) *Engine {
	t.Helper()
	e, err := NewEngine(s, logger.NopLogger{}, eventbus.New(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

// assertQueue checks sequences are 1..N with exactly one active job at 1.
func assertQueue(t *testing.T, s store.JobStore, driver string, wantRefs ...string) {
	t.Helper()
	jobs, err := s.ListJobs(context.Background(), store.JobFilter{Driver: driver, OpenOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != len(wantRefs) {
		t.Fatalf("expected %d open jobs, got %d", len(wantRefs), len(jobs))
	}
	bySeq := map[int]model.Job{}
	active := 0
	for _, j := range jobs {
		if _, dup := bySeq[j.Sequence]; dup {
			t.Fatalf("duplicate sequence %d", j.Sequence)
		}
		bySeq[j.Sequence] = j
		if j.Active {
			active++
			if j.Sequence != 1 || j.Status != model.JobActive {
				t.Fatalf("active job %s at sequence %d status %s", j.Ref, j.Sequence, j.Status)
			}
		}
	}
	if len(jobs) > 0 && active != 1 {
		t.Fatalf("expected exactly one active job, got %d", active)
	}
	for i, ref := range wantRefs {
		if bySeq[i+1].Ref != ref {
			t.Fatalf("sequence %d: want %s got %s", i+1, ref, bySeq[i+1].Ref)
		}
	}
}

func TestPlan_RenumbersGaps(t *testing.T) {
	out := Plan([]model.Job{
		{Ref: "J3", Sequence: 9},
		{Ref: "J1", Sequence: 2},
		{Ref: "J4"},
		{Ref: "J2", Sequence: 5},
		{Ref: "J5", Sequence: 1, Status: model.JobCompleted},
	})
	want := []string{"J1", "J2", "J3", "J4"}
	if len(out) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(out))
	}
	for i, ref := range want {
		if out[i].Ref != ref || out[i].Sequence != i+1 {
			t.Fatalf("position %d: got %s/%d", i, out[i].Ref, out[i].Sequence)
		}
	}
	if !out[0].Active || out[1].Active {
		t.Fatalf("only head should be active")
	}
}

// A stale active flag does not outrank a lower sequence.
func TestPlan_LowestSequenceLeads(t *testing.T) {
	out := Plan([]model.Job{
		{Ref: "J2", Sequence: 2, Active: true, Status: model.JobActive},
		{Ref: "J1", Sequence: 1},
		{Ref: "J3", Sequence: 3},
	})
	if out[0].Ref != "J1" || !out[0].Active || out[0].Status != model.JobActive {
		t.Fatalf("J1 should lead: %+v", out)
	}
	if out[1].Ref != "J2" || out[1].Active || out[1].Status != model.JobPending || out[1].Sequence != 2 {
		t.Fatalf("J2 should drop to second: %+v", out[1])
	}
}

func TestRecompute_ManualReorderSticks(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		model.Job{Ref: "J1", SelectedDriver: "D", Sequence: 1},
		model.Job{Ref: "J2", SelectedDriver: "D", Sequence: 2, Active: true, Status: model.JobActive},
		model.Job{Ref: "J3", SelectedDriver: "D", Sequence: 3},
	)
	e := newEngine(t, s)
	res, err := e.Recompute(context.Background(), "D")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if res.ActiveRef != "J1" {
		t.Fatalf("active head = %s, want J1", res.ActiveRef)
	}
	assertQueue(t, s, "D", "J1", "J2", "J3")
}

func TestRecompute_WritesQueue(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		model.Job{Ref: "J1", SelectedDriver: "D1", Sequence: 4},
		model.Job{Ref: "J2", SelectedDriver: "D1", Sequence: 2},
		model.Job{Ref: "J3", SelectedDriver: "D2", Sequence: 7},
	)
	e := newEngine(t, s)
	res, err := e.Recompute(context.Background(), "D1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if res.Depth != 2 || res.ActiveRef != "J2" || res.Renumbered != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	assertQueue(t, s, "D1", "J2", "J1")
	other, _ := s.GetJob(context.Background(), "J3")
	if other.Sequence != 7 {
		t.Fatalf("other driver touched")
	}
	again, err := e.Recompute(context.Background(), "D1")
	if err != nil || again.Renumbered != 0 {
		t.Fatalf("second pass should be a no-op: %+v %v", again, err)
	}
}

// Completing the active job promotes the next one.
func TestComplete_PromotesNext(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		model.Job{Ref: "J1", SelectedDriver: "D1", Sequence: 1, Active: true, Status: model.JobActive},
		model.Job{Ref: "J2", SelectedDriver: "D1", Sequence: 2},
		model.Job{Ref: "J3", SelectedDriver: "D1", Sequence: 3},
	)
	e := newEngine(t, s)
	done, err := e.Complete(context.Background(), "J1", "D1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Completed() || done.Active || done.CompletedAt.IsZero() {
		t.Fatalf("unexpected completed job %+v", done)
	}
	assertQueue(t, s, "D1", "J2", "J3")

	if _, err := e.Complete(context.Background(), "J1", "D1"); err != nil {
		t.Fatalf("completing twice should be a no-op: %v", err)
	}
}

func TestComplete_DriverMismatch(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, model.Job{Ref: "J1", SelectedDriver: "D1", Sequence: 1, Active: true, Status: model.JobActive})
	e := newEngine(t, s)
	_, err := e.Complete(context.Background(), "J1", "D2")
	if fleeterr.ReasonOf(err) != fleeterr.ReasonDriverMismatch || !fleeterr.IsKind(err, fleeterr.KindValidation) {
		t.Fatalf("expected driver mismatch, got %v", err)
	}
	j, _ := s.GetJob(context.Background(), "J1")
	if j.Completed() {
		t.Fatalf("job completed despite mismatch")
	}
	if _, err := e.Complete(context.Background(), "missing", "D1"); fleeterr.ReasonOf(err) != fleeterr.ReasonUnknownJob {
		t.Fatalf("expected unknown job, got %v", err)
	}
}

type failingSaves struct {
	*store.MemoryStore
	failOn string
}

func (f *failingSaves) SaveJob(ctx context.Context, j model.Job) (model.Job, error) {
	if j.Ref == f.failOn {
		return model.Job{}, errors.New("disk full")
	}
	return f.MemoryStore.SaveJob(ctx, j)
}

func TestRecompute_RestoresOnFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	seed(t, mem,
		model.Job{Ref: "J1", SelectedDriver: "D1", Sequence: 5},
		model.Job{Ref: "J2", SelectedDriver: "D1", Sequence: 6},
	)
	s := &failingSaves{MemoryStore: mem, failOn: "J2"}
	e := newEngine(t, s)
	if _, err := e.Recompute(context.Background(), "D1"); err == nil {
		t.Fatalf("expected failure")
	}
	j1, _ := mem.GetJob(context.Background(), "J1")
	if j1.Sequence != 5 || j1.Active {
		t.Fatalf("J1 not restored: %+v", j1)
	}
}

func TestEnforceAll(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s,
		model.Job{Ref: "J1", SelectedDriver: "D1", Sequence: 3},
		model.Job{Ref: "J2", SelectedDriver: "D2", Sequence: 2},
		model.Job{Ref: "J3", SelectedDriver: "D2", Sequence: 2},
		model.Job{Ref: "J4"},
	)
	e := newEngine(t, s)
	rep, err := e.EnforceAll(context.Background())
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if len(rep.Drivers) != 2 || rep.Renumbered != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	assertQueue(t, s, "D1", "J1")
	assertQueue(t, s, "D2", "J2", "J3")
}
