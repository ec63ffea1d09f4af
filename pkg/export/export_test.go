package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/core/model"
)

func samplePlans() []batch.Plan {
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	return []batch.Plan{{
		Batch: model.BatchPlan{ID: "B1", Name: "Monday", Status: model.BatchOpen},
		Jobs: []model.Job{
			{Ref: "r1", ID: "J1", OrderNo: "DL-1", SelectedDriver: "Dana Lee", Sequence: 1, Active: true,
				ClusterID: "C1", Leg: model.LegForward, CollectionPostcode: "X", DeliveryPostcode: "Y",
				CollectionDate: day, Status: model.JobActive},
			{Ref: "r2", Status: model.JobPending},
		},
	}}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, samplePlans()); err != nil {
		t.Fatalf("write: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(recs))
	}
	want := []string{"B1", "Monday", "r1", "J1", "DL-1", "Dana Lee", "1", "true", "C1", "Forward", "X", "Y", "2026-05-04", "", "active"}
	for i, v := range want {
		if recs[1][i] != v {
			t.Fatalf("column %s: got %q want %q", Header[i], recs[1][i], v)
		}
	}
	if recs[2][6] != "" || recs[2][12] != "" {
		t.Fatalf("unset sequence and date must be empty: %v", recs[2])
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, samplePlans()); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out []batch.Plan
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Batch.ID != "B1" || len(out[0].Jobs) != 2 {
		t.Fatalf("unexpected plans %+v", out)
	}
}
