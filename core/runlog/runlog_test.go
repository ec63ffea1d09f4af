package runlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sample(kind string, ts time.Time, drivers ...string) Record {
	return Record{
		Timestamp:  ts,
		RunID:      kind + "-" + ts.Format("150405"),
		Kind:       kind,
		DurationMS: 12,
		Counts:     map[string]int{"assigned": 2},
		Drivers:    drivers,
	}
}

func TestRecord_JSON(t *testing.T) {
	data, err := json.Marshal(sample(KindPipeline, time.Unix(0, 0), "D1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"timestamp", "run_id", "kind", "duration_ms", "counts", "drivers"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing key %s", k)
		}
	}
}

func TestQuery_Match(t *testing.T) {
	now := time.Now()
	r := sample(KindRedistribute, now, "D1", "D2")
	cases := []struct {
		q    Query
		want bool
	}{
		{Query{}, true},
		{Query{Kind: KindPipeline}, false},
		{Query{Driver: "D2"}, true},
		{Query{Driver: "D9"}, false},
		{Query{Start: now.Add(time.Second)}, false},
		{Query{End: now.Add(-time.Second)}, false},
	}
	for i, c := range cases {
		if got := c.q.Match(r); got != c.want {
			t.Errorf("case %d: got %v want %v", i, got, c.want)
		}
	}
}

func TestJSONLStore_AppendQuery(t *testing.T) {
	store, err := NewJSONLStore(filepath.Join(t.TempDir(), "runs.jsonl"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	_ = store.Append(ctx, sample(KindPipeline, now, "D1"))
	_ = store.Append(ctx, sample(KindRedistribute, now, "D2"))
	out, err := store.Query(ctx, Query{Kind: KindRedistribute})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 || out[0].Drivers[0] != "D2" {
		t.Fatalf("unexpected records %#v", out)
	}
}

func TestRotatingJSONLStore_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	store, err := NewRotatingJSONLStore(path, 1, 3, 1)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()
	rec := sample(KindPipeline, time.Now())
	rec.Error = strings.Repeat("x", 64*1024)
	for i := 0; i < 20; i++ {
		if err := store.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	files, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "runs*"))
	if len(files) < 2 {
		t.Fatalf("expected rotated files, got %v", files)
	}
	out, err := store.Query(context.Background(), Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected records")
	}
}

func TestSQLiteStore_PersistQuery(t *testing.T) {
	store, err := NewSQLiteStore("file:runlog.db?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	now := time.Now()
	if err := store.Append(ctx, sample(KindPipeline, now, "v1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, sample(KindBatchAssign, now.Add(time.Second), "v2")); err != nil {
		t.Fatalf("append: %v", err)
	}
	out, err := store.Query(ctx, Query{Driver: "v1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	out, err = store.Query(ctx, Query{Kind: KindBatchAssign})
	if err != nil || len(out) != 1 {
		t.Fatalf("kind filter: %v %d", err, len(out))
	}
}

func TestNew_Backends(t *testing.T) {
	s, err := New(Config{})
	if err != nil || s != nil {
		t.Fatalf("disabled backend should be nil, got %v %v", s, err)
	}
	if _, err := New(Config{Backend: "tape"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	s, err = New(Config{Backend: "jsonl", Path: filepath.Join(t.TempDir(), "r.jsonl")})
	if err != nil || s == nil {
		t.Fatalf("jsonl: %v", err)
	}
	_ = s.Close()
}
