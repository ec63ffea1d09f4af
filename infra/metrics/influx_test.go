package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/fleetjobs/core/metrics"
)

type lineServer struct {
	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func newLineServer(t *testing.T) *lineServer {
	t.Helper()
	ls := &lineServer{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ls.mu.Lock()
		ls.bodies = append(ls.bodies, strings.TrimSpace(string(b)))
		ls.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func (ls *lineServer) expect(t *testing.T, p *write.Point) {
	t.Helper()
	exp := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.bodies) != 1 || ls.bodies[0] != exp {
		t.Errorf("bodies: %#v, want %q", ls.bodies, exp)
	}
}

// expectLine compares against a literal line, for points without tags.
func (ls *lineServer) expectLine(t *testing.T, want string) {
	t.Helper()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.bodies) != 1 || ls.bodies[0] != want {
		t.Errorf("bodies: %#v, want %q", ls.bodies, want)
	}
}

func TestInfluxSink_RecordAssignment(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(ls.srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.AssignmentEvent{
		JobRef:        "r1",
		Driver:        "Dana Lee",
		From:          "Sam Ortiz",
		Outcome:       coremetrics.OutcomeAssigned,
		Override:      true,
		DistanceMiles: 4.12345,
		Time:          now,
	}
	if err := sink.RecordAssignment(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	ls.expect(t, write.NewPointWithMeasurement("assignment").
		AddTag("job_ref", "r1").
		AddTag("driver", "Dana Lee").
		AddTag("outcome", "assigned").
		AddTag("override", "true").
		AddTag("from_driver", "Sam Ortiz").
		AddField("distance_miles", 4.123).
		SetTime(now))
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}

func TestInfluxSink_RecordQueueDepth(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(ls.srv.URL, "token", "org", "bucket")
	now := time.Now()
	if err := sink.RecordQueueDepth(coremetrics.QueueDepthEvent{Driver: "D1", Depth: 3, Time: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	ls.expect(t, write.NewPointWithMeasurement("driver_queue").
		AddTag("driver", "D1").
		AddField("depth", 3).
		SetTime(now))
}

func TestInfluxSink_RecordPipelineRun(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(ls.srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.PipelineRunEvent{
		RunID:       "run-1",
		Trigger:     "schedule",
		Duration:    1500 * time.Millisecond,
		Assigned:    4,
		Approved:    1,
		IDsIssued:   8,
		FailedStage: "sequence",
		Time:        now,
	}
	if err := sink.RecordPipelineRun(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	ls.expect(t, write.NewPointWithMeasurement("pipeline_run").
		AddTag("trigger", "schedule").
		AddTag("skipped", "false").
		AddTag("run_id", "run-1").
		AddTag("failed_stage", "sequence").
		AddField("duration_ms", 1500.0).
		AddField("assigned", 4).
		AddField("approved", 1).
		AddField("ids_issued", 8).
		AddField("renumbered", 0).
		SetTime(now))
}

func TestInfluxSink_RecordCluster(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(ls.srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.ClusterEvent{Action: "approve", Clusters: 1, Jobs: 2, ClusterID: "C4", Time: now}
	if err := sink.RecordCluster(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	ls.expect(t, write.NewPointWithMeasurement("clustering").
		AddTag("action", "approve").
		AddTag("cluster_id", "C4").
		AddField("clusters", 1).
		AddField("jobs", 2).
		AddField("skipped", 0).
		SetTime(now))
}

func TestInfluxSink_RecordRedistribution(t *testing.T) {
	ls := newLineServer(t)
	sink := NewInfluxSink(ls.srv.URL, "token", "org", "bucket")
	now := time.Now()
	ev := coremetrics.RedistributionEvent{Moves: 2, InitialIdle: 3, FinalIdle: 1, Improvement: 2, StdDevBefore: 1.41421, StdDevAfter: 0.5, Time: now}
	if err := sink.RecordRedistribution(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	ls.expectLine(t, fmt.Sprintf(
		"redistribution moves=2i,initial_idle=3i,final_idle=1i,improvement=2i,stddev_before=1.414,stddev_after=0.5 %d",
		now.UnixNano()))
}
