package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/infra/logger"
)

// InfluxSink writes engine events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordAssignment writes one assignment attempt.
func (s *InfluxSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	p := write.NewPointWithMeasurement("assignment").
		AddTag("job_ref", ev.JobRef).
		AddTag("driver", ev.Driver).
		AddTag("outcome", ev.Outcome).
		AddTag("override", strconv.FormatBool(ev.Override))
	if ev.From != "" {
		p = p.AddTag("from_driver", ev.From)
	}
	p = p.AddField("distance_miles", round3(ev.DistanceMiles)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordQueueDepth writes a driver queue snapshot.
func (s *InfluxSink) RecordQueueDepth(ev coremetrics.QueueDepthEvent) error {
	p := write.NewPointWithMeasurement("driver_queue").
		AddTag("driver", ev.Driver).
		AddField("depth", ev.Depth).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordCluster writes a clustering pass or approval.
func (s *InfluxSink) RecordCluster(ev coremetrics.ClusterEvent) error {
	p := write.NewPointWithMeasurement("clustering").
		AddTag("action", ev.Action)
	if ev.ClusterID != "" {
		p = p.AddTag("cluster_id", ev.ClusterID)
	}
	p = p.AddField("clusters", ev.Clusters).
		AddField("jobs", ev.Jobs).
		AddField("skipped", ev.Skipped).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordPipelineRun writes a run summary.
func (s *InfluxSink) RecordPipelineRun(ev coremetrics.PipelineRunEvent) error {
	p := write.NewPointWithMeasurement("pipeline_run").
		AddTag("trigger", ev.Trigger).
		AddTag("skipped", strconv.FormatBool(ev.Skipped))
	if ev.RunID != "" {
		p = p.AddTag("run_id", ev.RunID)
	}
	if ev.FailedStage != "" {
		p = p.AddTag("failed_stage", ev.FailedStage)
	}
	p = p.AddField("duration_ms", round3(ev.Duration.Seconds()*1000)).
		AddField("assigned", ev.Assigned).
		AddField("approved", ev.Approved).
		AddField("ids_issued", ev.IDsIssued).
		AddField("renumbered", ev.Renumbered).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordRedistribution writes a rebalance summary.
func (s *InfluxSink) RecordRedistribution(ev coremetrics.RedistributionEvent) error {
	p := write.NewPointWithMeasurement("redistribution").
		AddField("moves", ev.Moves).
		AddField("initial_idle", ev.InitialIdle).
		AddField("final_idle", ev.FinalIdle).
		AddField("improvement", ev.Improvement).
		AddField("stddev_before", round3(ev.StdDevBefore)).
		AddField("stddev_after", round3(ev.StdDevAfter)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordJobLifecycle writes a job transition.
func (s *InfluxSink) RecordJobLifecycle(ev coremetrics.JobLifecycleEvent) error {
	p := write.NewPointWithMeasurement("job_transition").
		AddTag("kind", ev.Kind).
		AddTag("job_ref", ev.JobRef)
	if ev.Driver != "" {
		p = p.AddTag("driver", ev.Driver)
	}
	p = p.AddField("count", 1).
		SetTime(ev.Time)
	return s.write(p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
