package metrics_test

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/fleetjobs/core/factory"
	metrics "github.com/kilianp07/fleetjobs/core/metrics"
	_ "github.com/kilianp07/fleetjobs/infra/metrics"
)

func TestSinkTypes(t *testing.T) {
	if got := strings.Join(metrics.SinkTypes(), ","); got != "influx,nop,prometheus" {
		t.Fatalf("registered sinks %s", got)
	}
}

func TestNewMetricsSink(t *testing.T) {
	s, err := metrics.NewMetricsSink(nil)
	if err != nil {
		t.Fatalf("create default: %v", err)
	}
	if _, ok := s.(metrics.NopSink); !ok {
		t.Fatalf("expected NopSink, got %T", s)
	}

	// The prometheus collectors are shared, so building the sink twice
	// must not fail on duplicate registration.
	cfgs := []factory.ModuleConfig{{Type: "prometheus"}, {Type: "prometheus"}}
	s, err = metrics.NewMetricsSink(cfgs)
	if err != nil {
		t.Fatalf("create multi: %v", err)
	}
	m, ok := s.(*metrics.MultiSink)
	if !ok {
		t.Fatalf("expected MultiSink, got %T", s)
	}
	if len(m.Sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(m.Sinks))
	}
}

func TestNewMetricsSink_InfluxFallback(t *testing.T) {
	s, err := metrics.NewMetricsSink([]factory.ModuleConfig{{
		Type: "influx",
		Conf: map[string]any{"url": "http://127.0.0.1:1", "bucket": "fleet"},
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := s.(metrics.NopSink); !ok {
		t.Fatalf("unreachable influx should fall back to NopSink, got %T", s)
	}
}

func TestNewMetricsSink_Errors(t *testing.T) {
	_, err := metrics.NewMetricsSink([]factory.ModuleConfig{{Type: "nop"}, {Type: "statsd"}})
	if err == nil || !strings.Contains(err.Error(), "metrics sink 1") {
		t.Fatalf("expected indexed unknown type error, got %v", err)
	}
	_, err = metrics.NewMetricsSink([]factory.ModuleConfig{{Type: "influx", Conf: map[string]any{"bukket": "x"}}})
	if err == nil {
		t.Fatal("expected error for unknown influx setting")
	}
}

func TestMetricsConfigDecode(t *testing.T) {
	var fromYAML metrics.Config
	if err := yaml.Unmarshal([]byte("sinks:\n  - type: nop\n  - type: nop\nprometheus_port: \"9100\"\n"), &fromYAML); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	if len(fromYAML.Sinks) != 2 || fromYAML.PrometheusPort != "9100" {
		t.Fatalf("unexpected config %#v", fromYAML)
	}
	var fromJSON metrics.Config
	if err := json.Unmarshal([]byte(`{"sinks":[{"type":"influx","conf":{"url":"http://influx:8086"}}]}`), &fromJSON); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	if fromJSON.Sinks[0].Conf["url"] != "http://influx:8086" {
		t.Fatalf("unexpected config %#v", fromJSON)
	}
}
