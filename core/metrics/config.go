package metrics

import "github.com/kilianp07/fleetjobs/core/factory"

// Config defines settings for metrics sinks.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks" yaml:"sinks"`
	// PrometheusPort, when set, exposes /metrics on its own listener in
	// addition to the API server.
	PrometheusPort string `json:"prometheus_port" yaml:"prometheus_port"`
}
