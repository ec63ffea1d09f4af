package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/fleetjobs/core/metrics"
	"github.com/kilianp07/fleetjobs/core/runlog"
	"github.com/kilianp07/fleetjobs/infra/mqtt"
)

type Config struct {
	Engine   EngineConfig   `json:"engine"`
	Store    StoreConfig    `json:"store"`
	Geocode  GeocodeConfig  `json:"geocode"`
	Pipeline PipelineConfig `json:"pipeline"`
	MQTT     mqtt.Config    `json:"mqtt"`
	Metrics  metrics.Config `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
	RunLog   runlog.Config  `json:"runlog"`
	Sentry   SentryConfig   `json:"sentry"`
	HTTP     HTTPConfig     `json:"http"`
}

// Default returns a configuration with every section defaulted. It runs
// fully in memory.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// SetDefaults fills zero values in every section.
func (c *Config) SetDefaults() {
	c.Engine.SetDefaults()
	c.Store.SetDefaults()
	c.Geocode.SetDefaults()
	c.Pipeline.SetDefaults()
	c.MQTT.SetDefaults()
	c.Logging.SetDefaults()
	c.HTTP.SetDefaults()
	c.Sentry.SetDefaults()
	if c.RunLog.Backend == "rotating" && c.RunLog.MaxSizeMB <= 0 {
		c.RunLog.MaxSizeMB = 10
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	checks := []struct {
		section string
		fn      func() error
	}{
		{"engine", c.Engine.Validate},
		{"store", c.Store.Validate},
		{"geocode", c.Geocode.Validate},
		{"pipeline", c.Pipeline.Validate},
		{"mqtt", c.MQTT.Validate},
		{"logging", c.Logging.Validate},
		{"runlog", c.validateRunLog},
		{"http", c.HTTP.Validate},
		{"sentry", c.Sentry.Validate},
	}
	for _, ck := range checks {
		if err := ck.fn(); err != nil {
			return fmt.Errorf("%s: %w", ck.section, err)
		}
	}
	return nil
}

func (c Config) validateRunLog() error {
	switch c.RunLog.Backend {
	case "":
		return nil
	case "jsonl", "rotating", "sqlite":
		if c.RunLog.Path == "" {
			return fmt.Errorf("path is required for backend %s", c.RunLog.Backend)
		}
		return nil
	}
	return fmt.Errorf("unknown backend %s", c.RunLog.Backend)
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides: K_HTTP__ADDR sets http.addr.
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
