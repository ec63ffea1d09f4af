package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilianp07/fleetjobs/config"
	"github.com/kilianp07/fleetjobs/core/assign"
	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/core/cluster"
	"github.com/kilianp07/fleetjobs/core/geo"
	"github.com/kilianp07/fleetjobs/core/ids"
	coremetrics "github.com/kilianp07/fleetjobs/core/metrics"
	coremon "github.com/kilianp07/fleetjobs/core/monitoring"
	coremqtt "github.com/kilianp07/fleetjobs/core/mqtt"
	"github.com/kilianp07/fleetjobs/core/pipeline"
	"github.com/kilianp07/fleetjobs/core/redistribute"
	"github.com/kilianp07/fleetjobs/core/runlog"
	"github.com/kilianp07/fleetjobs/core/scheduler"
	"github.com/kilianp07/fleetjobs/core/sequence"
	"github.com/kilianp07/fleetjobs/core/store"
	"github.com/kilianp07/fleetjobs/infra/geocode"
	"github.com/kilianp07/fleetjobs/infra/logger"
	"github.com/kilianp07/fleetjobs/infra/metrics"
	"github.com/kilianp07/fleetjobs/infra/monitoring"
	"github.com/kilianp07/fleetjobs/infra/mqtt"
	"github.com/kilianp07/fleetjobs/infra/redislock"
	"github.com/kilianp07/fleetjobs/infra/sheet"
	"github.com/kilianp07/fleetjobs/infra/sqlstore"
	"github.com/kilianp07/fleetjobs/internal/eventbus"
)

// Options replace collaborators that New would otherwise build from the
// configuration. Zero fields are built from cfg.
type Options struct {
	Store     store.Store
	Geocoder  geo.Geocoder
	Publisher coremqtt.Client
	Metrics   coremetrics.MetricsSink
	Log       logger.Logger
}

// Service wires the engines, the pipeline and their infrastructure.
type Service struct {
	cfg *config.Config
	log logger.Logger

	Store        store.Store
	Bus          *eventbus.Bus
	Metrics      coremetrics.MetricsSink
	Clusters     *cluster.Engine
	Assign       *assign.Engine
	Sequencer    *sequence.Engine
	Redistribute *redistribute.Engine
	IDs          *ids.Allocator
	Batches      *batch.Planner
	Pipeline     *pipeline.Pipeline
	Scheduler    *scheduler.Scheduler
	Importer     *sheet.Importer
	RunLog       runlog.Store
	Forwarder    *mqtt.Forwarder

	guard   *pipeline.LocalGuard
	closers []func() error
	now     func() time.Time
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config, opts Options) (svc *Service, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logg := opts.Log
	if logg == nil {
		logg = logger.New("service")
	}
	s := &Service{cfg: cfg, log: logg, Bus: eventbus.New(), guard: &pipeline.LocalGuard{}, now: time.Now}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	if s.Store, err = openStore(ctx, cfg.Store, opts.Store, logg); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Store.Close)

	g := opts.Geocoder
	if g == nil {
		if g, err = openGeocoder(cfg.Geocode, logg); err != nil {
			return nil, err
		}
	}

	s.Metrics = opts.Metrics
	if s.Metrics == nil {
		if s.Metrics, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
			return nil, fmt.Errorf("metrics sink: %w", err)
		}
	}

	if s.RunLog, err = runlog.New(cfg.RunLog); err != nil {
		return nil, fmt.Errorf("run log: %w", err)
	}
	if s.RunLog != nil {
		s.closers = append(s.closers, s.RunLog.Close)
	}

	if err := s.buildEngines(cfg, g); err != nil {
		return nil, err
	}

	var guard pipeline.Guard = s.guard
	if cfg.Pipeline.Lock == config.LockRedis {
		lock, err := redislock.New(cfg.Pipeline.Redis, logger.New("redislock"))
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		s.closers = append(s.closers, lock.Close)
		guard = pipeline.Chain{s.guard, lock}
	}
	s.Pipeline, err = pipeline.New(cfg.Pipeline.Run, pipeline.Deps{
		Clusters:     s.Clusters,
		Assign:       s.Assign,
		IDs:          s.IDs,
		Sequencer:    s.Sequencer,
		Redistribute: s.Redistribute,
		Guard:        guard,
		RunLog:       s.RunLog,
		Log:          logger.New("pipeline"),
		Bus:          s.Bus,
		Metrics:      s.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if s.Scheduler, err = scheduler.New(cfg.Pipeline.Scheduler, s.Pipeline, logger.New("scheduler")); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	pub := opts.Publisher
	if pub == nil && cfg.MQTT.Enabled {
		client, err := mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		s.closers = append(s.closers, func() error { client.Disconnect(); return nil })
		pub = client
	}
	if pub != nil {
		ackTimeout := time.Duration(cfg.MQTT.AckTimeoutMS) * time.Millisecond
		s.Forwarder = mqtt.NewForwarder(pub, logger.New("mqtt_forwarder"), ackTimeout)
	}
	return s, nil
}

func (s *Service) buildEngines(cfg *config.Config, g geo.Geocoder) error {
	var err error
	if s.Sequencer, err = sequence.NewEngine(s.Store, logger.New("sequence"), s.Bus, s.Metrics); err != nil {
		return fmt.Errorf("sequencer: %w", err)
	}
	if s.Clusters, err = cluster.NewEngine(cfg.Engine.Cluster, s.Store, g, logger.New("cluster"), s.Bus, s.Metrics); err != nil {
		return fmt.Errorf("cluster engine: %w", err)
	}
	s.Assign, err = assign.NewEngine(cfg.Engine.Assign, assign.Deps{
		Jobs:      s.Store,
		Drivers:   s.Store,
		Sequencer: s.Sequencer,
		Geocoder:  g,
		Log:       logger.New("assign"),
		Bus:       s.Bus,
		Metrics:   s.Metrics,
	})
	if err != nil {
		return fmt.Errorf("assign engine: %w", err)
	}
	if s.Redistribute, err = redistribute.NewEngine(s.Store, s.Store, s.Assign, logger.New("redistribute"), s.Bus, s.Metrics); err != nil {
		return fmt.Errorf("redistribution engine: %w", err)
	}
	if s.IDs, err = ids.NewAllocator(s.Store, logger.New("ids")); err != nil {
		return fmt.Errorf("id allocator: %w", err)
	}
	if s.Batches, err = batch.NewPlanner(s.Store, s.Store, logger.New("batch"), s.Bus); err != nil {
		return fmt.Errorf("batch planner: %w", err)
	}
	if s.Importer, err = sheet.NewImporter(s.Store, s.Store, logger.New("import")); err != nil {
		return fmt.Errorf("importer: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, override store.Store, log logger.Logger) (store.Store, error) {
	inner := override
	if inner == nil {
		switch cfg.Backend {
		case config.StoreMemory, "":
			inner = store.NewMemoryStore()
		case config.StoreSQLite, config.StorePostgres:
			driver := sqlstore.DriverSQLite
			if cfg.Backend == config.StorePostgres {
				driver = sqlstore.DriverPostgres
			}
			db, err := sqlstore.Open(ctx, sqlstore.Config{Driver: driver, DSN: cfg.DSN})
			if err != nil {
				return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
			}
			inner = db
		default:
			return nil, fmt.Errorf("unknown store backend %s", cfg.Backend)
		}
	}
	return store.NewRetrying(inner, cfg.Retry, log), nil
}

func openGeocoder(cfg config.GeocodeConfig, log logger.Logger) (geo.Geocoder, error) {
	var table *geocode.Table
	if cfg.Table == "" {
		log.Warnf("no geocode table configured, every postcode is unresolvable")
		table = geocode.NewTable(nil)
	} else {
		t, err := geocode.LoadTable(cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("geocode table: %w", err)
		}
		log.Infof("loaded %d postcodes from %s", t.Len(), cfg.Table)
		table = t
	}
	if cfg.RatePerSecond > 0 {
		return geocode.NewLimited(table, cfg.RatePerSecond, cfg.Burst), nil
	}
	return table, nil
}

// Start launches the background consumers and, when enabled, the
// scheduler. They stop with ctx.
func (s *Service) Start(ctx context.Context) {
	metrics.StartEventCollector(ctx, s.Bus, s.Metrics)
	if s.Forwarder != nil {
		s.Forwarder.Start(ctx, s.Bus)
	}
	if s.cfg.Pipeline.Scheduler.Enabled {
		go s.Scheduler.Run(ctx)
	}
	if port := s.cfg.Metrics.PrometheusPort; port != "" {
		go func() {
			if err := servePrometheus(ctx, port); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
}

func servePrometheus(ctx context.Context, port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Close releases resources held by the service in reverse order.
func (s *Service) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	if s.Bus != nil {
		s.Bus.Close()
	}
	if c, ok := s.Metrics.(interface{ Close() }); ok {
		c.Close()
	}
	coremon.Flush(2 * time.Second)
	return first
}
