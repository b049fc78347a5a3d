// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with AGENTUSAGE_* environment
// overrides; without a file the environment alone is used.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nexuscrm/agentusage/adapters/clock"
	apihttp "github.com/nexuscrm/agentusage/adapters/http"
	"github.com/nexuscrm/agentusage/adapters/idgen"
	"github.com/nexuscrm/agentusage/adapters/memory"
	"github.com/nexuscrm/agentusage/adapters/metrics"
	"github.com/nexuscrm/agentusage/adapters/sqlite"
	"github.com/nexuscrm/agentusage/app"
	"github.com/nexuscrm/agentusage/config"
	"github.com/nexuscrm/agentusage/core/events"
	"github.com/nexuscrm/agentusage/docs/swagger"
	"github.com/nexuscrm/agentusage/domain/anomaly"
	"github.com/nexuscrm/agentusage/domain/tier"
	"github.com/nexuscrm/agentusage/domain/usage"
	"github.com/nexuscrm/agentusage/ports"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Catalog    *tier.Catalog
	Hub        *events.Hub

	// Services
	Ingestor    *app.Ingestor
	Aggregator  *app.Aggregator
	Threshold   *app.ThresholdStage
	Alerts      *app.AlertService
	Anomaly     *app.AnomalyScheduler
	Maintenance *app.Maintenance
	Queries     *app.UsageQueries

	holder *config.Holder
	stores Stores
}

// Options configures application initialization.
type Options struct {
	// ConfigPath is the YAML config file. Empty or missing files fall
	// back to environment configuration.
	ConfigPath string
	// Version is reported by /version.
	Version string
	// Watch enables config hot reload (file watch and SIGHUP).
	Watch bool
	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

// Stores groups the storage adapters.
type Stores struct {
	Events     ports.EventStore
	Aggregates ports.AggregateStore
	Alerts     ports.AlertStore
	Poison     ports.PoisonStore
	Contacts   ports.ContactDirectory
}

// LoadConfig loads the configuration for opts and, when the file exists,
// a holder for hot reload.
func LoadConfig(path string, logger zerolog.Logger) (*config.Config, *config.Holder, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			h, err := config.NewHolder(path, logger)
			if err != nil {
				return nil, nil, err
			}
			return h.Get(), h, nil
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("load config from env: %w", err)
	}
	return cfg, nil, nil
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stdout
	}

	cfg, holder, err := LoadConfig(opts.ConfigPath, zerolog.New(opts.LogOutput))
	if err != nil {
		return nil, err
	}
	logger := SetupLogger(cfg.Logging, opts.LogOutput)
	logger.Info().Str("version", opts.Version).Msg("initializing agentusage")

	a := &App{Logger: logger, Config: cfg, holder: holder}

	a.stores, a.DB, err = OpenStores(cfg.Database, idgen.UUID{}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	a.Catalog, err = tier.NewCatalog(cfg.Tiers)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tier catalog: %w", err)
	}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewWithRegistry(registry)
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	a.wireServices(cfg, logger)

	if holder != nil {
		a.watchConfig(holder, opts.Watch)
	}

	a.HTTPServer = a.newHTTPServer(cfg, opts.Version, registry)
	return a, nil
}

// OpenStores opens the configured storage driver. The returned DB is nil
// for the memory driver.
func OpenStores(cfg config.DatabaseConfig, ids ports.IDGenerator, logger zerolog.Logger) (Stores, *sqlite.DB, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory storage, data is lost on restart")
		return Stores{
			Events:     memory.NewEventStore(),
			Aggregates: memory.NewAggregateStore(memory.AggregateStoreConfig{}),
			Alerts:     memory.NewAlertStore(ids, 0),
			Poison:     memory.NewPoisonStore(),
			Contacts:   memory.NewContactDirectory(),
		}, nil, nil

	case "sqlite", "":
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return Stores{}, nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return Stores{}, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Str("dsn", cfg.DSN).Msg("database initialized")
		return Stores{
			Events:     sqlite.NewEventStore(db),
			Aggregates: sqlite.NewAggregateStore(db),
			Alerts:     sqlite.NewAlertStore(db, ids),
			Poison:     sqlite.NewPoisonStore(db),
			Contacts:   sqlite.NewContactDirectory(db),
		}, db, nil

	default:
		return Stores{}, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func (a *App) wireServices(cfg *config.Config, logger zerolog.Logger) {
	clk := clock.Real{}
	s := a.stores

	var m app.Metrics
	var stats events.Stats
	if a.Metrics != nil {
		m, stats = a.Metrics, a.Metrics
	}

	a.Hub = events.NewHub(events.Config{
		QueueSize: cfg.Live.QueueSize,
		MaxDrops:  cfg.Live.MaxDrops,
	}, clk, stats, logger)

	a.Alerts = app.NewAlertService(s.Alerts, s.Contacts, a.Hub, clk, m, logger)
	a.Threshold = app.NewThresholdStage(s.Aggregates, a.Catalog, a.Alerts, a.Hub, clk, cfg.Aggregator.QueueSize, logger)

	a.Aggregator = app.NewAggregator(app.AggregatorConfig{
		Partitions: cfg.Aggregator.Partitions,
		QueueSize:  cfg.Aggregator.QueueSize,
		Retry: app.RetryPolicy{
			Initial:     cfg.Aggregator.Retry.Initial,
			Multiplier:  cfg.Aggregator.Retry.Multiplier,
			MaxAttempts: cfg.Aggregator.Retry.MaxAttempts,
		},
	}, s.Aggregates, s.Events, s.Poison, a.Hub, clk, m, logger)
	a.Aggregator.SetSink(a.Threshold)

	a.Ingestor = app.NewIngestor(s.Events, a.Catalog, idgen.UUID{}, clk,
		usage.SkewWindow{MaxPast: cfg.Ingest.MaxPastSkew, MaxFuture: cfg.Ingest.MaxFutureSkew},
		a.Aggregator, s.Poison, a.Hub, m, logger)

	a.Anomaly = app.NewAnomalyScheduler(app.AnomalyConfig{
		Interval:     cfg.Anomaly.Interval,
		LookbackDays: cfg.Anomaly.LookbackDays,
		Deadline:     cfg.Anomaly.Deadline,
		Detection: anomaly.Config{
			HighSigma:   cfg.Anomaly.HighSigma,
			MediumSigma: cfg.Anomaly.MediumSigma,
		},
	}, s.Aggregates, a.Alerts, clk, m, logger)

	a.Maintenance = app.NewMaintenance(app.RetentionPolicy{
		Alerts: cfg.Alerts.Retention,
		Events: cfg.Usage.Retention,
	}, time.Hour, s.Events, s.Alerts, clk, m, logger)

	a.Queries = app.NewUsageQueries(s.Aggregates, a.Catalog, clk)
}

// watchConfig applies reloadable settings when the config changes.
func (a *App) watchConfig(h *config.Holder, watch bool) {
	h.OnChange(func(cfg *config.Config) {
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		if err := a.Catalog.Replace(cfg.Tiers); err != nil {
			a.Logger.Error().Err(err).Msg("tier catalog reload rejected")
		}
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
			a.Metrics.ConfigLastReload.SetToCurrentTime()
		}
	})
	h.OnReloadError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})

	if !watch {
		return
	}
	if err := h.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	h.WatchSignals()
}

func (a *App) newHTTPServer(cfg *config.Config, version string, registry *prometheus.Registry) *http.Server {
	var health apihttp.HealthChecker
	if a.DB != nil {
		health = a.DB
	}

	rc := apihttp.RouterConfig{
		Ingest: apihttp.NewIngestHandler(apihttp.IngestHandlerConfig{
			Ingestor:     a.Ingestor,
			Clock:        clock.Real{},
			Logger:       a.Logger,
			Secret:       cfg.Ingest.WebhookSecret,
			Tolerance:    cfg.Ingest.SignatureTolerance,
			MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
		}),
		Query:  apihttp.NewQueryHandler(a.Queries, a.Catalog, a.stores.Poison, a.Logger),
		Alerts: apihttp.NewAlertHandler(a.Alerts, a.Logger),
		Live: apihttp.NewLiveHandler(a.Hub, apihttp.LiveConfig{
			PingInterval: cfg.Live.PingInterval,
			Grace:        cfg.Live.Grace,
			WriteTimeout: cfg.Live.WriteTimeout,
		}, a.Logger),
		Health:         apihttp.NewHealthHandler(health),
		Version:        version,
		RequestTimeout: cfg.Server.WriteTimeout,
		EnableOpenAPI:  cfg.OpenAPI.Enabled,
	}
	if cfg.OpenAPI.Enabled && version != "" {
		swagger.SwaggerInfo.Version = version
	}
	if registry != nil {
		rc.Metrics = a.Metrics
		rc.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		rc.MetricsPath = cfg.Metrics.Path
	}

	if cfg.Ingest.WebhookSecret == "" {
		a.Logger.Warn().Msg("ingest webhook secret not set, signatures are not verified")
	}

	return &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     apihttp.NewRouter(rc, a.Logger),
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: live streams stay open. API routes are bounded
		// by RequestTimeout.
		IdleTimeout: 120 * time.Second,
	}
}

// Run starts every stage and the HTTP server and blocks until SIGINT,
// SIGTERM or a fatal error. Stages shut down upstream first so queued
// work drains into the next stage.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// The threshold stage outlives the aggregator so drained aggregates
	// are still evaluated.
	stageCtx, stopStage := context.WithCancel(context.WithoutCancel(gctx))
	defer stopStage()

	g.Go(func() error {
		defer stopStage()
		return a.Aggregator.Run(gctx)
	})
	g.Go(func() error { return a.Threshold.Run(stageCtx) })
	if a.Config.Anomaly.Enabled {
		g.Go(func() error { return a.Anomaly.Run(gctx) })
	}
	g.Go(func() error { return a.Maintenance.Run(gctx) })

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.HTTPServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
		a.Hub.Close()
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases resources.
func (a *App) Close() error {
	if a.holder != nil {
		a.holder.Stop()
		a.holder = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
			return err
		}
		a.DB = nil
	}
	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// SetupLogger builds the root logger from config.
func SetupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}
