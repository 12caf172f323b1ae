// Package server assembles the application from its configuration and
// runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/api"
	"github.com/tfaulkner/listing-crawler/internal/clock/system"
	"github.com/tfaulkner/listing-crawler/internal/config"
	"github.com/tfaulkner/listing-crawler/internal/coordinator"
	"github.com/tfaulkner/listing-crawler/internal/dateparse"
	"github.com/tfaulkner/listing-crawler/internal/dispatcher"
	"github.com/tfaulkner/listing-crawler/internal/id/uuid"
	"github.com/tfaulkner/listing-crawler/internal/identity"
	"github.com/tfaulkner/listing-crawler/internal/listing"
	"github.com/tfaulkner/listing-crawler/internal/logging"
	"github.com/tfaulkner/listing-crawler/internal/metrics"
	"github.com/tfaulkner/listing-crawler/internal/mode"
	"github.com/tfaulkner/listing-crawler/internal/pagesource"
	"github.com/tfaulkner/listing-crawler/internal/policy"
	"github.com/tfaulkner/listing-crawler/internal/progress"
	progresssinks "github.com/tfaulkner/listing-crawler/internal/progress/sinks"
	queuememory "github.com/tfaulkner/listing-crawler/internal/queue/memory"
	memorystorage "github.com/tfaulkner/listing-crawler/internal/storage/memory"
	pgstore "github.com/tfaulkner/listing-crawler/internal/storage/postgres"
	redisstore "github.com/tfaulkner/listing-crawler/internal/storage/redis"
	"github.com/tfaulkner/listing-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	coord       *coordinator.Coordinator
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	queue       *queuememory.Queue
	source      pagesource.Source

	pgRunStore      *pgstore.RunStore
	pgIdentityStore *pgstore.IdentityStore
	redisIdentity   *redisstore.IdentityStore
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type sanitizedConfig struct {
		ServerPort      int      `json:"server_port"`
		Cities          []string `json:"cities"`
		DefaultMode     string   `json:"default_mode"`
		SourceKind      string   `json:"source_kind"`
		DatabaseBackend string   `json:"database_backend"`
		RedisEnabled    bool     `json:"redis_enabled"`
	}
	safeCfg := sanitizedConfig{
		ServerPort:      cfg.Server.Port,
		Cities:          cfg.Crawler.Cities,
		DefaultMode:     cfg.Crawler.DefaultMode,
		SourceKind:      cfg.Source.Kind,
		DatabaseBackend: cfg.Database.Backend,
		RedisEnabled:    cfg.Redis.Enabled,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Coordinator exposes the run coordinator for CLI entry points.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coord
}

// Dispatcher exposes the crawl dispatcher for CLI entry points.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Logger exposes the root logger for CLI entry points.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config exposes the loaded configuration for CLI entry points.
func (a *App) Config() *config.Config {
	return a.cfg
}

// CrawlOnce runs one synchronous crawl per city. The first failed city
// aborts the batch.
func (a *App) CrawlOnce(ctx context.Context, cities []string, modeName string) error {
	w := worker.New(a.queue, a.coord, a.source, worker.Config{
		PageSize:    a.cfg.Crawler.PageSize,
		DefaultMode: a.cfg.Crawler.DefaultMode,
	}, a.logger.Named("crawl"))

	for _, city := range cities {
		report, err := w.CrawlCity(ctx, worker.Request{City: city, Mode: modeName})
		if err != nil {
			return fmt.Errorf("crawl %s: %w", city, err)
		}
		a.logger.Info("crawl finished",
			zap.String("city", city),
			zap.String("run_id", report.Run.ID),
			zap.String("mode", report.Run.Mode),
			zap.Int("pages_scraped", report.Run.PagesScraped),
			zap.Int("listings_saved", report.Run.ListingsSaved),
			zap.String("stop_reason", report.Run.StopReason),
		)
	}
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	if interval := a.cfg.RepeatInterval(); interval > 0 && len(a.cfg.Crawler.Cities) > 0 {
		go a.scheduleCrawls(ctx, interval)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// scheduleCrawls enqueues the configured cities on a fixed interval.
func (a *App) scheduleCrawls(ctx context.Context, interval time.Duration) {
	a.logger.Info("crawl scheduler started",
		zap.Duration("interval", interval),
		zap.Strings("cities", a.cfg.Crawler.Cities),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enqueue := func() {
		if err := a.dispatch.EnqueueCities(ctx, a.cfg.Crawler.Cities, a.cfg.Crawler.DefaultMode); err != nil {
			a.logger.Error("scheduled enqueue failed", zap.Error(err))
		}
	}
	enqueue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueue()
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pgRunStore != nil {
		a.pgRunStore.Close()
	}
	if a.pgIdentityStore != nil {
		a.pgIdentityStore.Close()
	}
	if a.redisIdentity != nil {
		if err := a.redisIdentity.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")

	runs, identities, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}

	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	clk := system.New()
	catalog := mode.NewCatalog()
	app.coord, err = coordinator.New(coordinator.Options{
		Catalog:     catalog,
		Engine:      policy.New(dateparse.New(), logger.Named("policy")),
		Identity:    identity.New(identities, clk, logger.Named("identity")),
		Runs:        runs,
		Clock:       clk,
		IDGenerator: uuid.NewUUIDGenerator(),
		Emitter:     emitter,
		Logger:      logger.Named("coordinator"),
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	app.source, err = setupSource(app)
	if err != nil {
		return nil, err
	}

	app.queue = queuememory.NewQueue(queueCapacity(cfg))
	app.dispatch = setupDispatcher(app, app.source)

	app.apiServer = api.NewServer(app.coord, catalog, *cfg, logger.Named("api"))

	return app, nil
}

func queueCapacity(cfg *config.Config) int {
	capacity := 2 * len(cfg.Crawler.Cities)
	if capacity < 16 {
		capacity = 16
	}
	return capacity
}

// setupStores selects the persistence backends. Redis, when enabled,
// takes over identity dedup regardless of the database backend.
func setupStores(ctx context.Context, app *App) (listing.RunStore, listing.IdentityStore, error) {
	var runs listing.RunStore
	var identities listing.IdentityStore

	switch app.cfg.Database.Backend {
	case "postgres":
		app.logger.Info("using postgres run store")
		pgRuns, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
			DSN:      app.cfg.Database.DSN,
			MaxConns: app.cfg.Database.MaxConns,
			MinConns: app.cfg.Database.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("run store init failed: %w", err)
		}
		app.pgRunStore = pgRuns
		runs = pgRuns

		pgIdentities, err := pgstore.NewIdentityStore(ctx, pgstore.IdentityStoreConfig{
			DSN:      app.cfg.Database.DSN,
			MaxConns: app.cfg.Database.MaxConns,
			MinConns: app.cfg.Database.MinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("identity store init failed: %w", err)
		}
		app.pgIdentityStore = pgIdentities
		identities = pgIdentities
	default:
		app.logger.Info("using in-memory stores")
		runs = memorystorage.NewRunStore()
		identities = memorystorage.NewIdentityStore()
	}

	if app.cfg.Redis.Enabled {
		app.logger.Info("using redis identity store", zap.String("addr", app.cfg.Redis.Addr))
		redisIdentities, err := redisstore.NewIdentityStore(redisstore.IdentityStoreConfig{
			Addr:      app.cfg.Redis.Addr,
			Password:  app.cfg.Redis.Password,
			DB:        app.cfg.Redis.DB,
			KeyPrefix: app.cfg.Redis.KeyPrefix,
			TTL:       time.Duration(app.cfg.Redis.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis identity store init failed: %w", err)
		}
		if app.pgIdentityStore != nil {
			app.pgIdentityStore.Close()
			app.pgIdentityStore = nil
		}
		app.redisIdentity = redisIdentities
		identities = redisIdentities
	}

	return runs, identities, nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}, sinkList...)
	return app.progressHub, nil
}

func setupSource(app *App) (pagesource.Source, error) {
	switch app.cfg.Source.Kind {
	case "http":
		app.logger.Info("using http page source", zap.String("base_url", app.cfg.Source.BaseURL))
		return pagesource.NewHTTPSource(pagesource.HTTPSourceOptions{
			BaseURL:           app.cfg.Source.BaseURL,
			UserAgent:         app.cfg.Source.UserAgent,
			Timeout:           app.cfg.SourceTimeout(),
			MaxRetries:        app.cfg.Source.MaxRetries,
			BaseBackoff:       time.Duration(app.cfg.Source.BackoffInitialMs) * time.Millisecond,
			MaxBackoff:        time.Duration(app.cfg.Source.BackoffMaxMs) * time.Millisecond,
			RequestsPerSecond: app.cfg.Source.RequestsPerSecond,
			Burst:             app.cfg.Source.Burst,
			Logger:            app.logger.Named("source"),
		})
	default:
		app.logger.Info("using mock page source")
		return pagesource.NewMockSource(pagesource.MockSourceOptions{}), nil
	}
}

func setupDispatcher(app *App, source pagesource.Source) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		PageSize:    app.cfg.Crawler.PageSize,
		DefaultMode: app.cfg.Crawler.DefaultMode,
	}
	var workers []*worker.Worker
	for i := 0; i < app.cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.coord,
			source,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}
