// Package server wires the exporter's dependencies and runs the service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsubv1 "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/api"
	"github.com/JakeFAU/precatorio-exporter/internal/artifacts"
	"github.com/JakeFAU/precatorio-exporter/internal/clock/system"
	"github.com/JakeFAU/precatorio-exporter/internal/config"
	"github.com/JakeFAU/precatorio-exporter/internal/dispatcher"
	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/extract/registry"
	"github.com/JakeFAU/precatorio-exporter/internal/hash/sha256"
	"github.com/JakeFAU/precatorio-exporter/internal/id/uuid"
	"github.com/JakeFAU/precatorio-exporter/internal/logging"
	"github.com/JakeFAU/precatorio-exporter/internal/lookup/pje"
	"github.com/JakeFAU/precatorio-exporter/internal/metrics"
	"github.com/JakeFAU/precatorio-exporter/internal/notify"
	"github.com/JakeFAU/precatorio-exporter/internal/orchestrator"
	"github.com/JakeFAU/precatorio-exporter/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/precatorio-exporter/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/precatorio-exporter/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/precatorio-exporter/internal/queue/memory"
	queueredis "github.com/JakeFAU/precatorio-exporter/internal/queue/redis"
	"github.com/JakeFAU/precatorio-exporter/internal/reconcile"
	"github.com/JakeFAU/precatorio-exporter/internal/storage"
	gcsstorage "github.com/JakeFAU/precatorio-exporter/internal/storage/gcs"
	localstorage "github.com/JakeFAU/precatorio-exporter/internal/storage/local"
	memorystorage "github.com/JakeFAU/precatorio-exporter/internal/storage/memory"
	pgstore "github.com/JakeFAU/precatorio-exporter/internal/storage/postgres"
	"github.com/JakeFAU/precatorio-exporter/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// store is the bookkeeping backend: the repository and the settings table.
type store interface {
	export.Repository
	export.Settings
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	reconciler *reconcile.Reconciler
	extractor  *registry.Extractor

	memQueue        *queuememory.Queue
	redisClient     *goredis.Client
	db              *pgstore.Store
	gcsClient       *gcsclient.Client
	pubsubClient    *pubsubv1.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	repo, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := app.setupQueue()
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	records := artifacts.New(blobs, repo, sha256.New(), artifacts.Config{Prefix: cfg.Storage.Prefix})

	retry := worker.NewExponentialRetryPolicy(worker.RetryConfig{
		MaxAttempts: cfg.Pool.MaxAttempts,
		BaseDelay:   cfg.Pool.BackoffBase,
		MaxDelay:    cfg.Pool.BackoffMax,
	})
	app.dispatch = dispatcher.New(queue, ids, clock, retry, dispatcher.Config{
		Concurrency: cfg.Pool.Concurrency,
		MaxAttempts: cfg.Pool.MaxAttempts,
		Worker:      worker.Config{Lease: cfg.Pool.Lease},
	}, logger.Named("dispatcher"))

	app.extractor, err = registry.New(registry.Config{
		RegistryURL:       cfg.Source.RegistryURL,
		UserAgent:         cfg.Source.UserAgent,
		MaxParallel:       cfg.Source.MaxBrowsers,
		NavigationTimeout: cfg.Source.NavTimeout,
		ResultsTimeout:    cfg.Source.ResultsTimeout,
		Selectors:         cfg.Source.Selectors,
	}, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("registry extractor init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Export.LookupRPS,
		DefaultBurst: cfg.Export.LookupBurst,
	})
	lookup, err := pje.New(pje.Config{
		SearchURL: cfg.Source.LookupURL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.LookupTimeout,
	}, limiter, logger.Named("pje"))
	if err != nil {
		return nil, fmt.Errorf("party lookup init failed: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Repo:      repo,
		Extractor: app.extractor,
		Lookup:    lookup,
		Artifacts: records,
		Submitter: app.dispatch,
		IDs:       ids,
		Clock:     clock,
	}, orchestrator.Config{
		PermanentFailureThreshold: cfg.Export.PermanentFailureThreshold,
		LookupConcurrency:         cfg.Export.LookupConcurrency,
		MaxUnitsCap:               cfg.Export.MaxUnitsCap,
	}, logger.Named("orchestrator"))

	notifier := notify.New(repo, repo, records, publisher, clock,
		notify.Config{Timeout: cfg.Notify.Timeout}, logger.Named("notify"))

	app.dispatch.Handle(export.TaskDiscover, worker.HandlerFunc(orch.HandleDiscover))
	app.dispatch.Handle(export.TaskUnit, worker.HandlerFunc(orch.HandleUnit))
	app.dispatch.Handle(export.TaskNotify, worker.HandlerFunc(notifier.Handle))
	app.dispatch.SetHooks(orch)

	if cfg.Reconcile.Enabled {
		app.reconciler, err = reconcile.New(cfg.Reconcile.Schedule, orch, logger.Named("reconcile"))
		if err != nil {
			return nil, fmt.Errorf("reconciler init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Exports:  orch,
		Catalog:  repo,
		Records:  records,
		Settings: repo,
		Checks:   app.checks(),
	}, *cfg, logger.Named("api"))

	ok = true
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupDatabase(ctx context.Context) (store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, keeping bookkeeping in memory")
		return newMemoryStore(), nil
	}
	db, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, system.New())
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("postgres migrate failed: %w", err)
	}
	a.logger.Info("postgres store initialized")
	return db, nil
}

// memoryStore pairs the in-memory repository with in-memory settings.
type memoryStore struct {
	*memorystorage.Repository
	*memorystorage.Settings
}

func newMemoryStore() memoryStore {
	return memoryStore{
		Repository: memorystorage.NewRepository(),
		Settings:   memorystorage.NewSettings(),
	}
}

func (a *App) setupStorage(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		blobs, client, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsClient = client
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupQueue() (export.Queue, error) {
	if a.cfg.Queue.Backend == config.BackendRedis {
		a.redisClient = goredis.NewClient(&goredis.Options{
			Addr: a.cfg.Queue.Addr,
			DB:   a.cfg.Queue.DB,
		})
		q, err := queueredis.New(a.redisClient, queueredis.Config{Key: a.cfg.Queue.Key})
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		a.logger.Info("using redis task queue", zap.String("addr", a.cfg.Queue.Addr), zap.String("key", a.cfg.Queue.Key))
		return q, nil
	}
	a.memQueue = queuememory.NewQueue(a.cfg.Pool.QueueDepth)
	a.logger.Info("using in-memory task queue", zap.Int("initial_capacity", a.cfg.Pool.QueueDepth))
	return a.memQueue, nil
}

func (a *App) setupPublisher(ctx context.Context) (notify.Publisher, error) {
	if !a.cfg.PubSubEnabled() {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, client, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) checks() map[string]api.Check {
	checks := map[string]api.Check{}
	if a.db != nil {
		checks["database"] = a.db.Ping
	}
	if a.redisClient != nil {
		client := a.redisClient
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		a.logger.Info("dispatcher started", zap.Int("concurrency", a.cfg.Pool.Concurrency))
		a.dispatch.Run(ctx)
	}()

	if a.reconciler != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			a.reconciler.Run(ctx)
		}()
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers may still be requeueing or writing the ledger.
	a.awaitStopped(shutdownCtx, &background)

	return a.Close()
}

// awaitStopped waits for the background loops to return or ctx to expire.
// It reports whether they all stopped.
func (a *App) awaitStopped(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("background workers stopped")
		return true
	case <-ctx.Done():
		a.logger.Warn("background workers still running at shutdown deadline", zap.Error(ctx.Err()))
		return false
	}
}

// Close releases every client the application opened.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.extractor != nil {
		a.extractor.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
