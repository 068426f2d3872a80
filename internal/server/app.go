// Package server builds the application's dependencies and runs its processes.
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

	"cloud.google.com/go/pubsub"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/api"
	"github.com/JakeFAU/ingestion-pipeline/internal/clock/system"
	"github.com/JakeFAU/ingestion-pipeline/internal/config"
	"github.com/JakeFAU/ingestion-pipeline/internal/dispatcher"
	"github.com/JakeFAU/ingestion-pipeline/internal/embed"
	collyfetcher "github.com/JakeFAU/ingestion-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/ingestion-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/ingestion-pipeline/internal/intake"
	"github.com/JakeFAU/ingestion-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/ingestion-pipeline/internal/processor"
	pubmemory "github.com/JakeFAU/ingestion-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/ingestion-pipeline/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/ingestion-pipeline/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/ingestion-pipeline/internal/queue/pubsub"
	redisqueue "github.com/JakeFAU/ingestion-pipeline/internal/queue/redis"
	"github.com/JakeFAU/ingestion-pipeline/internal/reconcile"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
	gcsstorage "github.com/JakeFAU/ingestion-pipeline/internal/storage/gcs"
	memoryStorage "github.com/JakeFAU/ingestion-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/ingestion-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/ingestion-pipeline/internal/telemetry"
	"github.com/JakeFAU/ingestion-pipeline/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  resource.Clock

	store       resource.Store
	queue       resource.Queue
	redisQueue  *redisqueue.Queue
	dispatch    *dispatcher.Dispatcher
	coordinator *intake.Coordinator
	sweeper     *reconcile.Sweeper
	apiServer   *api.Server

	events         *pubmemory.Publisher
	pubsubClient   *pubsub.Client
	closers        []closer
	tracerShutdown func(context.Context) error
}

// memoryEventsRetained caps the in-process completion event log.
const memoryEventsRetained = 1024

type closer struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. On error every resource opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.tracerShutdown, err = telemetry.InitTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies",
		zap.String("transport", cfg.Transport.Kind),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("gcs", cfg.Storage.GCSBucket != ""),
	)
	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = app.setupQueue(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	router := processor.NewRouterFromDeps(processor.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.Timeout,
			MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		}),
		Limiter: ratelimit.New(ratelimit.Config{
			RatePerHost: cfg.Fetch.RatePerHost,
			Burst:       cfg.Fetch.Burst,
		}),
		Embedder: embed.NewHashEmbedder(cfg.Worker.EmbedDimensions),
		Blobs:    blobs,
		Hasher:   sha256.New(),
	})
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Fetch.UserAgent),
		zap.Bool("respect_robots", cfg.Fetch.RespectRobots),
		zap.Float64("rate_per_host", cfg.Fetch.RatePerHost),
	)

	workerCfg := worker.Config{
		TaskTimeout:     cfg.Worker.TaskTimeout,
		FinalizeTimeout: cfg.Worker.FinalizeTimeout,
		StoreTimeout:    cfg.Worker.StoreTimeout,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		EventsTopic:     cfg.PubSub.EventsTopic,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.store,
			router,
			publisher,
			app.clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, app.store, workers, logger.Named("dispatcher"))
	app.coordinator = intake.NewCoordinator(app.store, app.dispatch, app.clock, intake.Config{
		Timeout:         cfg.Intake.RequestTimeout,
		DispatchTimeout: cfg.Intake.DispatchTimeout,
	}, logger.Named("intake"))
	app.sweeper = reconcile.NewSweeper(app.store, app.dispatch, cfg.Reconcile.StaleAfter, logger.Named("reconcile"))
	app.apiServer = api.NewServer(api.Deps{
		Intake:       app.coordinator,
		Store:        app.store,
		Redispatcher: app.dispatch,
		Reconciler:   app.sweeper,
		Logger:       logger.Named("api"),
	})
	return app, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP server until the context is canceled or a termination signal arrives.
// Workers run in-process when withWorkers is set or when the transport only exists in memory.
func (a *App) Serve(ctx context.Context, withWorkers bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Reconcile.Schedule != "" {
		sched, err := reconcile.NewScheduler(a.cfg.Reconcile.Schedule, a.sweeper, a.logger.Named("reconcile"))
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		a.logger.Info("reconcile scheduler started", zap.String("schedule", a.cfg.Reconcile.Schedule))
	}

	var wg sync.WaitGroup
	if withWorkers || a.cfg.Transport.Kind == config.TransportMemory {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(ctx)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	return nil
}

// Work runs the worker pool against a shared transport until the context is canceled.
func (a *App) Work(ctx context.Context) error {
	if a.cfg.Transport.Kind == config.TransportMemory {
		return errors.New("the memory transport is process-local; run workers inside serve or pick redis or pubsub")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
	a.dispatch.Run(ctx)
	a.logger.Info("dispatcher stopped")
	return nil
}

// Sweep runs one reconciliation pass. With the Redis transport, tasks orphaned in the
// processing list by crashed workers are requeued first.
func (a *App) Sweep(ctx context.Context) (reconcile.Result, error) {
	if a.redisQueue != nil {
		n, err := a.redisQueue.Requeue(ctx)
		if err != nil {
			return reconcile.Result{}, fmt.Errorf("requeue orphaned tasks: %w", err)
		}
		a.logger.Info("requeued orphaned tasks", zap.Int("count", n))
	}
	return a.sweeper.Sweep(ctx)
}

// Redispatch re-enqueues every pending record of consumer.
func (a *App) Redispatch(ctx context.Context, consumer string) (int, error) {
	return a.dispatch.Redispatch(ctx, consumer)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN configured; using the in-memory record store")
		a.store = memoryStorage.NewRecordStore(a.clock)
		return nil
	}
	if a.cfg.DB.Migrate {
		if err := pgstore.MigrateUp(a.cfg.DB.DSN, a.logger.Named("migrate")); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.onClose("postgres", func() error {
		store.Close()
		return nil
	})
	a.store = store
	a.logger.Info("postgres record store initialized")
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Transport.Kind {
	case config.TransportRedis:
		rdb := r.NewClient(&r.Options{
			Addr:                  a.cfg.Redis.Addr,
			Password:              a.cfg.Redis.Password,
			DB:                    a.cfg.Redis.DB,
			ContextTimeoutEnabled: true,
		})
		a.onClose("redis", rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		q, err := redisqueue.New(rdb, redisqueue.Config{Key: a.cfg.Redis.Key, Block: a.cfg.Redis.Block})
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue, a.redisQueue = q, q
		a.logger.Info("using redis task queue", zap.String("addr", a.cfg.Redis.Addr), zap.String("key", a.cfg.Redis.Key))
	case config.TransportPubSub:
		client, err := a.pubsub(ctx)
		if err != nil {
			return err
		}
		topic := client.Topic(a.cfg.PubSub.Topic)
		a.onClose("pubsub topic", func() error {
			topic.Stop()
			return nil
		})
		q, err := pubsubqueue.New(topic, client.Subscription(a.cfg.PubSub.Subscription))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.onClose("pubsub queue", func() error {
			q.Close()
			return nil
		})
		a.queue = q
		a.logger.Info("using pubsub task queue",
			zap.String("topic", a.cfg.PubSub.Topic),
			zap.String("subscription", a.cfg.PubSub.Subscription),
		)
	default:
		q := queueMemory.NewQueue(a.cfg.Transport.QueueDepth)
		a.onClose("memory queue", func() error {
			q.Close()
			return nil
		})
		a.queue = q
		a.logger.Info("using in-memory task queue", zap.Int("depth", a.cfg.Transport.QueueDepth))
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (resource.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		a.logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	}
	blobs, closeFn, err := gcsstorage.Open(ctx, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init failed: %w", err)
	}
	a.onClose("gcs", closeFn)
	a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	return blobs, nil
}

// setupPublisher returns nil when no events topic is configured. Without a Pub/Sub project the
// events stay in process and are logged at debug level.
func (a *App) setupPublisher(ctx context.Context) (resource.Publisher, error) {
	if a.cfg.PubSub.EventsTopic == "" {
		a.logger.Info("no events topic configured; completion events are disabled")
		return nil, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.events = pubmemory.NewBounded(memoryEventsRetained, a.logger.Named("events"))
		a.logger.Info("no Pub/Sub project configured; keeping completion events in memory",
			zap.String("topic", a.cfg.PubSub.EventsTopic),
			zap.Int("retained", memoryEventsRetained),
		)
		return a.events, nil
	}
	client, err := a.pubsub(ctx)
	if err != nil {
		return nil, err
	}
	p := gcppublisher.New(client)
	a.onClose("pubsub publisher", func() error {
		p.Close()
		return nil
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.EventsTopic),
	)
	return p, nil
}

func (a *App) pubsub(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.onClose("pubsub client", client.Close)
	a.pubsubClient = client
	return client, nil
}
