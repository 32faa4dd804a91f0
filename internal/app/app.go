// Package app builds every component from a Config exactly once and owns their shutdown.
// Both binaries and the end-to-end tests go through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/qualys/envdb/internal/access"
	"github.com/qualys/envdb/internal/anonymize"
	"github.com/qualys/envdb/internal/audit"
	"github.com/qualys/envdb/internal/auth"
	"github.com/qualys/envdb/internal/backup"
	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/driver"
	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/manager"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/monitor"
	"github.com/qualys/envdb/internal/notifications"
	"github.com/qualys/envdb/internal/queue"
	"github.com/qualys/envdb/internal/safety"
	"github.com/qualys/envdb/internal/scheduler"
)

const (
	metricsNamespace = "envdb"
	auditStreamLen   = 1_000_000
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Memory    *driver.MemoryStore
	Monitor   *monitor.Monitor
	Audit     *audit.Logger
	DB        *manager.Manager
	Backups   backup.Store
	Sync      *datasync.Manager
	Notifier  *notifications.Service
	Scheduler *scheduler.Scheduler
	Auth      *auth.Service

	// Queue and Worker are nil unless sync.use_queue is set.
	Queue  *queue.Queue
	Worker *queue.Worker

	controlDB *sqlx.DB
	redis     *redis.Client
}

// New wires the component graph. Nothing is started; call Start for background work.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.build(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	envs, err := environment.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("loading environments: %w", err)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewCollector(metricsNamespace, a.Registry)
	a.Monitor = monitor.New(cfg.Monitor.SlowQueryThreshold, cfg.Monitor.RecentQueries, a.Logger, a.Metrics)

	if a.needsControlDB() {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to control database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		a.controlDB = db
	}

	if cfg.Audit.Sink == "redis" || cfg.Sync.UseQueue {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = client
	}

	sink, err := a.auditSink(ctx)
	if err != nil {
		return err
	}
	a.Audit = audit.NewLogger(ctx, sink, a.Monitor, a.Logger, a.Metrics)

	a.Memory = driver.NewMemoryStore()
	a.DB = manager.New(manager.Deps{
		Registry: envs,
		Drivers:  driver.DefaultRegistry(a.Memory),
		Access:   access.NewController(nil),
		Audit:    a.Audit,
		Monitor:  a.Monitor,
		Guard:    safety.NewGuard(safety.FromConfig(cfg.Safety), a.Logger),
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	}, manager.Options{
		CleanupInterval:  cfg.Pool.CleanupInterval,
		RetryAttempts:    cfg.Pool.RetryAttempts,
		RetryBackoff:     cfg.Pool.RetryBackoff,
		HealthWindow:     cfg.Pool.HealthWindow,
		FallbackToMemory: cfg.Safety.FallbackToMemory,
	})

	a.Backups, err = backup.FromConfig(ctx, cfg.Backup)
	if err != nil {
		return fmt.Errorf("creating backup store: %w", err)
	}

	anonymizer, err := anonymize.FromConfig(cfg.Sync.SensitiveFields, cfg.Sync.HashSalt)
	if err != nil {
		return fmt.Errorf("loading anonymization rules: %w", err)
	}

	a.Notifier = notifications.NewService(notifications.ConfigFrom(cfg.Notifications), a.Logger)

	a.Sync = datasync.New(datasync.Deps{
		DB:         a.DB,
		Anonymizer: anonymizer,
		Backups:    a.Backups,
		Audit:      a.Audit,
		Metrics:    a.Metrics,
		Notifier:   a.Notifier,
		Logger:     a.Logger,
	}, datasync.ConfigFrom(cfg))

	if err := a.buildScheduler(ctx, sink); err != nil {
		return err
	}

	if cfg.Sync.UseQueue {
		a.Queue = queue.NewFromClient(a.redis, "")
		a.Worker = queue.NewWorker(queue.WorkerConfig{
			Queue:  a.Queue,
			Syncer: a.Sync,
			Logger: a.Logger,
		})
	}

	a.Auth = auth.NewService(auth.ConfigFrom(cfg.Auth))
	return nil
}

func (a *App) needsControlDB() bool {
	return a.Config.Audit.Sink == "postgres" || a.Config.Database.Host != ""
}

func (a *App) auditSink(ctx context.Context) (audit.Sink, error) {
	cfg := a.Config.Audit
	switch cfg.Sink {
	case "postgres":
		sink := audit.NewPostgresSink(a.controlDB)
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("creating audit schema: %w", err)
		}
		return sink, nil
	case "redis":
		return audit.NewRedisSink(a.redis, cfg.Stream, auditStreamLen), nil
	case "memory":
		return audit.NewMemorySink(), nil
	default:
		sink, err := audit.NewFileSink(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		return sink, nil
	}
}

func (a *App) buildScheduler(ctx context.Context, sink audit.Sink) error {
	var store scheduler.Store
	if a.controlDB != nil {
		pg := scheduler.NewPostgresStore(a.controlDB)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("creating scheduler schema: %w", err)
		}
		store = pg
	} else {
		store = scheduler.NewMemoryStore()
	}
	a.Scheduler = scheduler.NewScheduler(store, a.Logger)

	handlers := &scheduler.Handlers{Sync: a.Sync.SyncData}
	if purger, ok := sink.(audit.Purger); ok {
		handlers.Purge = purger.Purge
	}
	handlers.Register(a.Scheduler)

	for _, job := range scheduler.DefaultJobs(a.Config) {
		if _, err := a.Scheduler.EnsureJob(ctx, job); err != nil {
			return fmt.Errorf("seeding job %s: %w", job.Name, err)
		}
	}
	return nil
}

// Start warms the pools and starts the scheduler and, when configured, the queue worker.
// A pool that cannot be warmed is logged; the environment stays usable once it recovers.
func (a *App) Start(ctx context.Context) error {
	if err := a.DB.Warm(ctx); err != nil {
		a.Logger.Warn("some pools could not be warmed", "error", err)
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if a.Worker != nil {
		if err := a.Worker.Start(ctx); err != nil {
			return fmt.Errorf("starting sync worker: %w", err)
		}
	}
	return nil
}

// WatchHealth evaluates health every interval and forwards verdict changes to the notifier.
// It returns when ctx is done.
func (a *App) WatchHealth(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Notifier.HealthChanged(ctx, a.DB.Health(ctx))
		}
	}
}

// Close stops background work and releases every resource in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pools: %w", err))
		}
	}
	if closer, ok := a.Backups.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backup store: %w", err))
		}
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit log: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.controlDB != nil {
		if err := a.controlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing control database: %w", err))
		}
	}
	return errors.Join(errs...)
}
