// Package app builds the service graph shared by the API and scheduler binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lead-engine/internal/api"
	"lead-engine/internal/automation"
	"lead-engine/internal/clock"
	"lead-engine/internal/config"
	"lead-engine/internal/engine"
	"lead-engine/internal/lock"
	"lead-engine/internal/queue"
	"lead-engine/internal/ratelimit"
	"lead-engine/internal/report"
	"lead-engine/internal/scheduler"
	"lead-engine/internal/store"
	"lead-engine/internal/store/memstore"
	"lead-engine/internal/templates"
)

// MemoryDSN selects the in-process store instead of Postgres.
const MemoryDSN = "memory"

// App holds the wired components.
type App struct {
	Config      config.Config
	Log         zerolog.Logger
	Clock       clock.Clock
	Store       store.Repository
	Redis       *redis.Client
	Retries     *queue.RetryQueue
	Limiter     *ratelimit.TokenBucket
	Engine      *engine.Engine
	Templates   *templates.Registry
	Automations *automation.Service
	Scheduler   *scheduler.Scheduler

	pings   []func(context.Context) error
	closers []func()
}

// Build connects storage and Redis, runs migrations, and wires every component.
// An empty REDIS_ADDR runs without retries, distributed locks or rate limits.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: clock.Real{Loc: cfg.Location()}}

	if cfg.PostgresDSN == MemoryDSN {
		log.Warn().Msg("using in-memory store, data is lost on exit")
		a.Store = memstore.New()
	} else {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = pg
		a.pings = append(a.pings, pg.Ping)
	}

	var (
		locker  lock.Locker = lock.Noop{}
		retries engine.RetryQueue
	)
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.pings = append(a.pings, func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
		a.Retries = queue.NewRetryQueue(a.Redis)
		retries = a.Retries
		locker = lock.NewRedis(a.Redis)
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		log.Warn().Msg("REDIS_ADDR empty: retries, distributed locks and rate limits disabled")
	}

	archiver, err := report.NewArchiver(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	catalog, err := templates.LoadCatalog(cfg.TemplateCatalogPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Templates = templates.NewRegistry(a.Store, catalog, log)
	if cfg.SeedOnStart {
		if _, err := a.Templates.Seed(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Engine = engine.New(a.Store, retries, locker, archiver, a.Clock, log, engine.Options{
		MicroBatchSize: cfg.MicroBatchSize,
		MaxBatchLeads:  cfg.MaxBatchLeads,
		LockTTL:        cfg.AutomationLockTTL,
		RetryBatchSize: cfg.RetryBatchSize,
	})
	a.Automations = automation.NewService(a.Store, a.Clock, log)
	a.Scheduler = scheduler.New(a.Engine, a.Store, locker, a.Clock, log, scheduler.Options{
		ItemDelay:      cfg.SchedulerDelay,
		TickInterval:   cfg.TickInterval,
		DailyMetricsAt: cfg.DailyMetricsAt,
	})
	return a, nil
}

// API returns the HTTP server over the wired components.
func (a *App) API() *api.Server {
	deps := api.Deps{
		Engine:      a.Engine,
		Automations: a.Automations,
		Templates:   a.Templates,
		Scheduler:   a.Scheduler,
		Health:      a.Store,
		Clock:       a.Clock,
	}
	if a.Retries != nil {
		deps.DeadLetters = a.Retries
	}
	if a.Limiter != nil {
		deps.Limiter = a.Limiter
	}
	if len(a.pings) > 0 {
		deps.Pinger = api.PingFunc(a.Ping)
	}
	return api.New(deps, a.Log)
}

// Ping checks Postgres and Redis when they are configured.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	for _, ping := range a.pings {
		errs = append(errs, ping(ctx))
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
