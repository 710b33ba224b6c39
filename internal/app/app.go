// Package app wires the send-queue engine from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/campaign-sendqueue/internal/config"
	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/lock"
	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/mailer"
	"github.com/campaign-sendqueue/internal/ratelimit"
	"github.com/campaign-sendqueue/internal/render"
	"github.com/campaign-sendqueue/internal/retry"
	"github.com/campaign-sendqueue/internal/service"
	"github.com/campaign-sendqueue/internal/storage"
)

// App holds the engine components shared by the server and the worker
type App struct {
	Config    *config.Config
	Store     storage.Store
	Limiter   ratelimit.Limiter
	Guard     lock.Guard
	Transport mailer.Transport
	Processor *job.BatchProcessor
	Sweeper   *job.Sweeper
	Campaigns *service.CampaignService

	postgres *storage.PostgresDB
	redis    *storage.RedisCache
}

// NewLogger builds the process logger from the logging section and installs it globally
func NewLogger(cfg config.LoggingConfig) *logging.Logger {
	logger := logging.NewFileLogger(
		logging.ParseLogLevel(cfg.Level),
		logging.ParseLogFormat(cfg.Format),
		logging.FileOptions{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   true,
		},
	)
	logging.SetGlobalLogger(logger)
	return logger
}

// New connects the configured backends and builds the engine
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.FromContext(ctx)
	a := &App{Config: cfg}

	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("Using in-memory store, state is lost on exit")
		a.Store = storage.NewMemoryStore()
	default:
		if cfg.Migrations.AutoMigrate {
			if err := storage.RunMigrations(&cfg.Database.Postgres, cfg.Migrations.Path); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.WithField("path", cfg.Migrations.Path).Info("Migrations applied")
		}
		var db *storage.PostgresDB
		err := retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
			var err error
			db, err = storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.postgres = db
		a.Store = storage.NewPostgresStore(db)
	}

	if cfg.Database.Redis.Enabled {
		rc, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rc
	}

	limiterCfg := ratelimit.Config{
		HourlyLimit:       cfg.RateLimit.HourlyLimit,
		GlobalHourlyLimit: cfg.RateLimit.GlobalHourlyLimit,
		Window:            ratelimit.DefaultWindow,
	}
	var err error
	if cfg.RateLimit.Backend == "redis" {
		a.Limiter, err = ratelimit.NewRedisLimiter(a.redis.Client(), limiterCfg)
	} else {
		a.Limiter, err = ratelimit.NewStoreLimiter(a.Store, limiterCfg)
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	logger.WithField("backend", cfg.RateLimit.Backend).Info(limiterCfg.String())

	if a.redis != nil {
		a.Guard = lock.NewRedisGuard(a.redis.Client(), 0)
	} else {
		a.Guard = lock.NewLocalGuard()
	}

	if cfg.SMTP.DryRun {
		logger.Warn("SMTP dry run enabled, messages are logged and not sent")
		a.Transport = mailer.NewLogTransport(logger)
	} else {
		a.Transport = mailer.NewSMTPTransport(cfg.SMTP, cfg.Queue.TransportTimeout)
	}

	a.Processor = job.NewBatchProcessor(a.Store, a.Limiter, a.Transport, render.NewRenderer(cfg.Server.PublicURL), job.Options{
		BatchSize:        cfg.Queue.BatchSize,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		StaleThreshold:   cfg.Queue.StaleThreshold,
		DeferWindow:      cfg.Queue.DeferWindow,
		TransportTimeout: cfg.Queue.TransportTimeout,
		Backoff:          retry.BackoffPolicy{Base: cfg.Queue.BaseBackoff, Max: cfg.Queue.MaxBackoff},
	})
	a.Sweeper = job.NewSweeper(a.Store, cfg.Queue.StaleThreshold)
	a.Campaigns = service.NewCampaignService(a.Store, a.Processor, a.Guard, cfg.Queue.BatchSize)
	if a.redis != nil {
		a.Campaigns.WithProgressCache(storage.NewCacheService(a.redis, storage.DefaultProgressTTL))
	}

	return a, nil
}

// Ping checks the backing store
func (a *App) Ping(ctx context.Context) error {
	if a.postgres != nil {
		if err := a.postgres.Ping(ctx); err != nil {
			return err
		}
	}
	if a.redis != nil {
		return a.redis.Ping(ctx)
	}
	return nil
}

// Close releases backend connections
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close redis")
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
}
