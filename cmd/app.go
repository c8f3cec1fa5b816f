package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
	"github.com/Siddhant-K-code/repocache/pkg/config"
	"github.com/Siddhant-K-code/repocache/pkg/logging"
	"github.com/Siddhant-K-code/repocache/pkg/metrics"
	"github.com/Siddhant-K-code/repocache/pkg/repo"
	"github.com/Siddhant-K-code/repocache/pkg/telemetry"
)

// App owns the process-wide instances. The cache is created once here and
// shared by every repository.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Tracing  *telemetry.Provider
	Cache    cache.Cache[any]
	Registry *repo.Registry
}

// newApp wires the application from cfg. open overrides how repositories
// are opened; nil uses go-git on disk.
func newApp(ctx context.Context, cfg *config.Config, open repo.Opener, cacheOpts ...cache.Option) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracing, err := telemetry.Init(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}

	m := metrics.New()

	opts := append([]cache.Option{cache.WithLogger(logger.Named("cache"))}, cacheOpts...)
	c := cache.New[any](ctx, cfg.Cache.Engine(), opts...)

	if err := m.RegisterCache(c.Stats); err != nil {
		logger.Warn("cache metrics unavailable", zap.Error(err))
	}

	registry := repo.NewRegistry(c, open,
		repo.WithLogger(logger.Named("repo")),
		repo.WithTracer(tracing.Tracer()),
		repo.WithRecorder(m),
	)

	logger.Info("cache ready",
		zap.String("backend", c.Stats().Backend),
		zap.Int("max_items", cfg.Cache.MaxItems),
		zap.Int64("max_memory_bytes", cfg.Cache.MaxMemoryBytes),
		zap.Bool("disk", cfg.Cache.Disk.Enabled))

	return &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Tracing:  tracing,
		Cache:    c,
		Registry: registry,
	}, nil
}

// loadApp loads configuration and wires the application.
func loadApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, nil)
}

// Close releases everything newApp created.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if err := a.Tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
