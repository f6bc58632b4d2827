// Package bootstrap loads configuration and runs the engine components
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stop_engine/internal/core"
	"stop_engine/pkg/logging"
	"stop_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the configuration, logger and telemetry of one process
type App struct {
	Cfg    *Config
	Logger core.ILogger

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
}

// NewApp loads the configuration and initializes telemetry and logging
func NewApp(configPath, service string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return NewAppFromConfig(cfg, service)
}

// NewAppFromConfig is NewApp for an already loaded configuration
func NewAppFromConfig(cfg *Config, service string) (*App, error) {
	app := &App{Cfg: cfg}

	if cfg.Telemetry.Enabled {
		name := cfg.Telemetry.ServiceName
		if name == "" {
			name = service
		}
		tel, err := telemetry.Setup(name, telemetry.WithStdoutExporters(cfg.Telemetry.StdoutExporter))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.telemetry = tel
	}

	logger, err := InitLogger(cfg, service)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app.zap = logger
	app.Logger = logger.WithField("service", service)
	return app, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until a termination signal arrives or
// one runner fails, which cancels the others.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext is Run with a caller-owned context
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes telemetry and the logger
func (a *App) Close() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}
