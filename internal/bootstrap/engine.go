package bootstrap

import (
	"context"
	"fmt"
	"time"

	"stop_engine/internal/alert"
	"stop_engine/internal/api"
	"stop_engine/internal/core"
	"stop_engine/internal/exchange"
	"stop_engine/internal/infrastructure/health"
	"stop_engine/internal/outbox"
	"stop_engine/internal/risk"
	"stop_engine/internal/safety"
	"stop_engine/internal/store"
	"stop_engine/internal/trading/execution"
	"stop_engine/internal/trading/monitor"
	"stop_engine/internal/trading/position"
	"stop_engine/pkg/concurrency"
	"stop_engine/pkg/liveserver"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Engine is the fully wired stop engine
type Engine struct {
	*Core

	Scanner   *safety.Scanner
	Poller    *monitor.Poller
	Publisher *outbox.Publisher
	Alerts    *alert.AlertManager
	Live      *liveserver.Hub
	Health    *health.HealthManager
	API       *api.Server

	cfg    *Config
	redis  *redis.Client
	logger core.ILogger
}

// Core is the part shared by the engine and the stand-alone monitor
type Core struct {
	Store    *store.Store
	Exchange exchange.Venue
	Breaker  *risk.CircuitBreaker
	Executor *execution.Executor
	Prices   *monitor.PriceHub
	Manager  *position.Manager
	Pool     *concurrency.WorkerPool
}

// NewCore opens the store, migrates it and builds the execution path
func NewCore(ctx context.Context, cfg *Config, logger core.ILogger) (*Core, error) {
	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	ex, err := exchange.NewExchange(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	exCfg := cfg.CurrentExchange()

	breaker := risk.NewCircuitBreaker(st, risk.CircuitConfig{
		FailureThreshold: cfg.Risk.FailureThreshold,
		RetryDelay:       cfg.Risk.RetryDelay,
		MaxRetryDelay:    cfg.Risk.MaxRetryDelay,
		TrialTimeout:     cfg.Risk.TrialTimeout,
	}, logger)

	var limiter *rate.Limiter
	if exCfg.RequestRate > 0 {
		burst := exCfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(exCfg.RequestRate), burst)
	}

	executor := execution.NewExecutor(st, ex, breaker, limiter, execution.Config{
		TokenBucket:     cfg.Engine.TokenBucket,
		AttemptTimeout:  cfg.Engine.ExitAttemptTimeout,
		MaxRetries:      cfg.Engine.ExitMaxRetries,
		RetryBackoff:    cfg.Engine.ExitRetryBackoff,
		RetryMaxBackoff: cfg.Engine.ExitRetryMaxBackoff,
		FeeRate:         decimal.NewFromFloat(exCfg.FeeRate),
		Slippage: risk.SlippagePolicy{
			MaxPct:            decimal.NewFromFloat(cfg.Risk.MaxSlippagePct),
			PauseThresholdPct: decimal.NewFromFloat(cfg.Risk.SlippagePauseThresholdPct),
		},
	}, logger)

	prices := monitor.NewPriceHub(logger)
	if cfg.Feed.ReconnectDelay > 0 {
		prices.SetReconnectDelay(cfg.Feed.ReconnectDelay)
	}
	for _, s := range cfg.Feed.Symbols {
		prices.Track(s)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "execution",
		MaxWorkers:  cfg.Concurrency.ExecutionPoolSize,
		MaxCapacity: cfg.Concurrency.ExecutionPoolBuffer,
	}, logger)

	manager := position.NewManager(st, ex, executor, prices, pool, position.Config{
		Leverage: cfg.Engine.Leverage,
		StopBounds: position.StopBounds{
			MinPct: decimal.NewFromFloat(cfg.Engine.MinStopDistancePct),
			MaxPct: decimal.NewFromFloat(cfg.Engine.MaxStopDistancePct),
		},
		MaxRiskPercent:      decimal.NewFromFloat(cfg.Engine.MaxRiskPercent),
		TokenBucket:         cfg.Engine.TokenBucket,
		StalePriceThreshold: cfg.Engine.StalePriceThreshold,
		EntryTimeout:        cfg.Engine.EntryTimeout,
		EntryMaxRetries:     cfg.Engine.EntryMaxRetries,
		EntryRetryBackoff:   cfg.Engine.ExitRetryBackoff,
	}, logger)
	if !cfg.Engine.TradingEnabled {
		manager.SetKillSwitch(true, "trading disabled by configuration")
	}

	return &Core{
		Store:    st,
		Exchange: ex,
		Breaker:  breaker,
		Executor: executor,
		Prices:   prices,
		Manager:  manager,
		Pool:     pool,
	}, nil
}

// Close stops the position tasks and releases the pool and store
func (c *Core) Close() {
	c.Manager.Stop()
	c.Prices.Stop()
	c.Pool.Stop()
	c.Store.Close()
}

// NewEngine wires every component of the engine process
func NewEngine(ctx context.Context, cfg *Config, logger core.ILogger) (*Engine, error) {
	c, err := NewCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Core:   c,
		cfg:    cfg,
		logger: logger.WithField("component", "engine"),
	}

	e.Alerts = NewAlertManager(cfg, logger)

	if cfg.Safety.Enabled {
		e.Scanner = safety.NewScanner(c.Exchange, c.Store, c.Executor, c.Pool, safety.Config{
			Interval:           cfg.Safety.ScanInterval,
			DefaultStopPercent: decimal.NewFromFloat(cfg.Safety.DefaultStopPercent),
			AutoExecute:        cfg.Safety.AutoExecute,
		}, logger)
	}
	if cfg.Poller.Enabled {
		e.Poller = monitor.NewPoller(c.Store, c.Exchange, c.Manager, cfg.Poller.Interval, logger)
	}
	var events *liveserver.Handler
	if cfg.API.EventStream.Enabled && cfg.Outbox.Enabled {
		e.Live = liveserver.NewHub(logger)
		events = liveserver.NewHandler(e.Live, logger, liveserver.Options{
			AllowedOrigins: cfg.API.EventStream.AllowedOrigins,
			MaxConnections: cfg.API.EventStream.MaxConnections,
			RateLimit:      cfg.API.EventStream.RateLimit,
			RateBurst:      cfg.API.EventStream.RateBurst,
		})
		events.SetHello(func() (liveserver.Message, bool) {
			counts, err := c.Store.CountPositionsByState(context.Background())
			if err != nil {
				return liveserver.Message{}, false
			}
			msg, err := liveserver.NewMessage(liveserver.TypeHello, "", map[string]interface{}{
				"service":   cfg.App.Name,
				"positions": counts,
			})
			return msg, err == nil
		})
	}

	if cfg.Outbox.Enabled {
		bus, rdb, err := NewOutboxBus(ctx, cfg, e.Alerts, e.Live, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		e.redis = rdb
		e.Publisher = outbox.NewPublisher(c.Store, bus, outbox.Config{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxRetries:   cfg.Outbox.MaxRetries,
		}, logger)
	}

	e.Health = health.NewHealthManager(logger, 3*time.Second)
	e.Health.Register("database", c.Store.Ping)
	e.Health.Register("exchange", c.Exchange.CheckHealth)
	if cfg.Feed.Enabled {
		maxAge := 2 * cfg.Engine.StalePriceThreshold
		e.Health.Register("price_feed", func(context.Context) error {
			return c.Prices.CheckHealth(maxAge)
		})
	}
	if e.redis != nil {
		e.Health.Register("redis", func(ctx context.Context) error {
			return e.redis.Ping(ctx).Err()
		})
	}

	deps := api.Dependencies{
		Positions: c.Manager,
		Breakers:  c.Breaker,
		Outbox:    c.Store,
		Health:    e.Health,
	}
	if e.Scanner != nil {
		deps.Safety = e.Scanner
	}
	if events != nil {
		deps.Events = events
	}
	e.API = api.NewServer(cfg.API, deps, logger)
	return e, nil
}

// Start recovers persisted positions and connects the price feed. Exits
// interrupted by the previous shutdown are finished before this returns.
func (e *Engine) Start(ctx context.Context) error {
	report, err := e.Manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}
	e.logger.Info("Positions recovered",
		"tasks", report.Tasks,
		"entries_pending", report.EntriesPending,
		"exits_resumed", report.ExitsResumed,
		"orphan_executions", report.Orphans,
		"failed", report.Failed)

	if e.cfg.Feed.Enabled {
		if err := e.Prices.Start(ctx, e.Exchange); err != nil {
			return err
		}
	}
	return nil
}

// Runners lists the long-running loops of the engine
func (e *Engine) Runners() []Runner {
	runners := []Runner{e.API, RunnerFunc(e.refreshMetrics)}
	if e.Poller != nil {
		runners = append(runners, e.Poller)
	}
	if e.Scanner != nil {
		runners = append(runners, e.Scanner)
	}
	if e.Publisher != nil {
		runners = append(runners, e.Publisher)
	}
	if e.Live != nil {
		runners = append(runners, e.Live)
	}
	return runners
}

func (e *Engine) refreshMetrics(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if _, err := e.Manager.RefreshMetrics(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Failed to refresh position gauges", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases every resource. Positions stay persisted for the next start.
func (e *Engine) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	e.Core.Close()
}

// NewAlertManager registers the configured chat channels
func NewAlertManager(cfg *Config, logger core.ILogger) *alert.AlertManager {
	am := alert.NewAlertManager(logger)
	if cfg.Alerts.TelegramBotToken.IsSet() {
		am.AddChannel(alert.NewTelegramChannel("", cfg.Alerts.TelegramBotToken.Reveal(), cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.SlackWebhookURL.IsSet() {
		am.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL.Reveal()))
	}
	return am
}

// NewOutboxBus builds the delivery target of the outbox: the log, plus
// Redis Streams, chat alerts and the dashboard hub when configured. The
// Redis client is returned so the caller can close it.
func NewOutboxBus(ctx context.Context, cfg *Config, alerts *alert.AlertManager, live *liveserver.Hub, logger core.ILogger) (outbox.Bus, *redis.Client, error) {
	buses := []outbox.Bus{outbox.NewLogBus(logger)}

	var rdb *redis.Client
	if cfg.Outbox.RedisURL != "" {
		client, err := outbox.NewRedisClient(ctx, cfg.Outbox.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		rdb = client
		buses = append(buses, outbox.NewRedisStreamBus(rdb, cfg.Outbox.Stream))
	}
	if alerts != nil && alerts.Channels() > 0 {
		buses = append(buses, outbox.NewAlertBus(alerts))
	}
	if live != nil {
		buses = append(buses, outbox.NewLiveBus(live))
	}

	if len(buses) == 1 {
		return buses[0], rdb, nil
	}
	return outbox.NewFanoutBus(buses...), rdb, nil
}
