// stop_monitor is the stand-alone backstop: it polls REST prices for every
// armed or active position and, when an outbox stream is configured, tails
// the event stream to the log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stop_engine/internal/bootstrap"
	"stop_engine/internal/core"
	"stop_engine/internal/outbox"
	"stop_engine/internal/trading/monitor"
	"stop_engine/pkg/telemetry"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	tail := flag.Bool("tail", true, "Tail the outbox stream when redis_url is set")
	once := flag.Bool("once", false, "Run a single poll and exit")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	_ = godotenv.Load()
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configPath = env
	}

	app, err := bootstrap.NewApp(*configPath, "stop_monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if !app.Cfg.Telemetry.Enabled && *metricsAddr != "" {
		shutdown, err := telemetry.InitMetrics("stop_monitor")
		if err != nil {
			app.Logger.Warn("Metrics disabled", "error", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := bootstrap.NewCore(ctx, app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to build monitor", "error", err)
		app.Close()
		os.Exit(1)
	}
	defer c.Close()

	poller := monitor.NewPoller(c.Store, c.Exchange, c.Manager, app.Cfg.Poller.Interval, app.Logger)
	if *once {
		stats, err := poller.PollOnce(ctx)
		if err != nil {
			app.Logger.Error("Poll failed", "error", err)
			c.Close()
			app.Close()
			os.Exit(1)
		}
		app.Logger.Info("Poll finished",
			"positions", stats.Positions,
			"symbols", stats.Symbols,
			"evaluated", stats.Evaluated,
			"price_errors", stats.PriceErrors,
			"eval_errors", stats.EvalErrors)
		return
	}

	runners := []bootstrap.Runner{poller}
	if *metricsAddr != "" {
		runners = append(runners, metricsServer(*metricsAddr))
	}
	if *tail && app.Cfg.Outbox.RedisURL != "" {
		consumer, err := newTail(ctx, app.Cfg, app.Logger)
		if err != nil {
			app.Logger.Error("Failed to connect to event stream", "error", err)
			c.Close()
			app.Close()
			os.Exit(1)
		}
		runners = append(runners, consumer)
	}

	if err := app.RunContext(ctx, runners...); err != nil {
		c.Close()
		app.Close()
		os.Exit(1)
	}
}

// newTail logs every outbox event once, sharing dedup claims through Redis
func newTail(ctx context.Context, cfg *bootstrap.Config, logger core.ILogger) (bootstrap.Runner, error) {
	rdb, err := outbox.NewRedisClient(ctx, cfg.Outbox.RedisURL)
	if err != nil {
		return nil, err
	}
	bus := outbox.NewRedisStreamBus(rdb, cfg.Outbox.Stream)
	dedup := outbox.NewRedisDeduper(rdb, "stop_monitor:seen:", cfg.Outbox.DedupTTL)
	consumer := outbox.NewConsumer(bus, dedup, "$", logger)

	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		defer rdb.Close()
		return consumer.Run(ctx, func(_ context.Context, msg outbox.StreamMessage) error {
			logger.Info("Event",
				"routing_key", msg.RoutingKey,
				"event_id", msg.EventID,
				"seq", msg.EventSeq,
				"stream_id", msg.ID)
			return nil
		})
	}), nil
}

func metricsServer(addr string) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	})
}
