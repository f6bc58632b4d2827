package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stop_engine/internal/bootstrap"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stop_engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Secrets come from the environment; .env is optional
	_ = godotenv.Load()
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configPath = env
	}

	app, err := bootstrap.NewApp(*configPath, "stop_engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.NewEngine(ctx, app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to build engine", "error", err)
		app.Close()
		os.Exit(1)
	}
	defer engine.Close()

	app.Logger.Info("Starting stop engine",
		"version", version,
		"exchange", app.Cfg.App.Exchange,
		"listen_addr", app.Cfg.API.ListenAddr,
		"trading_enabled", app.Cfg.Engine.TradingEnabled)

	if err := engine.Start(ctx); err != nil {
		app.Logger.Error("Failed to start engine", "error", err)
		engine.Close()
		app.Close()
		os.Exit(1)
	}

	if err := app.RunContext(ctx, engine.Runners()...); err != nil {
		engine.Close()
		app.Close()
		os.Exit(1)
	}
}
