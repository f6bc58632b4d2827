package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"stop_engine/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Database.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Database.URL)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("sqlite directory %s does not exist", dir)
		}
	}

	if cfg.App.Exchange == "binance" {
		exch := cfg.CurrentExchange()
		if !exch.APIKey.IsSet() || !exch.SecretKey.IsSet() {
			return fmt.Errorf("exchanges.binance.api_key and secret_key are required")
		}
	}

	if cfg.Alerts.TelegramBotToken.IsSet() && cfg.Alerts.TelegramChatID == "" {
		return fmt.Errorf("alerts.telegram_chat_id is required when a bot token is set")
	}
	return nil
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return config.DefaultConfig()
}
