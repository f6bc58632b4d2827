// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Database    DatabaseConfig            `yaml:"database"`
	Engine      EngineConfig              `yaml:"engine"`
	Risk        RiskConfig                `yaml:"risk"`
	Feed        FeedConfig                `yaml:"feed"`
	Poller      PollerConfig              `yaml:"poller"`
	Safety      SafetyConfig              `yaml:"safety"`
	Outbox      OutboxConfig              `yaml:"outbox"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	API         APIConfig                 `yaml:"api"`
	System      SystemConfig              `yaml:"system"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	Exchange string `yaml:"exchange"` // binance or mock
}

// ExchangeConfig contains exchange-specific configuration
type ExchangeConfig struct {
	APIKey       Secret        `yaml:"api_key"`
	SecretKey    Secret        `yaml:"secret_key"`
	BaseURL      string        `yaml:"base_url"`
	StreamURL    string        `yaml:"stream_url"`
	Testnet      bool          `yaml:"testnet"`
	FeeRate      float64       `yaml:"fee_rate"`
	RequestRate  float64       `yaml:"request_rate"` // requests per second
	RequestBurst int           `yaml:"request_burst"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DatabaseConfig selects the event log backend
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite or postgres
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// EngineConfig drives sizing, entry and exit execution
type EngineConfig struct {
	Leverage              int           `yaml:"leverage"`
	MinStopDistancePct    float64       `yaml:"min_stop_distance_pct"`
	MaxStopDistancePct    float64       `yaml:"max_stop_distance_pct"`
	MaxRiskPercent        float64       `yaml:"max_risk_percent"`
	TokenBucket           time.Duration `yaml:"token_bucket"`
	StalePriceThreshold   time.Duration `yaml:"stale_price_threshold"`
	EntryTimeout          time.Duration `yaml:"entry_timeout"`
	EntryMaxRetries       int           `yaml:"entry_max_retries"`
	ExitAttemptTimeout    time.Duration `yaml:"exit_attempt_timeout"`
	ExitMaxRetries        int           `yaml:"exit_max_retries"`
	ExitRetryBackoff      time.Duration `yaml:"exit_retry_backoff"`
	ExitRetryMaxBackoff   time.Duration `yaml:"exit_retry_max_backoff"`
	TradingEnabled        bool          `yaml:"trading_enabled"`
	DefaultQuantityDigits int           `yaml:"default_quantity_digits"`
}

// RiskConfig contains circuit breaker and slippage settings
type RiskConfig struct {
	FailureThreshold          int           `yaml:"failure_threshold"`
	RetryDelay                time.Duration `yaml:"retry_delay"`
	MaxRetryDelay             time.Duration `yaml:"max_retry_delay"`
	TrialTimeout              time.Duration `yaml:"trial_timeout"`
	MaxSlippagePct            float64       `yaml:"max_slippage_pct"`
	SlippagePauseThresholdPct float64       `yaml:"slippage_pause_threshold_pct"`
}

// FeedConfig contains the live price stream settings
type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Symbols        []string      `yaml:"symbols"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
}

// PollerConfig contains the cron backstop settings
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// SafetyConfig contains the rogue position scanner settings
type SafetyConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	DefaultStopPercent float64       `yaml:"default_stop_percent"`
	AutoExecute        bool          `yaml:"auto_execute"`
}

// OutboxConfig contains the publisher settings
type OutboxConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RedisURL     string        `yaml:"redis_url"`
	Stream       string        `yaml:"stream"`
	DedupTTL     time.Duration `yaml:"dedup_ttl"`
}

// AlertsConfig contains notification channel settings
type AlertsConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// APIConfig contains the control surface settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	EventStream EventStreamConfig `yaml:"event_stream"`
}

// EventStreamConfig contains the websocket dashboard feed settings
type EventStreamConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ExecutionPoolSize   int `yaml:"execution_pool_size"`
	ExecutionPoolBuffer int `yaml:"execution_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	StdoutExporter bool   `yaml:"stdout_exporter"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Unset fields keep the values of DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML content on top of the defaults and validates it
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateDatabaseConfig,
		c.validateEngineConfig,
		c.validateRiskConfig,
		c.validateSafetyConfig,
		c.validateSystemConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validExchanges := []string{"binance", "mock"}
	if !contains(validExchanges, c.App.Exchange) {
		return ValidationError{
			Field:   "app.exchange",
			Value:   c.App.Exchange,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}

	if c.App.Exchange == "mock" {
		return nil
	}

	exchange, exists := c.Exchanges[c.App.Exchange]
	if !exists {
		return ValidationError{
			Field:   "app.exchange",
			Value:   c.App.Exchange,
			Message: "exchange configuration not found in exchanges section",
		}
	}
	if !exchange.APIKey.IsSet() {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.api_key", c.App.Exchange),
			Message: "API key is required",
		}
	}
	if !exchange.SecretKey.IsSet() {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.secret_key", c.App.Exchange),
			Message: "secret key is required",
		}
	}
	if exchange.FeeRate < 0 || exchange.FeeRate > 1 {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.fee_rate", c.App.Exchange),
			Value:   exchange.FeeRate,
			Message: "fee rate must be between 0 and 1",
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if !contains([]string{"sqlite", "postgres"}, c.Database.Driver) {
		return ValidationError{
			Field:   "database.driver",
			Value:   c.Database.Driver,
			Message: "must be one of: sqlite, postgres",
		}
	}
	if c.Database.URL == "" {
		return ValidationError{
			Field:   "database.url",
			Message: "database url is required",
		}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.Leverage < 1 || c.Engine.Leverage > 125 {
		return ValidationError{
			Field:   "engine.leverage",
			Value:   c.Engine.Leverage,
			Message: "leverage must be between 1 and 125",
		}
	}
	if c.Engine.MinStopDistancePct <= 0 || c.Engine.MaxStopDistancePct <= c.Engine.MinStopDistancePct {
		return ValidationError{
			Field:   "engine.min_stop_distance_pct",
			Value:   c.Engine.MinStopDistancePct,
			Message: "must be positive and below max_stop_distance_pct",
		}
	}
	if c.Engine.MaxRiskPercent <= 0 || c.Engine.MaxRiskPercent > 100 {
		return ValidationError{
			Field:   "engine.max_risk_percent",
			Value:   c.Engine.MaxRiskPercent,
			Message: "must be in (0, 100]",
		}
	}
	if c.Engine.TokenBucket <= 0 {
		return ValidationError{
			Field:   "engine.token_bucket",
			Value:   c.Engine.TokenBucket,
			Message: "token bucket must be positive",
		}
	}
	if c.Engine.StalePriceThreshold <= 0 {
		return ValidationError{
			Field:   "engine.stale_price_threshold",
			Value:   c.Engine.StalePriceThreshold,
			Message: "stale price threshold must be positive",
		}
	}
	if c.Engine.ExitMaxRetries < 0 || c.Engine.EntryMaxRetries < 0 {
		return ValidationError{
			Field:   "engine.exit_max_retries",
			Value:   c.Engine.ExitMaxRetries,
			Message: "retry budgets cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.FailureThreshold < 1 {
		return ValidationError{
			Field:   "risk.failure_threshold",
			Value:   c.Risk.FailureThreshold,
			Message: "failure threshold must be at least 1",
		}
	}
	if c.Risk.RetryDelay <= 0 || c.Risk.MaxRetryDelay < c.Risk.RetryDelay {
		return ValidationError{
			Field:   "risk.retry_delay",
			Value:   c.Risk.RetryDelay,
			Message: "retry delay must be positive and not exceed max_retry_delay",
		}
	}
	if c.Risk.TrialTimeout < c.Engine.ExitAttemptTimeout {
		return ValidationError{
			Field:   "risk.trial_timeout",
			Value:   c.Risk.TrialTimeout,
			Message: "trial timeout must cover at least one exit attempt",
		}
	}
	if c.Risk.MaxSlippagePct <= 0 || c.Risk.SlippagePauseThresholdPct < c.Risk.MaxSlippagePct {
		return ValidationError{
			Field:   "risk.slippage_pause_threshold_pct",
			Value:   c.Risk.SlippagePauseThresholdPct,
			Message: "pause threshold must be at least max_slippage_pct",
		}
	}
	return nil
}

func (c *Config) validateSafetyConfig() error {
	if !c.Safety.Enabled {
		return nil
	}
	if c.Safety.DefaultStopPercent <= 0 || c.Safety.DefaultStopPercent >= 100 {
		return ValidationError{
			Field:   "safety.default_stop_percent",
			Value:   c.Safety.DefaultStopPercent,
			Message: "default stop percent must be in (0, 100)",
		}
	}
	if c.Safety.ScanInterval <= 0 {
		return ValidationError{
			Field:   "safety.scan_interval",
			Value:   c.Safety.ScanInterval,
			Message: "scan interval must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// CurrentExchange returns the configuration of the selected exchange
func (c *Config) CurrentExchange() ExchangeConfig {
	return c.Exchanges[c.App.Exchange]
}

// String returns a YAML representation with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with production defaults and a mock
// exchange on a local SQLite file
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "stop_engine",
			Exchange: "mock",
		},
		Exchanges: map[string]ExchangeConfig{},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			URL:          "stop_engine.db",
			MaxOpenConns: 10,
		},
		Engine: EngineConfig{
			Leverage:              3,
			MinStopDistancePct:    0.1,
			MaxStopDistancePct:    10,
			MaxRiskPercent:        5,
			TokenBucket:           time.Minute,
			StalePriceThreshold:   30 * time.Second,
			EntryTimeout:          10 * time.Second,
			EntryMaxRetries:       2,
			ExitAttemptTimeout:    5 * time.Second,
			ExitMaxRetries:        3,
			ExitRetryBackoff:      200 * time.Millisecond,
			ExitRetryMaxBackoff:   2 * time.Second,
			TradingEnabled:        true,
			DefaultQuantityDigits: 3,
		},
		Risk: RiskConfig{
			FailureThreshold:          3,
			RetryDelay:                5 * time.Minute,
			MaxRetryDelay:             time.Hour,
			TrialTimeout:              time.Minute,
			MaxSlippagePct:            5,
			SlippagePauseThresholdPct: 10,
		},
		Feed: FeedConfig{
			Enabled:        true,
			ReconnectDelay: 5 * time.Second,
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
		},
		Poller: PollerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Safety: SafetyConfig{
			Enabled:            true,
			ScanInterval:       time.Minute,
			DefaultStopPercent: 2,
			AutoExecute:        true,
		},
		Outbox: OutboxConfig{
			Enabled:      true,
			PollInterval: time.Second,
			BatchSize:    100,
			MaxRetries:   20,
			Stream:       "stop_engine.events",
			DedupTTL:     24 * time.Hour,
		},
		API: APIConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			EventStream: EventStreamConfig{
				Enabled:        true,
				MaxConnections: 100,
				RateLimit:      5,
				RateBurst:      10,
			},
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Concurrency: ConcurrencyConfig{
			ExecutionPoolSize:   8,
			ExecutionPoolBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "stop_engine",
		},
	}
}
