package bootstrap

import (
	"stop_engine/pkg/logging"
)

// InitLogger builds the zap logger for a service and installs it globally.
// Telemetry must be set up first so records also reach the otel log pipeline.
func InitLogger(cfg *Config, service string) (*logging.ZapLogger, error) {
	logger, err := logging.NewServiceLogger(service, cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
