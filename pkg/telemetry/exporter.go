package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a Prometheus-only meter provider and binds the
// global instruments to it. Processes that skip Setup use it to still
// expose the engine gauges. The returned func flushes the provider.
func InitMetrics(scope string) (func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if err := GetGlobalMetrics().InitMetrics(provider.Meter(scope)); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize instruments: %w", err)
	}
	return provider.Shutdown, nil
}
