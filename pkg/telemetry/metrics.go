package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricClaimsTotal         = "stop_engine_claims_total"
	MetricExecutionsTotal     = "stop_engine_executions_total"
	MetricSlippagePct         = "stop_engine_slippage_pct"
	MetricLatencyExchange     = "stop_engine_latency_exchange_ms"
	MetricLatencyTickToTrade  = "stop_engine_latency_tick_to_trade_ms"
	MetricTrailingUpdates     = "stop_engine_trailing_updates_total"
	MetricStalePrices         = "stop_engine_stale_prices_total"
	MetricOutboxPublished     = "stop_engine_outbox_published_total"
	MetricOutboxFailures      = "stop_engine_outbox_failures_total"
	MetricCircuitBreakerOpen  = "stop_engine_circuit_breaker_open"
	MetricPositionsByState    = "stop_engine_positions"
	MetricRoguePositions      = "stop_engine_rogue_positions"
	MetricOutboxPending       = "stop_engine_outbox_pending"
	MetricRealizedPnLTotal    = "stop_engine_pnl_realized_total"
	MetricInsuranceExitsTotal = "stop_engine_insurance_exits_total"
)

// MetricsHolder holds initialized instruments. Recording helpers are no-ops
// until InitMetrics has run, so packages can record unconditionally.
type MetricsHolder struct {
	ClaimsTotal         metric.Int64Counter
	ExecutionsTotal     metric.Int64Counter
	SlippagePct         metric.Float64Histogram
	LatencyExchange     metric.Float64Histogram
	LatencyTickToTrade  metric.Float64Histogram
	TrailingUpdates     metric.Int64Counter
	StalePrices         metric.Int64Counter
	OutboxPublished     metric.Int64Counter
	OutboxFailures      metric.Int64Counter
	RealizedPnLTotal    metric.Float64Counter
	InsuranceExitsTotal metric.Int64Counter
	CircuitBreakerOpen  metric.Int64ObservableGauge
	PositionsByState    metric.Int64ObservableGauge
	RoguePositions      metric.Int64ObservableGauge
	OutboxPending       metric.Int64ObservableGauge

	mu             sync.RWMutex
	initialized    bool
	cbOpenMap      map[string]int64
	positionsMap   map[string]int64
	rogueMap       map[string]int64
	outboxPendingN int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			cbOpenMap:    make(map[string]int64),
			positionsMap: make(map[string]int64),
			rogueMap:     make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ClaimsTotal, err = meter.Int64Counter(MetricClaimsTotal,
		metric.WithDescription("Trigger claim attempts by outcome")); err != nil {
		return err
	}
	if m.ExecutionsTotal, err = meter.Int64Counter(MetricExecutionsTotal,
		metric.WithDescription("Stop executions by terminal status")); err != nil {
		return err
	}
	if m.SlippagePct, err = meter.Float64Histogram(MetricSlippagePct,
		metric.WithDescription("Adverse slippage of stop fills"), metric.WithUnit("%")); err != nil {
		return err
	}
	if m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade,
		metric.WithDescription("Time from trigger observation to exchange acknowledgement"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.TrailingUpdates, err = meter.Int64Counter(MetricTrailingUpdates,
		metric.WithDescription("Trailing stop tightenings")); err != nil {
		return err
	}
	if m.StalePrices, err = meter.Int64Counter(MetricStalePrices,
		metric.WithDescription("Evaluations skipped because the price was stale")); err != nil {
		return err
	}
	if m.OutboxPublished, err = meter.Int64Counter(MetricOutboxPublished,
		metric.WithDescription("Outbox entries acknowledged by the bus")); err != nil {
		return err
	}
	if m.OutboxFailures, err = meter.Int64Counter(MetricOutboxFailures,
		metric.WithDescription("Outbox delivery failures")); err != nil {
		return err
	}
	if m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.InsuranceExitsTotal, err = meter.Int64Counter(MetricInsuranceExitsTotal,
		metric.WithDescription("Exits of untracked exchange positions")); err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionsByState, err = meter.Int64ObservableGauge(MetricPositionsByState,
		metric.WithDescription("Tracked positions by lifecycle state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for state, val := range m.positionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("state", state)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RoguePositions, err = meter.Int64ObservableGauge(MetricRoguePositions,
		metric.WithDescription("Untracked exchange positions seen by the last scan"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.rogueMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OutboxPending, err = meter.Int64ObservableGauge(MetricOutboxPending,
		metric.WithDescription("Unpublished outbox entries"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.outboxPendingN)
			return nil
		}))
	if err != nil {
		return err
	}

	m.initialized = true
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// RecordClaim counts one claim attempt. outcome is won, duplicate or blocked.
func (m *MetricsHolder) RecordClaim(ctx context.Context, symbol, source, outcome string) {
	if !m.ready() {
		return
	}
	m.ClaimsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func (m *MetricsHolder) RecordExecution(ctx context.Context, symbol, status string) {
	if !m.ready() {
		return
	}
	m.ExecutionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("status", status),
	))
}

func (m *MetricsHolder) RecordSlippage(ctx context.Context, symbol string, pct float64) {
	if !m.ready() {
		return
	}
	m.SlippagePct.Record(ctx, pct, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordExchangeLatency(ctx context.Context, operation string, ms float64) {
	if !m.ready() {
		return
	}
	m.LatencyExchange.Record(ctx, ms, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *MetricsHolder) RecordTickToTrade(ctx context.Context, symbol string, ms float64) {
	if !m.ready() {
		return
	}
	m.LatencyTickToTrade.Record(ctx, ms, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordTrailingUpdate(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.TrailingUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordStalePrice(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.StalePrices.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordOutbox(ctx context.Context, routingKey string, ok bool) {
	if !m.ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("routing_key", routingKey))
	if ok {
		m.OutboxPublished.Add(ctx, 1, attrs)
		return
	}
	m.OutboxFailures.Add(ctx, 1, attrs)
}

func (m *MetricsHolder) RecordRealizedPnL(ctx context.Context, symbol string, pnl float64) {
	if !m.ready() {
		return
	}
	m.RealizedPnLTotal.Add(ctx, pnl, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordInsuranceExit(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.InsuranceExitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[symbol] = val
}

func (m *MetricsHolder) SetPositionCounts(counts map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsMap = make(map[string]int64, len(counts))
	for k, v := range counts {
		m.positionsMap[k] = v
	}
}

func (m *MetricsHolder) SetRoguePositions(counts map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rogueMap = make(map[string]int64, len(counts))
	for k, v := range counts {
		m.rogueMap[k] = v
	}
}

func (m *MetricsHolder) SetOutboxPending(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboxPendingN = n
}

// GetCircuitBreakerOpen returns a snapshot of breaker states
func (m *MetricsHolder) GetCircuitBreakerOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.cbOpenMap))
	for k, v := range m.cbOpenMap {
		res[k] = v
	}
	return res
}
