package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/mock"
	"stop_engine/internal/risk"
	"stop_engine/internal/store"
	"stop_engine/internal/trading/execution"
	"stop_engine/internal/trading/monitor"
	"stop_engine/pkg/concurrency"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type testEnv struct {
	store    *store.Store
	exchange *mock.MockExchange
	hub      *monitor.PriceHub
	executor *execution.Executor
	manager  *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := &mockLogger{}

	st, err := store.Open(ctx, store.Options{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "positions.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	ex := mock.NewMockExchange("mock")
	breaker := risk.NewCircuitBreaker(st, risk.CircuitConfig{FailureThreshold: 3, RetryDelay: time.Minute, MaxRetryDelay: time.Hour}, logger)
	executor := execution.NewExecutor(st, ex, breaker, nil, execution.Config{
		AttemptTimeout:  time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: 2 * time.Millisecond,
		FeeRate:         decimal.RequireFromString("0.0004"),
	}, logger)
	hub := monitor.NewPriceHub(logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 16}, logger)

	mgr := NewManager(st, ex, executor, hub, pool, Config{
		Leverage:            3,
		StopBounds:          StopBounds{MinPct: decimal.RequireFromString("0.1"), MaxPct: decimal.NewFromInt(10)},
		MaxRiskPercent:      decimal.NewFromInt(5),
		StalePriceThreshold: 30 * time.Second,
		EntryTimeout:        time.Second,
		EntryMaxRetries:     2,
		EntryRetryBackoff:   time.Millisecond,
	}, logger)

	t.Cleanup(func() {
		mgr.Stop()
		pool.Stop()
		st.Close()
	})
	return &testEnv{store: st, exchange: ex, hub: hub, executor: executor, manager: mgr}
}

func goldenRequest() ArmRequest {
	return ArmRequest{
		Symbol:      "BTCUSDT",
		Side:        core.SideLong,
		Capital:     decimal.NewFromInt(10000),
		RiskPercent: decimal.NewFromInt(1),
		EntryPrice:  decimal.NewFromInt(50000),
		StopPrice:   decimal.NewFromInt(48000),
	}
}

func (e *testEnv) waitForState(t *testing.T, id string, want core.PositionState) *core.Position {
	t.Helper()
	var pos *core.Position
	require.Eventually(t, func() bool {
		p, err := e.store.GetPosition(context.Background(), id)
		if err != nil {
			return false
		}
		pos = p
		return p.State == want
	}, 3*time.Second, 5*time.Millisecond, "position %s never reached %s", id, want)
	return pos
}

func (e *testEnv) count(t *testing.T, id string, typ core.EventType) int {
	t.Helper()
	n, err := e.store.CountEvents(context.Background(), id, typ)
	require.NoError(t, err)
	return n
}

func (e *testEnv) tick(symbol string, price int64) {
	e.hub.Publish(core.PriceTick{Symbol: symbol, Price: decimal.NewFromInt(price), ObservedAt: time.Now(), Source: core.SourceWS})
}

// activeLong arms, signals and waits for the entry fill at the current mock price
func (e *testEnv) activeLong(t *testing.T, req ArmRequest) *core.Position {
	t.Helper()
	e.exchange.SetPrice(req.Symbol, req.EntryPrice)
	pos, err := e.manager.Arm(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, e.manager.Signal(context.Background(), pos.ID, EntrySignal{SignalID: "sig-" + pos.ID}))
	return e.waitForState(t, pos.ID, core.StateActive)
}
