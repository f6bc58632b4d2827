package safety

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/mock"
	"stop_engine/internal/risk"
	"stop_engine/internal/store"
	"stop_engine/internal/trading/execution"
	"stop_engine/pkg/concurrency"
	"stop_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type scannerEnv struct {
	store    *store.Store
	exchange *mock.MockExchange
	scanner  *Scanner
}

func newScannerEnv(t *testing.T, autoExecute bool) *scannerEnv {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNopLogger()

	st, err := store.Open(ctx, store.Options{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "scanner.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	ex := mock.NewMockExchange("mock")
	breaker := risk.NewCircuitBreaker(st, risk.CircuitConfig{FailureThreshold: 3, RetryDelay: time.Minute, MaxRetryDelay: time.Hour}, logger)
	executor := execution.NewExecutor(st, ex, breaker, nil, execution.Config{
		TokenBucket:     time.Minute,
		AttemptTimeout:  time.Second,
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: time.Millisecond,
		Slippage: risk.SlippagePolicy{
			MaxPct:            decimal.NewFromInt(5),
			PauseThresholdPct: decimal.NewFromInt(10),
		},
	}, logger)
	executor.SetClock(func() time.Time { return t0 })

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "scanner", MaxWorkers: 2, MaxCapacity: 8}, logger)
	t.Cleanup(pool.Stop)

	sc := NewScanner(ex, st, executor, pool, Config{
		Interval:           time.Minute,
		DefaultStopPercent: decimal.NewFromInt(2),
		AutoExecute:        autoExecute,
	}, logger)
	sc.SetClock(func() time.Time { return t0 })

	return &scannerEnv{store: st, exchange: ex, scanner: sc}
}

func TestScanner_InsuranceStopOnUntrackedLong(t *testing.T) {
	ctx := context.Background()
	env := newScannerEnv(t, true)
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.1"), decimal.NewFromInt(95000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(94000))

	report, err := env.scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	check := report.Checks[0]
	assert.True(t, decimal.NewFromInt(93100).Equal(check.Position.StopPrice), "stop %s", check.Position.StopPrice)
	assert.True(t, decimal.NewFromInt(1900).Equal(check.Position.Distance))
	assert.False(t, check.Breached)
	assert.Empty(t, env.exchange.Orders())

	status := env.scanner.Status()
	require.Len(t, status.Detected, 1)
	assert.True(t, strings.HasPrefix(status.Detected[0].ID, "rogue-BTCUSDT-long-"), status.Detected[0].ID)

	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(93050))
	report, err = env.scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	assert.True(t, report.Checks[0].Breached)
	assert.True(t, report.Checks[0].Executed)

	orders := env.exchange.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.OrderSideSell, orders[0].Side)
	assert.True(t, strings.HasPrefix(orders[0].ClientOrderID, core.TokenPrefixInsurance))
	assert.True(t, decimal.RequireFromString("0.1").Equal(orders[0].Quantity))

	status = env.scanner.Status()
	assert.Empty(t, status.Detected)
	assert.Equal(t, int64(1), status.InsuranceExits)
	assert.Equal(t, int64(2), status.Scans)

	events, err := env.store.ListEventsByToken(ctx, orders[0].ClientOrderID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventTriggered, events[0].Type)
	assert.Equal(t, core.SourceScanner, events[0].Source)

	positions, err := env.exchange.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestScanner_ReopenedRoguePositionIsInsuredAgain(t *testing.T) {
	ctx := context.Background()
	env := newScannerEnv(t, true)
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.1"), decimal.NewFromInt(95000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(93050))

	report, err := env.scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	firstID := report.Checks[0].Position.ID
	require.True(t, report.Checks[0].Executed)
	require.Len(t, env.exchange.Orders(), 1)

	later := t0.Add(2 * time.Hour)
	env.scanner.SetClock(func() time.Time { return later })
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.2"), decimal.NewFromInt(90000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(80000))

	report, err = env.scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	check := report.Checks[0]
	assert.NotEqual(t, firstID, check.Position.ID)
	assert.True(t, check.Breached)
	assert.True(t, check.Executed, "exec error %q", check.ExecError)

	orders := env.exchange.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, core.OrderSideSell, orders[1].Side)
	assert.True(t, decimal.RequireFromString("0.2").Equal(orders[1].Quantity))

	positions, err := env.exchange.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, int64(2), env.scanner.Status().InsuranceExits)
}

func TestScanner_ShortStopAboveEntry(t *testing.T) {
	env := newScannerEnv(t, true)
	env.exchange.SetPosition("ETHUSDT", core.SideShort, decimal.NewFromInt(2), decimal.NewFromInt(3000))
	env.exchange.SetPrice("ETHUSDT", decimal.NewFromInt(3060))

	report, err := env.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	assert.True(t, decimal.NewFromInt(3060).Equal(report.Checks[0].Position.StopPrice))
	assert.True(t, report.Checks[0].Breached)
	require.Len(t, env.exchange.Orders(), 1)
	assert.Equal(t, core.OrderSideBuy, env.exchange.Orders()[0].Side)
}

func TestScanner_TrackedPositionsAreIgnored(t *testing.T) {
	ctx := context.Background()
	env := newScannerEnv(t, true)
	filled := t0.Add(-time.Hour)
	require.NoError(t, env.store.CreatePosition(ctx, &core.Position{
		ID:             "p1",
		Symbol:         "BTCUSDT",
		Side:           core.SideLong,
		State:          core.StateActive,
		Leverage:       3,
		Capital:        decimal.NewFromInt(10000),
		RiskPercent:    decimal.NewFromInt(1),
		Quantity:       decimal.RequireFromString("0.05"),
		EntryPrice:     decimal.NewFromInt(95000),
		EntryFillPrice: decimal.NewFromInt(95000),
		EntryFilledAt:  &filled,
		StopPrice:      decimal.NewFromInt(93000),
		TrailingStop:   decimal.NewFromInt(93000),
	}))
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.05"), decimal.NewFromInt(95000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(90000))

	report, err := env.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tracked)
	assert.Empty(t, report.Checks)
	assert.Empty(t, env.exchange.Orders())

	// a manual top-up on the exchange is insured on its own
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.08"), decimal.NewFromInt(95000))
	report, err = env.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT|long"}, report.Mismatched)
	require.Len(t, report.Checks, 1)
	assert.True(t, decimal.RequireFromString("0.03").Equal(report.Checks[0].Position.Quantity))
	require.Len(t, env.exchange.Orders(), 1)
	assert.True(t, decimal.RequireFromString("0.03").Equal(env.exchange.Orders()[0].Quantity))
}

func TestScanner_DryRunNeitherStoresNorExecutes(t *testing.T) {
	env := newScannerEnv(t, true)
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.1"), decimal.NewFromInt(95000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(93050))

	report, err := env.scanner.DryRun(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Checks, 1)
	assert.True(t, report.Checks[0].Breached)
	assert.False(t, report.Checks[0].Executed)

	assert.Empty(t, env.exchange.Orders())
	status := env.scanner.Status()
	assert.Empty(t, status.Detected)
	assert.Zero(t, status.Scans)
}

func TestScanner_AutoExecuteOffOnlyDetects(t *testing.T) {
	env := newScannerEnv(t, false)
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.1"), decimal.NewFromInt(95000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(93050))

	report, err := env.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Checks[0].Breached)
	assert.Empty(t, env.exchange.Orders())
	assert.Len(t, env.scanner.Status().Detected, 1)
}

func TestScanner_ExchangeFailureIsReported(t *testing.T) {
	env := newScannerEnv(t, true)
	env.exchange.SetPositionsError(assert.AnError)

	_, err := env.scanner.Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, env.scanner.Status().LastError, assert.AnError.Error())
}
