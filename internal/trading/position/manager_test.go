package position

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/store"
	"stop_engine/internal/trading/fsm"
	apperrors "stop_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storedPosition writes a position straight to the store, bypassing the task machinery
func (e *testEnv) storedPosition(t *testing.T, id, symbol string, state core.PositionState) *core.Position {
	t.Helper()
	pos := &core.Position{
		ID:          id,
		Symbol:      symbol,
		Side:        core.SideLong,
		State:       state,
		Leverage:    3,
		Capital:     decimal.NewFromInt(10000),
		RiskPercent: decimal.NewFromInt(1),
		Quantity:    decimal.RequireFromString("0.05"),
		EntryPrice:  decimal.NewFromInt(50000),
		TechnicalStop: core.TechnicalStop{
			EntryPrice:  decimal.NewFromInt(50000),
			InitialStop: decimal.NewFromInt(48000),
			Distance:    decimal.NewFromInt(2000),
			DistancePct: decimal.NewFromInt(4),
		},
		StopPrice: decimal.NewFromInt(48000),
	}
	if state == core.StateActive {
		filled := time.Now().UTC()
		pos.EntryFillPrice = decimal.NewFromInt(50000)
		pos.EntryFilledAt = &filled
		pos.TrailingStop = decimal.NewFromInt(48000)
		pos.FavorableExtreme = decimal.NewFromInt(50000)
	}
	require.NoError(t, e.store.CreatePosition(context.Background(), pos))
	return pos
}

func TestManager_ArmGoldenRule(t *testing.T) {
	env := newTestEnv(t)
	pos, err := env.manager.Arm(context.Background(), goldenRequest())
	require.NoError(t, err)

	assert.Equal(t, core.StateArmed, pos.State)
	assert.Equal(t, "0.05", pos.Quantity.String())
	assert.Equal(t, "48000", pos.StopPrice.String())
	assert.True(t, pos.TrailingStop.IsZero())
	assert.Equal(t, 3, pos.Leverage)

	loaded, err := env.manager.Get(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.05", loaded.Quantity.String())
	assert.Equal(t, "2000", loaded.TechnicalStop.Distance.String())
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventPositionArmed))
	assert.Equal(t, 1, env.manager.ActiveTasks())
}

func TestManager_ArmValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(r *ArmRequest)
	}{
		{"missing symbol", func(r *ArmRequest) { r.Symbol = "" }},
		{"risk above maximum", func(r *ArmRequest) { r.RiskPercent = decimal.NewFromInt(6) }},
		{"stop on wrong side", func(r *ArmRequest) { r.StopPrice = decimal.NewFromInt(51000) }},
		{"target on wrong side", func(r *ArmRequest) { r.TargetPrice = decimal.NewFromInt(49000) }},
		{"notional above capital x leverage", func(r *ArmRequest) {
			r.Capital = decimal.NewFromInt(1000)
			r.RiskPercent = decimal.NewFromInt(5)
			r.StopPrice = decimal.NewFromInt(49500)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := goldenRequest()
			tt.mutate(&req)
			_, err := env.manager.Arm(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest), err.Error())
		})
	}

	all, err := env.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManager_DisarmOnlyWhileArmed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	pos, err := env.manager.Arm(ctx, goldenRequest())
	require.NoError(t, err)

	disarmed, err := env.manager.Disarm(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateDisarmed, disarmed.State)
	assert.Equal(t, 0, env.manager.ActiveTasks())

	_, err = env.manager.Disarm(ctx, pos.ID)
	assert.True(t, errors.Is(err, fsm.ErrIllegalTransition))

	err = env.manager.Signal(ctx, pos.ID, EntrySignal{})
	var terr *fsm.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, core.StateDisarmed, terr.From)
	assert.Equal(t, core.StateEntering, terr.To)
}

func TestManager_EntryThenTrailingStopExit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	pos := env.activeLong(t, goldenRequest())

	assert.True(t, pos.EntryFillPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, "48000", pos.TrailingStop.String())
	assert.NotNil(t, pos.EntryFilledAt)
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventEntryFilled))

	orders := env.exchange.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, core.EntryToken(pos.ID), orders[0].ClientOrderID)
	assert.Equal(t, core.OrderSideBuy, orders[0].Side)

	// a new high tightens the stop to 51000 - 2000
	require.Eventually(t, func() bool {
		env.tick("BTCUSDT", 51000)
		p, err := env.store.GetPosition(ctx, pos.ID)
		return err == nil && p.TrailingStop.Equal(decimal.NewFromInt(49000))
	}, 3*time.Second, 10*time.Millisecond)

	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(48900))
	require.Eventually(t, func() bool {
		env.tick("BTCUSDT", 48900)
		p, err := env.store.GetPosition(ctx, pos.ID)
		return err == nil && p.State == core.StateClosed
	}, 3*time.Second, 10*time.Millisecond)

	closed, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExitReasonTrailingStop, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(48900)))
	assert.True(t, closed.RealizedPnL.IsNegative())
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventTriggered))
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventExecuted))
	assert.GreaterOrEqual(t, env.count(t, pos.ID, core.EventTrailingStopUpdated), 1)
	assert.Len(t, env.exchange.Orders(), 2)

	require.Eventually(t, func() bool { return env.manager.ActiveTasks() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_KillSwitchBlocksEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	pos, err := env.manager.Arm(ctx, goldenRequest())
	require.NoError(t, err)

	env.manager.SetKillSwitch(true, "exchange maintenance")
	engaged, reason := env.manager.KillSwitch()
	assert.True(t, engaged)
	assert.Equal(t, "exchange maintenance", reason)

	err = env.manager.Signal(ctx, pos.ID, EntrySignal{SignalID: "s1"})
	assert.True(t, errors.Is(err, core.ErrKillSwitch))
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventKillSwitch))
	assert.Equal(t, 0, env.exchange.PlaceCalls())

	loaded, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateArmed, loaded.State)

	env.manager.SetKillSwitch(false, "")
	require.NoError(t, env.manager.Signal(ctx, pos.ID, EntrySignal{SignalID: "s2"}))
	env.waitForState(t, pos.ID, core.StateActive)
}

func TestManager_FailedEntryNeedsAcknowledgement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	env.exchange.FailNextOrders(apperrors.ErrInsufficientFunds)

	pos, err := env.manager.Arm(ctx, goldenRequest())
	require.NoError(t, err)

	_, err = env.manager.Acknowledge(ctx, pos.ID)
	assert.True(t, errors.Is(err, ErrNotInError))

	require.NoError(t, env.manager.Signal(ctx, pos.ID, EntrySignal{}))
	failed := env.waitForState(t, pos.ID, core.StateError)
	assert.Contains(t, failed.LastError, "insufficient")
	assert.Equal(t, 1, env.exchange.PlaceCalls())
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventEntryFailed))
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventPositionError))

	acked, err := env.manager.Acknowledge(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateError, acked.State)
	assert.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventErrorAcknowledged))

	_, err = env.manager.Acknowledge(ctx, pos.ID)
	assert.True(t, errors.Is(err, core.ErrDuplicate))
}

func TestManager_TransientEntryFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.exchange.FailNextOrders(apperrors.ErrNetwork)

	pos := env.activeLong(t, goldenRequest())
	assert.Equal(t, 2, env.exchange.PlaceCalls())
	assert.Len(t, env.exchange.Orders(), 1)
	assert.Equal(t, core.StateActive, pos.State)
}

func TestManager_EvaluateGuardsStalePrices(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	pos := env.storedPosition(t, "p-stale", "BTCUSDT", core.StateActive)
	env.exchange.SetPosition("BTCUSDT", core.SideLong, pos.Quantity, pos.EntryPrice)
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(47990))

	old := time.Now().Add(-2 * time.Minute)
	err := env.manager.Evaluate(ctx, pos.ID, decimal.NewFromInt(47000), old, core.SourceWS)
	assert.True(t, errors.Is(err, core.ErrStalePrice))
	assert.Equal(t, 1, env.count(t, pos.ID, core.EventStalePrice))
	assert.Empty(t, env.exchange.Orders())

	require.NoError(t, env.manager.Evaluate(ctx, pos.ID, decimal.NewFromInt(47990), time.Now(), core.SourceCron))
	closed, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateClosed, closed.State)
	assert.Equal(t, core.ExitReasonStopLoss, closed.ExitReason)

	exec, err := env.store.GetExecution(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SourceCron.String(), exec.Source)

	// closed positions ignore further prices
	require.NoError(t, env.manager.Evaluate(ctx, pos.ID, decimal.NewFromInt(40000), time.Now(), core.SourceWS))
	assert.Len(t, env.exchange.Orders(), 1)
}

func TestManager_EvaluateTargetExit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	pos := env.storedPosition(t, "p-target", "BTCUSDT", core.StateActive)
	pos.TargetPrice = decimal.NewFromInt(55000)
	require.NoError(t, env.store.SavePosition(ctx, pos))
	env.exchange.SetPosition("BTCUSDT", core.SideLong, pos.Quantity, pos.EntryPrice)
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(55010))

	require.NoError(t, env.manager.Evaluate(ctx, pos.ID, decimal.NewFromInt(55010), time.Now(), core.SourceWS))
	closed, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExitReasonTarget, closed.ExitReason)
	assert.True(t, closed.RealizedPnL.IsPositive())
}

func TestManager_PanicExitsBySymbol(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.storedPosition(t, "btc-1", "BTCUSDT", core.StateActive)
	env.storedPosition(t, "btc-2", "BTCUSDT", core.StateActive)
	env.storedPosition(t, "eth-1", "ETHUSDT", core.StateActive)
	env.exchange.SetPosition("BTCUSDT", core.SideLong, decimal.RequireFromString("0.1"), decimal.NewFromInt(50000))
	env.exchange.SetPosition("ETHUSDT", core.SideLong, decimal.RequireFromString("0.05"), decimal.NewFromInt(50000))
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(50500))
	env.exchange.SetPrice("ETHUSDT", decimal.NewFromInt(50500))

	ids, err := env.manager.Panic(ctx, "BTCUSDT")
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"btc-1", "btc-2"}, ids)

	for _, id := range ids {
		p, err := env.store.GetPosition(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.StateClosed, p.State)
		assert.Equal(t, core.ExitReasonPanic, p.ExitReason)
		exec, err := env.store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.SourceManual.String(), exec.Source)
	}
	eth, err := env.store.GetPosition(ctx, "eth-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, eth.State)

	ids, err = env.manager.Panic(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"eth-1"}, ids)
}

func TestManager_RecoverAfterRestart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.exchange.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	env.exchange.SetPrice("ETHUSDT", decimal.NewFromInt(47990))

	armed := env.storedPosition(t, "p-armed", "BTCUSDT", core.StateArmed)

	// entry reached the exchange before the crash
	entering := env.storedPosition(t, "p-entering", "BTCUSDT", core.StateEntering)
	_, err := env.exchange.PlaceMarketOrder(ctx, &core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Quantity: entering.Quantity, ClientOrderID: core.EntryToken(entering.ID),
	})
	require.NoError(t, err)

	// claim won, exit never sent
	exiting := env.storedPosition(t, "p-exiting", "ETHUSDT", core.StateActive)
	env.exchange.SetPosition("ETHUSDT", core.SideLong, exiting.Quantity, exiting.EntryPrice)
	require.NoError(t, env.store.ClaimTrigger(ctx, &core.Event{
		PositionID:   exiting.ID,
		Symbol:       exiting.Symbol,
		Type:         core.EventTriggered,
		Token:        core.ExecutionToken(exiting.ID, exiting.StopPrice, time.Now(), time.Minute),
		Source:       core.SourceWS,
		TriggerPrice: decimal.NewFromInt(47990),
		StopPrice:    exiting.StopPrice,
		Quantity:     exiting.Quantity,
		OrderSide:    core.OrderSideSell,
		Payload:      map[string]interface{}{"reason": core.ExitReasonStopLoss, "tracked": true},
	}, &store.PositionTransition{PositionID: exiting.ID, From: core.StateActive, To: core.StateExiting}))

	report, err := env.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Tasks)
	assert.Equal(t, 1, report.EntriesPending)
	assert.Equal(t, 1, report.ExitsResumed)
	assert.Equal(t, 0, report.Failed)

	closed, err := env.store.GetPosition(ctx, exiting.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateClosed, closed.State)
	assert.Equal(t, core.ExitReasonStopLoss, closed.ExitReason)

	active := env.waitForState(t, entering.ID, core.StateActive)
	assert.True(t, active.EntryFillPrice.Equal(decimal.NewFromInt(50000)))

	require.NoError(t, env.manager.Signal(ctx, armed.ID, EntrySignal{}))
	env.waitForState(t, armed.ID, core.StateActive)

	// one entry order each, one exit
	assert.Len(t, env.exchange.Orders(), 3)
}

func TestManager_RefreshMetricsCountsStates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.storedPosition(t, "a", "BTCUSDT", core.StateActive)
	env.storedPosition(t, "b", "BTCUSDT", core.StateArmed)
	env.storedPosition(t, "c", "BTCUSDT", core.StateArmed)

	counts, err := env.manager.RefreshMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[core.StateActive])
	assert.Equal(t, int64(2), counts[core.StateArmed])
}
