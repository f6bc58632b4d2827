package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/trading/execution"
	"stop_engine/internal/trading/trailing"
	"stop_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Evaluate folds one observed price into an active position: stale guard,
// trailing update, then a stop or target breach goes to the executor.
// Positions that are not active are ignored. A lost claim is not an error.
func (m *Manager) Evaluate(ctx context.Context, id string, price decimal.Decimal, observedAt time.Time, source core.Source) error {
	_, err := m.evaluate(ctx, id, price, observedAt, source)
	return err
}

// evaluate returns the position state the caller should assume afterwards
func (m *Manager) evaluate(ctx context.Context, id string, price decimal.Decimal, observedAt time.Time, source core.Source) (core.PositionState, error) {
	if !price.IsPositive() {
		return core.StateActive, fmt.Errorf("invalid price %s for %s", price, id)
	}
	now := m.now()
	if observedAt.IsZero() {
		observedAt = now
	}

	for attempt := 0; attempt < 3; attempt++ {
		pos, err := m.store.GetPosition(ctx, id)
		if err != nil {
			return core.StateActive, err
		}
		if pos.State != core.StateActive {
			return pos.State, nil
		}

		if now.Sub(observedAt) > m.config.StalePriceThreshold {
			m.recordStale(ctx, pos, core.PriceTick{Symbol: pos.Symbol, Price: price, ObservedAt: observedAt, Source: source}, now)
			return core.StateActive, fmt.Errorf("%s price observed %s ago: %w", pos.Symbol, now.Sub(observedAt).Round(time.Millisecond), core.ErrStalePrice)
		}

		prevStop := pos.TrailingStop
		st := trailing.FromPosition(pos)
		next, tightened := st.Next(price)
		if tightened || !next.Extreme.Equal(st.Extreme) {
			pos.TrailingStop = next.Stop
			pos.FavorableExtreme = next.Extreme
			var events []*core.Event
			if tightened {
				events = append(events, &core.Event{
					PositionID:   pos.ID,
					Symbol:       pos.Symbol,
					Type:         core.EventTrailingStopUpdated,
					Source:       source,
					TriggerPrice: price,
					StopPrice:    next.Stop,
					Payload: map[string]interface{}{
						"previous_stop":     prevStop.String(),
						"favorable_extreme": next.Extreme.String(),
					},
				})
			}
			if err := m.store.SavePosition(ctx, pos, events...); err != nil {
				if errors.Is(err, core.ErrVersionConflict) {
					continue
				}
				return core.StateActive, fmt.Errorf("failed to persist trailing stop: %w", err)
			}
			if tightened {
				telemetry.GetGlobalMetrics().RecordTrailingUpdate(ctx, pos.Symbol)
			}
		}

		reason := exitReason(pos, price)
		if reason == "" {
			return core.StateActive, nil
		}
		return m.exit(ctx, pos, price, observedAt, source, reason)
	}
	return core.StateActive, fmt.Errorf("position %s: %w", id, core.ErrVersionConflict)
}

// EffectiveStop is the trailing stop once set, otherwise the technical stop
func EffectiveStop(pos *core.Position) decimal.Decimal {
	if pos.TrailingStop.IsPositive() {
		return pos.TrailingStop
	}
	return pos.StopPrice
}

func exitReason(pos *core.Position, price decimal.Decimal) string {
	stop := EffectiveStop(pos)
	if trailing.IsHit(pos.Side, stop, price) {
		if stop.Equal(pos.StopPrice) {
			return core.ExitReasonStopLoss
		}
		return core.ExitReasonTrailingStop
	}
	if trailing.TargetReached(pos.Side, pos.TargetPrice, price) {
		return core.ExitReasonTarget
	}
	return ""
}

func (m *Manager) exit(ctx context.Context, pos *core.Position, price decimal.Decimal, observedAt time.Time, source core.Source, reason string) (core.PositionState, error) {
	entry := pos.EntryFillPrice
	if entry.IsZero() {
		entry = pos.EntryPrice
	}
	_, err := m.executor.Execute(ctx, execution.StopIntent{
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Quantity:     pos.Quantity,
		EntryPrice:   entry,
		StopPrice:    EffectiveStop(pos),
		TriggerPrice: price,
		ObservedAt:   observedAt,
		Source:       source,
		Reason:       reason,
		Tracked:      true,
	})
	switch {
	case err == nil:
		return core.StateClosed, nil
	case errors.Is(err, core.ErrDuplicate):
		return core.StateExiting, nil
	case errors.Is(err, core.ErrCircuitOpen):
		return core.StateActive, err
	default:
		return core.StateError, err
	}
}

// recordStale appends at most one STALE_PRICE event per position and bucket
func (m *Manager) recordStale(ctx context.Context, pos *core.Position, tick core.PriceTick, now time.Time) {
	ev := &core.Event{
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Type:         core.EventStalePrice,
		Token:        core.StaleToken(pos.ID, now, m.config.TokenBucket),
		Source:       tick.Source,
		TriggerPrice: tick.Price,
		StopPrice:    EffectiveStop(pos),
		Payload: map[string]interface{}{
			"threshold_ms": m.config.StalePriceThreshold.Milliseconds(),
		},
	}
	if !tick.ObservedAt.IsZero() {
		ev.Payload["age_ms"] = now.Sub(tick.ObservedAt).Milliseconds()
	}
	err := m.store.Append(ctx, ev)
	if errors.Is(err, core.ErrDuplicate) {
		return
	}
	if err != nil {
		m.logger.Error("Failed to record stale price", "position_id", pos.ID, "error", err)
		return
	}
	telemetry.GetGlobalMetrics().RecordStalePrice(ctx, pos.Symbol)
	m.logger.Warn("Stale price, stop not evaluated", "position_id", pos.ID, "symbol", pos.Symbol)
}

// Panic drives every active position, optionally of one symbol, to exit.
// It returns the ids whose exit this call claimed or found already claimed.
func (m *Manager) Panic(ctx context.Context, symbol string) ([]string, error) {
	active, err := m.store.ListPositions(ctx, core.StateActive)
	if err != nil {
		return nil, err
	}
	var targets []*core.Position
	for _, pos := range active {
		if symbol == "" || pos.Symbol == symbol {
			targets = append(targets, pos)
		}
	}
	m.logger.Warn("Panic exit requested", "symbol", symbol, "positions", len(targets))
	if len(targets) == 0 {
		return []string{}, nil
	}

	tasks := make([]func() error, len(targets))
	for i, pos := range targets {
		pos := pos
		tasks[i] = func() error {
			price, err := m.markPrice(ctx, pos.Symbol)
			if err != nil {
				return fmt.Errorf("%s: %w", pos.ID, err)
			}
			_, err = m.exit(ctx, pos, price, m.now(), core.SourceManual, core.ExitReasonPanic)
			if err != nil {
				return fmt.Errorf("%s: %w", pos.ID, err)
			}
			return nil
		}
	}
	errs := m.pool.RunAll(tasks)

	ids := make([]string, 0, len(targets))
	var failed []error
	for i, pos := range targets {
		if errs != nil && errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		ids = append(ids, pos.ID)
	}
	return ids, errors.Join(failed...)
}

// markPrice prefers a fresh live tick and falls back to REST
func (m *Manager) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if tick, ok := m.prices.Latest(symbol); ok && m.now().Sub(tick.ObservedAt) <= m.config.StalePriceThreshold {
		return tick.Price, nil
	}
	return m.exchange.GetLatestPrice(ctx, symbol)
}
