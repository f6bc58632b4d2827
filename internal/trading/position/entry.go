package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stop_engine/internal/core"
	"stop_engine/internal/trading/fsm"
	"stop_engine/internal/trading/trailing"
	apperrors "stop_engine/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// enter moves an armed position to entering and submits the market entry
func (m *Manager) enter(ctx context.Context, id string, sig EntrySignal) error {
	if engaged, reason := m.KillSwitch(); engaged {
		if pos, err := m.store.GetPosition(ctx, id); err == nil {
			m.recordKillSwitch(ctx, pos, reason)
		}
		return fmt.Errorf("entry for %s refused: %w", id, core.ErrKillSwitch)
	}

	token := core.EntryToken(id)
	pos, err := m.update(ctx, id, func(pos *core.Position) ([]*core.Event, error) {
		if err := fsm.Transition(pos, core.StateEntering); err != nil {
			return nil, err
		}
		pos.EntrySignalID = sig.SignalID
		return []*core.Event{{
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Type:         core.EventEntrySubmitted,
			Token:        token,
			TriggerPrice: sig.Price,
			Quantity:     pos.Quantity,
			OrderSide:    pos.Side.EntryOrderSide(),
			Payload: map[string]interface{}{
				"signal_id":   sig.SignalID,
				"received_at": sig.ReceivedAt.Format(time.RFC3339Nano),
			},
		}}, nil
	})
	if err != nil {
		return err
	}

	order, attempts, err := m.placeEntry(ctx, pos, token)
	if err != nil {
		if ctx.Err() != nil {
			// shutdown mid-entry: the position stays entering and Recover resolves it
			return err
		}
		return m.failEntry(ctx, id, err, attempts)
	}
	_, err = m.activate(ctx, id, order)
	return err
}

// placeEntry submits the entry with the bounded retry budget. Retries look
// the order up first so the entry is never doubled.
func (m *Manager) placeEntry(ctx context.Context, pos *core.Position, token string) (*core.Order, int, error) {
	req := &core.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.EntryOrderSide(),
		Quantity:      pos.Quantity,
		ClientOrderID: token,
	}

	attempts := 0
	var lastErr error
	policy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && ctx.Err() == nil && apperrors.IsTransient(err)
		}).
		WithBackoff(m.config.EntryRetryBackoff, 4*m.config.EntryRetryBackoff).
		WithMaxRetries(m.config.EntryMaxRetries).
		Build()

	order, err := failsafe.With[*core.Order](policy).Get(func() (*core.Order, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, m.config.EntryTimeout)
		defer cancel()

		if attempts > 1 {
			if found, err := m.exchange.GetOrder(attemptCtx, req.Symbol, token); err == nil && found.IsFilled() {
				return found, nil
			}
		}
		order, err := m.exchange.PlaceMarketOrder(attemptCtx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("entry order %s: %w", token, apperrors.ErrTimeout)
			}
			lastErr = err
			m.logger.Warn("Entry attempt failed", "position_id", pos.ID, "attempt", attempts, "error", err.Error())
			return nil, err
		}
		if !order.IsFilled() {
			lastErr = fmt.Errorf("entry order %s not filled (status %s): %w", token, order.Status, apperrors.ErrTimeout)
			return nil, lastErr
		}
		return order, nil
	})
	if err != nil && lastErr != nil {
		err = lastErr
	}
	return order, attempts, err
}

// activate records the entry fill. The trailing stop starts at the initial
// stop and is tightened once from the fill price.
func (m *Manager) activate(ctx context.Context, id string, order *core.Order) (*core.Position, error) {
	pos, err := m.update(ctx, id, func(pos *core.Position) ([]*core.Event, error) {
		if err := fsm.Transition(pos, core.StateActive); err != nil {
			return nil, err
		}
		fill := order.AvgPrice
		if fill.IsZero() {
			fill = pos.EntryPrice
		}
		now := m.now()
		pos.EntryFillPrice = fill
		pos.EntryFilledAt = &now
		if order.ExecutedQty.IsPositive() {
			pos.Quantity = order.ExecutedQty
		}
		pos.TrailingStop = pos.TechnicalStop.InitialStop
		st, _ := trailing.FromPosition(pos).Next(fill)
		pos.TrailingStop = st.Stop
		pos.FavorableExtreme = st.Extreme

		return []*core.Event{{
			PositionID:      pos.ID,
			Symbol:          pos.Symbol,
			Type:            core.EventEntryFilled,
			Token:           core.EntryToken(pos.ID),
			ExchangeOrderID: order.OrderID,
			FillPrice:       fill,
			Quantity:        pos.Quantity,
			StopPrice:       pos.TrailingStop,
			OrderSide:       pos.Side.EntryOrderSide(),
			Payload: map[string]interface{}{
				"intended_entry": pos.EntryPrice.String(),
				"commission":     order.Commission.String(),
			},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Position active",
		"position_id", pos.ID,
		"symbol", pos.Symbol,
		"fill_price", pos.EntryFillPrice.String(),
		"trailing_stop", pos.TrailingStop.String())
	return pos, nil
}

func (m *Manager) failEntry(ctx context.Context, id string, cause error, attempts int) error {
	_, err := m.update(ctx, id, func(pos *core.Position) ([]*core.Event, error) {
		if err := fsm.Transition(pos, core.StateError); err != nil {
			return nil, err
		}
		pos.LastError = cause.Error()
		return []*core.Event{
			{
				PositionID:   pos.ID,
				Symbol:       pos.Symbol,
				Type:         core.EventEntryFailed,
				Token:        core.EntryToken(pos.ID),
				Quantity:     pos.Quantity,
				OrderSide:    pos.Side.EntryOrderSide(),
				ErrorMessage: cause.Error(),
				RetryCount:   attempts - 1,
			},
			{PositionID: pos.ID, Symbol: pos.Symbol, Type: core.EventPositionError, ErrorMessage: cause.Error()},
		}, nil
	})
	if err != nil {
		return fmt.Errorf("entry failed (%v) and could not be recorded: %w", cause, err)
	}
	m.logger.Error("Entry failed, position in error", "position_id", id, "attempts", attempts, "error", cause.Error())
	return fmt.Errorf("entry for %s: %w", id, cause)
}

// resumeEntry resolves an entering position after a restart by asking the
// exchange about the entry client id.
func (m *Manager) resumeEntry(ctx context.Context, pos *core.Position) error {
	token := core.EntryToken(pos.ID)
	order, err := m.exchange.GetOrder(ctx, pos.Symbol, token)
	switch {
	case err == nil && order.IsFilled():
		m.logger.Warn("Entry found filled on exchange", "position_id", pos.ID)
		_, err = m.activate(ctx, pos.ID, order)
		return err
	case err == nil, errors.Is(err, apperrors.ErrOrderNotFound):
		m.logger.Warn("Entry not filled on exchange, resubmitting", "position_id", pos.ID)
		order, attempts, perr := m.placeEntry(ctx, pos, token)
		if perr != nil {
			if ctx.Err() != nil {
				return perr
			}
			return m.failEntry(ctx, pos.ID, perr, attempts)
		}
		_, err = m.activate(ctx, pos.ID, order)
		return err
	default:
		return fmt.Errorf("lookup of entry %s: %w", token, err)
	}
}
