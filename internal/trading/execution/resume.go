package execution

import (
	"context"
	"errors"
	"fmt"

	"stop_engine/internal/core"
	apperrors "stop_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// Resume finishes an execution whose claim was won by a process that died
// before recording the outcome. The exchange is asked about the token first,
// so an order that did reach the venue is never submitted twice.
func (e *Executor) Resume(ctx context.Context, exec *core.Execution) (*Result, error) {
	intent, err := e.intentFor(ctx, exec)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithFields(map[string]interface{}{
		"position_id": exec.PositionID,
		"symbol":      exec.Symbol,
		"token":       exec.Token,
		"status":      string(exec.Status),
	})

	switch exec.Status {
	case core.ExecutionExecuted:
		if !intent.Tracked {
			return &Result{Token: exec.Token, Status: exec.Status}, nil
		}
		order := &core.Order{
			OrderID:     exec.ExchangeOrderID,
			Symbol:      exec.Symbol,
			Status:      core.OrderStatusFilled,
			ExecutedQty: exec.Quantity,
			AvgPrice:    exec.FillPrice,
		}
		pos, err := e.closePosition(ctx, intent, exec.FillPrice, order)
		if err != nil {
			return nil, err
		}
		log.Info("Recovered executed stop")
		return &Result{Token: exec.Token, Status: exec.Status, Position: pos, SlippagePct: exec.SlippagePct}, nil

	case core.ExecutionFailed:
		result := &Result{Token: exec.Token, Status: exec.Status}
		if intent.Tracked {
			pos, err := e.errorPosition(ctx, exec.PositionID, errors.New(exec.ErrorMessage))
			if err != nil {
				return nil, err
			}
			result.Position = pos
		}
		log.Info("Recovered failed stop")
		return result, nil

	case core.ExecutionPending, core.ExecutionSubmitted:
		order, err := e.exchange.GetOrder(ctx, exec.Symbol, exec.Token)
		switch {
		case err == nil && order.IsFilled():
			log.Warn("Exit order found on exchange, recording fill")
			return e.complete(context.WithoutCancel(ctx), intent, order, 1, log)
		case err == nil, errors.Is(err, apperrors.ErrOrderNotFound):
			log.Warn("Exit order never reached the exchange, submitting")
			return e.submit(ctx, intent, false, log)
		default:
			return nil, fmt.Errorf("lookup of exit order %s: %w", exec.Token, err)
		}

	default:
		return nil, fmt.Errorf("execution %s has status %s, nothing to resume", exec.Token, exec.Status)
	}
}

// intentFor rebuilds the stop intent from the TRIGGERED event of a token
func (e *Executor) intentFor(ctx context.Context, exec *core.Execution) (StopIntent, error) {
	events, err := e.store.ListEventsByToken(ctx, exec.Token)
	if err != nil {
		return StopIntent{}, fmt.Errorf("load events of %s: %w", exec.Token, err)
	}
	var trig *core.Event
	for _, ev := range events {
		if ev.Type == core.EventTriggered {
			trig = ev
			break
		}
	}
	if trig == nil {
		return StopIntent{}, fmt.Errorf("token %s has no %s event: %w", exec.Token, core.EventTriggered, core.ErrNotFound)
	}

	intent := StopIntent{
		PositionID:   trig.PositionID,
		Symbol:       trig.Symbol,
		Quantity:     trig.Quantity,
		StopPrice:    trig.StopPrice,
		TriggerPrice: trig.TriggerPrice,
		Source:       trig.Source,
		Token:        trig.Token,
		Side:         core.SideLong,
	}
	if trig.OrderSide == core.OrderSideBuy {
		intent.Side = core.SideShort
	}
	if reason, ok := trig.Payload["reason"].(string); ok {
		intent.Reason = reason
	}
	if tracked, ok := trig.Payload["tracked"].(bool); ok {
		intent.Tracked = tracked
	}
	if entry, ok := trig.Payload["entry_price"].(string); ok {
		if d, err := decimal.NewFromString(entry); err == nil {
			intent.EntryPrice = d
		}
	}
	return intent, nil
}
