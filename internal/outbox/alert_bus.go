package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"stop_engine/internal/alert"
	"stop_engine/internal/core"
)

// AlertBus turns operator-relevant events into chat notifications. Other
// events are acknowledged without sending anything.
type AlertBus struct {
	manager *alert.AlertManager
}

func NewAlertBus(manager *alert.AlertManager) *AlertBus {
	return &AlertBus{manager: manager}
}

func (b *AlertBus) Name() string { return "alert" }

func (b *AlertBus) Publish(ctx context.Context, entry *core.OutboxEntry) (string, error) {
	var ev core.Event
	if err := json.Unmarshal(entry.Payload, &ev); err != nil {
		return "", fmt.Errorf("decode event %s: %w", entry.EventID, err)
	}
	payload, ok := alertFor(&ev)
	if !ok {
		return "skipped", nil
	}
	if err := b.manager.Deliver(ctx, payload); err != nil {
		return "", err
	}
	return "sent", nil
}

func alertFor(ev *core.Event) (alert.AlertPayload, bool) {
	fields := map[string]string{"symbol": ev.Symbol}
	if ev.PositionID != "" {
		fields["position_id"] = ev.PositionID
	}
	if ev.Token != "" {
		fields["token"] = ev.Token
	}

	p := alert.AlertPayload{Timestamp: ev.OccurredAt, Fields: fields}
	switch ev.Type {
	case core.EventExecuted:
		if tracked, _ := ev.Payload["tracked"].(bool); tracked {
			return p, false
		}
		p.Level, p.Title = alert.Warning, "Insurance stop executed"
		p.Message = fmt.Sprintf("Untracked %s position closed at %s", ev.Symbol, ev.FillPrice)
	case core.EventPositionClosed:
		p.Level, p.Title = alert.Info, "Position closed"
		p.Message = fmt.Sprintf("%s closed at %s", ev.Symbol, ev.FillPrice)
		if reason, ok := ev.Payload["exit_reason"].(string); ok {
			fields["exit_reason"] = reason
		}
		if pnl, ok := ev.Payload["realized_pnl"].(string); ok {
			fields["realized_pnl"] = pnl
		}
	case core.EventFailed:
		p.Level, p.Title = alert.Error, "Stop execution failed"
		p.Message = ev.ErrorMessage
		fields["retries"] = fmt.Sprint(ev.RetryCount)
	case core.EventEntryFailed:
		p.Level, p.Title = alert.Error, "Entry failed"
		p.Message = ev.ErrorMessage
	case core.EventPositionError:
		p.Level, p.Title = alert.Error, "Position needs attention"
		p.Message = ev.ErrorMessage
	case core.EventBlocked:
		p.Level, p.Title = alert.Critical, "Stop blocked by circuit breaker"
		p.Message = fmt.Sprintf("%s stop at %s was not sent", ev.Symbol, ev.StopPrice)
	case core.EventCircuitBreaker:
		p.Level, p.Title = alert.Critical, "Circuit breaker changed state"
		if state, ok := ev.Payload["state"].(string); ok {
			fields["state"] = state
			if state == string(core.BreakerClosed) {
				p.Level = alert.Info
			}
		}
		p.Message = ev.ErrorMessage
	case core.EventSlippageBreach:
		p.Level, p.Title = alert.Warning, "Slippage above limit"
		p.Message = fmt.Sprintf("%s filled at %s, slippage %s%%", ev.Symbol, ev.FillPrice, ev.SlippagePct)
	case core.EventStalePrice:
		p.Level, p.Title = alert.Warning, "Stale price"
		p.Message = fmt.Sprintf("%s stop not evaluated", ev.Symbol)
	case core.EventKillSwitch:
		p.Level, p.Title = alert.Warning, "Entry refused by kill switch"
		if reason, ok := ev.Payload["reason"].(string); ok {
			p.Message = reason
		}
	default:
		return p, false
	}
	return p, true
}
