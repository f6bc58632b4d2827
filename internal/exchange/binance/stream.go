package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stop_engine/internal/core"
	"stop_engine/pkg/websocket"

	"github.com/shopspring/decimal"
)

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type markPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// StartPriceStream subscribes to the 1s mark-price stream of every symbol on
// one combined connection. It returns once the client is started; the
// connection reconnects on its own and closes when ctx ends.
func (e *Exchange) StartPriceStream(ctx context.Context, symbols []string, callback func(core.PriceTick)) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to stream")
	}

	url := markPriceURL(e.streamURL, symbols)
	client := websocket.NewClient(url, func(message []byte) {
		tick, err := parseMarkPrice(message)
		if err != nil {
			e.logger.Debug("Dropping stream message", "error", err.Error())
			return
		}
		callback(tick)
	}, e.logger)

	if e.reconnectWait > 0 {
		client.SetReconnectWait(e.reconnectWait)
	}
	if e.pingInterval > 0 && e.pongWait > 0 {
		client.SetPingConfig(e.pingInterval, 10*time.Second, e.pongWait)
	}
	client.SetOnConnected(func() {
		e.logger.Info("Mark price stream connected", "symbols", len(symbols))
	})
	client.SetOnDisconnected(func(err error) {
		e.logger.Warn("Mark price stream disconnected", "error", err)
	})
	client.Start()

	go func() {
		<-ctx.Done()
		client.Stop()
	}()
	return nil
}

func markPriceURL(base string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	return strings.TrimSuffix(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// parseMarkPrice accepts both combined and raw stream payloads
func parseMarkPrice(message []byte) (core.PriceTick, error) {
	payload := message
	var combined combinedMessage
	if err := json.Unmarshal(message, &combined); err == nil && len(combined.Data) > 0 {
		payload = combined.Data
	}

	var ev markPriceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return core.PriceTick{}, fmt.Errorf("malformed mark price: %w", err)
	}
	if ev.EventType != "markPriceUpdate" {
		return core.PriceTick{}, fmt.Errorf("unexpected event %q", ev.EventType)
	}
	price, err := decimal.NewFromString(ev.MarkPrice)
	if err != nil || !price.IsPositive() {
		return core.PriceTick{}, fmt.Errorf("bad mark price %q for %s", ev.MarkPrice, ev.Symbol)
	}

	observed := time.Now().UTC()
	if ev.EventTime > 0 {
		observed = time.UnixMilli(ev.EventTime).UTC()
	}
	return core.PriceTick{
		Symbol:     ev.Symbol,
		Price:      price,
		ObservedAt: observed,
		Source:     core.SourceWS,
	}, nil
}
