// Package exchange builds the configured exchange adapter
package exchange

import (
	"context"
	"fmt"
	"strings"

	"stop_engine/internal/config"
	"stop_engine/internal/core"
	"stop_engine/internal/exchange/binance"
	"stop_engine/internal/mock"

	"github.com/shopspring/decimal"
)

// Venue is an exchange that can also stream prices
type Venue interface {
	core.IExchange
	StartPriceStream(ctx context.Context, symbols []string, callback func(core.PriceTick)) error
}

// NewExchange creates the adapter selected by app.exchange
func NewExchange(cfg *config.Config, logger core.ILogger) (Venue, error) {
	name := strings.ToLower(cfg.App.Exchange)
	switch name {
	case "binance":
		exchangeConfig, exists := cfg.Exchanges[name]
		if !exists {
			return nil, fmt.Errorf("configuration not found for exchange: %s", name)
		}
		ex := binance.NewExchange(&exchangeConfig, logger)
		ex.SetStreamTuning(cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, cfg.Feed.PongWait)
		return ex, nil
	case "mock", "":
		logger.Warn("Using in-memory mock exchange, orders are simulated")
		ex := mock.NewMockExchange("mock")
		if exchangeConfig, ok := cfg.Exchanges["mock"]; ok && exchangeConfig.FeeRate > 0 {
			ex.SetFeeRate(decimal.NewFromFloat(exchangeConfig.FeeRate))
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.App.Exchange)
	}
}
