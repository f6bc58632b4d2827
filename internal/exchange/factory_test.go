package exchange

import (
	"testing"

	"stop_engine/internal/config"
	"stop_engine/internal/exchange/binance"
	"stop_engine/internal/mock"
	"stop_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExchange(t *testing.T) {
	logger := logging.NewNopLogger()

	cfg := config.DefaultConfig()
	ex, err := NewExchange(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &mock.MockExchange{}, ex)

	cfg.App.Exchange = "binance"
	_, err = NewExchange(cfg, logger)
	assert.Error(t, err, "binance needs an exchanges.binance section")

	cfg.Exchanges["binance"] = config.ExchangeConfig{APIKey: "k", SecretKey: "s", Testnet: true}
	ex, err = NewExchange(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &binance.Exchange{}, ex)
	assert.Equal(t, "binance", ex.GetName())

	cfg.App.Exchange = "kraken"
	_, err = NewExchange(cfg, logger)
	assert.Error(t, err)
}
