package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stop_engine/internal/config"
	"stop_engine/internal/core"
	apperrors "stop_engine/pkg/errors"
	"stop_engine/pkg/logging"

	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFutures serves the handful of futures endpoints the adapter uses
type fakeFutures struct {
	mu          sync.Mutex
	orders      map[string]map[string]interface{}
	createCalls int
	lastForm    map[string]string
	failCode    int
}

func newFakeFutures() *fakeFutures {
	return &fakeFutures{orders: make(map[string]map[string]interface{})}
}

func (f *fakeFutures) apiError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	_, _ = fmt.Fprintf(w, `{"code":%d,"msg":%q}`, code, msg)
}

func (f *fakeFutures) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = r.ParseForm()

	switch {
	case strings.HasSuffix(r.URL.Path, "/exchangeInfo"):
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":3,
			"filters":[{"filterType":"LOT_SIZE","minQty":"0.001","maxQty":"1000","stepSize":"0.001"}]}]}`))

	case strings.HasSuffix(r.URL.Path, "/order") && r.Method == http.MethodPost:
		f.createCalls++
		f.lastForm = map[string]string{}
		for k := range r.Form {
			f.lastForm[k] = r.Form.Get(k)
		}
		if f.failCode != 0 {
			f.apiError(w, f.failCode, "rejected")
			return
		}
		id := r.Form.Get("newClientOrderId")
		if _, exists := f.orders[id]; exists {
			f.apiError(w, -4116, "ClientOrderId is duplicated.")
			return
		}
		order := map[string]interface{}{
			"symbol":        r.Form.Get("symbol"),
			"orderId":       1000 + len(f.orders),
			"clientOrderId": id,
			"origQty":       r.Form.Get("quantity"),
			"executedQty":   r.Form.Get("quantity"),
			"avgPrice":      "50010.50",
			"status":        "FILLED",
			"side":          r.Form.Get("side"),
			"type":          "MARKET",
			"updateTime":    1709294410000,
		}
		f.orders[id] = order
		_ = json.NewEncoder(w).Encode(order)

	case strings.HasSuffix(r.URL.Path, "/order") && r.Method == http.MethodGet:
		order, ok := f.orders[r.Form.Get("origClientOrderId")]
		if !ok {
			f.apiError(w, -2013, "Order does not exist.")
			return
		}
		_ = json.NewEncoder(w).Encode(order)

	case strings.HasSuffix(r.URL.Path, "/userTrades"):
		_, _ = w.Write([]byte(`[{"commission":"0.4","commissionAsset":"USDT"},{"commission":"0.6","commissionAsset":"USDT"}]`))

	case strings.HasSuffix(r.URL.Path, "/positionRisk"):
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0.050","entryPrice":"50000.0","markPrice":"50100.0","positionSide":"BOTH"},
			{"symbol":"ETHUSDT","positionAmt":"-1.5","entryPrice":"3000.0","markPrice":"2990.0","positionSide":"BOTH"},
			{"symbol":"SOLUSDT","positionAmt":"0.000","entryPrice":"0.0","markPrice":"150.0","positionSide":"BOTH"}]`))

	case strings.HasSuffix(r.URL.Path, "/ticker/price"):
		_, _ = fmt.Fprintf(w, `{"symbol":%q,"price":"50123.40","time":1709294410000}`, r.Form.Get("symbol"))

	case strings.HasSuffix(r.URL.Path, "/ping"):
		_, _ = w.Write([]byte(`{}`))

	default:
		http.NotFound(w, r)
	}
}

func newTestExchange(t *testing.T, handler http.Handler) (*Exchange, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg := &config.ExchangeConfig{
		APIKey:    "key",
		SecretKey: "secret",
		BaseURL:   server.URL,
		StreamURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		Timeout:   2 * time.Second,
	}
	return NewExchange(cfg, logging.NewNopLogger()), server
}

func TestPlaceMarketOrder_FilledWithCommission(t *testing.T) {
	fake := newFakeFutures()
	ex, _ := newTestExchange(t, fake)

	order, err := ex.PlaceMarketOrder(context.Background(), &core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.OrderSideSell,
		Quantity:      decimal.RequireFromString("0.0519"),
		ClientOrderID: "stop_abc",
		ReduceOnly:    true,
	})
	require.NoError(t, err)

	assert.True(t, order.IsFilled())
	assert.Equal(t, "stop_abc", order.ClientOrderID)
	assert.Equal(t, core.OrderSideSell, order.Side)
	assert.Equal(t, "50010.5", order.AvgPrice.String())
	assert.Equal(t, "1", order.Commission.String())

	assert.Equal(t, "MARKET", fake.lastForm["type"])
	assert.Equal(t, "SELL", fake.lastForm["side"])
	assert.Equal(t, "0.051", fake.lastForm["quantity"])
	assert.Equal(t, "true", fake.lastForm["reduceOnly"])
	assert.Equal(t, "RESULT", fake.lastForm["newOrderRespType"])
}

func TestPlaceMarketOrder_DuplicateClientIDReturnsExisting(t *testing.T) {
	fake := newFakeFutures()
	ex, _ := newTestExchange(t, fake)
	req := &core.OrderRequest{Symbol: "BTCUSDT", Side: core.OrderSideBuy, Quantity: decimal.RequireFromString("0.05"), ClientOrderID: "entry_p1"}

	first, err := ex.PlaceMarketOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := ex.PlaceMarketOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 2, fake.createCalls)
	assert.Len(t, fake.orders, 1)
}

func TestPlaceMarketOrder_RejectsDustQuantity(t *testing.T) {
	fake := newFakeFutures()
	ex, _ := newTestExchange(t, fake)

	_, err := ex.PlaceMarketOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Quantity: decimal.RequireFromString("0.0004"),
	})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidOrderParameter))
	assert.Equal(t, 0, fake.createCalls)
}

func TestPlaceMarketOrder_MapsExchangeRejections(t *testing.T) {
	fake := newFakeFutures()
	fake.failCode = -2019
	ex, _ := newTestExchange(t, fake)

	_, err := ex.PlaceMarketOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Quantity: decimal.RequireFromString("0.05"), ClientOrderID: "entry_p2",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))
	assert.False(t, apperrors.IsTransient(err))
}

func TestGetOrder_UnknownClientID(t *testing.T) {
	ex, _ := newTestExchange(t, newFakeFutures())

	_, err := ex.GetOrder(context.Background(), "BTCUSDT", "stop_missing")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))
}

func TestGetPositions_SkipsFlat(t *testing.T) {
	ex, _ := newTestExchange(t, newFakeFutures())

	positions, err := ex.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, core.SideLong, positions[0].Side)
	assert.Equal(t, "0.05", positions[0].Quantity.String())

	assert.Equal(t, "ETHUSDT", positions[1].Symbol)
	assert.Equal(t, core.SideShort, positions[1].Side)
	assert.Equal(t, "1.5", positions[1].Quantity.String())
}

func TestGetLatestPriceAndSymbolInfo(t *testing.T) {
	ex, _ := newTestExchange(t, newFakeFutures())
	ctx := context.Background()

	price, err := ex.GetLatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "50123.4", price.String())

	info, err := ex.GetSymbolInfo(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, info.QuantityDecimals)
	assert.Equal(t, "0.001", info.MinQuantity.String())

	_, err = ex.GetSymbolInfo(ctx, "DOGEUSDT")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSymbol))

	require.NoError(t, ex.CheckHealth(ctx))
}

func TestNetworkFailureIsTransient(t *testing.T) {
	ex, server := newTestExchange(t, newFakeFutures())
	server.Close()

	_, err := ex.GetLatestPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err), err.Error())
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code      int64
		want      error
		transient bool
	}{
		{-1003, apperrors.ErrRateLimitExceeded, true},
		{-1021, apperrors.ErrTimestampOutOfBounds, true},
		{-1001, apperrors.ErrNetwork, true},
		{-2019, apperrors.ErrInsufficientFunds, false},
		{-2022, apperrors.ErrReduceOnlyRejected, false},
		{-2015, apperrors.ErrAuthenticationFailed, false},
		{-4116, apperrors.ErrDuplicateOrder, false},
		{-9999, apperrors.ErrOrderRejected, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := mapError(&common.APIError{Code: tt.code, Message: "x"})
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.Equal(t, tt.transient, apperrors.IsTransient(err))
		})
	}
	assert.NoError(t, mapError(nil))
	assert.True(t, errors.Is(mapError(context.DeadlineExceeded), apperrors.ErrTimeout))
}

func TestStartPriceStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.String():
		default:
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","E":1709294410000,"s":"BTCUSDT","p":"50001.25"}}`))
		time.Sleep(time.Second)
	}))
	defer server.Close()

	cfg := &config.ExchangeConfig{StreamURL: "ws" + strings.TrimPrefix(server.URL, "http")}
	ex := NewExchange(cfg, logging.NewNopLogger())

	ticks := make(chan core.PriceTick, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ex.StartPriceStream(ctx, []string{"BTCUSDT", "ETHUSDT"}, func(tick core.PriceTick) {
		select {
		case ticks <- tick:
		default:
		}
	}))

	select {
	case tick := <-ticks:
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, "50001.25", tick.Price.String())
		assert.Equal(t, core.SourceWS, tick.Source)
		assert.Equal(t, int64(1709294410000), tick.ObservedAt.UnixMilli())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for mark price")
	}
	assert.Equal(t, "/stream?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s", <-paths)

	assert.Error(t, ex.StartPriceStream(ctx, nil, func(core.PriceTick) {}))
}

func TestParseMarkPrice(t *testing.T) {
	tick, err := parseMarkPrice([]byte(`{"e":"markPriceUpdate","E":1,"s":"ETHUSDT","p":"3000.5"}`))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", tick.Symbol)

	_, err = parseMarkPrice([]byte(`{"e":"aggTrade","s":"ETHUSDT","p":"3000.5"}`))
	assert.Error(t, err)
	_, err = parseMarkPrice([]byte(`{"e":"markPriceUpdate","s":"ETHUSDT","p":"0"}`))
	assert.Error(t, err)
	_, err = parseMarkPrice([]byte(`not json`))
	assert.Error(t, err)
}
