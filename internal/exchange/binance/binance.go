// Package binance provides Binance USDⓈ-M futures connectivity
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"stop_engine/internal/config"
	"stop_engine/internal/core"
	apperrors "stop_engine/pkg/errors"
	"stop_engine/pkg/telemetry"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	defaultStreamURL  = "wss://fstream.binance.com"
	testnetFuturesURL = "https://testnet.binancefuture.com"
	testnetStreamURL  = "wss://stream.binancefuture.com"
)

// Exchange implements core.IExchange on the futures REST API
type Exchange struct {
	client    *futures.Client
	streamURL string
	logger    core.ILogger
	tracer    trace.Tracer

	symbols   map[string]*core.SymbolInfo
	symbolsMu sync.RWMutex

	// stream tuning, zero means client defaults
	reconnectWait time.Duration
	pingInterval  time.Duration
	pongWait      time.Duration
}

// NewExchange creates a futures adapter from the exchange config
func NewExchange(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	client := futures.NewClient(cfg.APIKey.Reveal(), cfg.SecretKey.Reveal())

	baseURL, streamURL := defaultFuturesURL, defaultStreamURL
	if cfg.Testnet {
		baseURL, streamURL = testnetFuturesURL, testnetStreamURL
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if cfg.StreamURL != "" {
		streamURL = cfg.StreamURL
	}
	client.BaseURL = baseURL

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &Exchange{
		client:    client,
		streamURL: streamURL,
		logger:    logger.WithField("exchange", "binance"),
		tracer:    telemetry.GetTracer("binance"),
		symbols:   make(map[string]*core.SymbolInfo),
	}
}

// SetStreamTuning overrides reconnect and heartbeat timing of price streams
func (e *Exchange) SetStreamTuning(reconnectWait, pingInterval, pongWait time.Duration) {
	e.reconnectWait = reconnectWait
	e.pingInterval = pingInterval
	e.pongWait = pongWait
}

func (e *Exchange) GetName() string {
	return "binance"
}

// SyncTime aligns request timestamps with the server clock
func (e *Exchange) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return mapError(err)
	}
	e.logger.Info("Server time synchronized", "offset_ms", offset)
	return nil
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	return mapError(e.client.NewPingService().Do(ctx))
}

// PlaceMarketOrder submits a market order with the caller's client id. A
// duplicate client id is answered with the existing order.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceMarketOrder", trace.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("client_order_id", req.ClientOrderID),
	))
	defer span.End()

	info, err := e.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := req.Quantity.RoundDown(int32(info.QuantityDecimals))
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s rounds to zero", apperrors.ErrInvalidOrderParameter, req.Quantity)
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		mapped := mapError(err)
		span.RecordError(mapped)
		if errors.Is(mapped, apperrors.ErrDuplicateOrder) && req.ClientOrderID != "" {
			e.logger.Warn("Client order id already used, fetching existing order", "client_order_id", req.ClientOrderID)
			return e.GetOrder(ctx, req.Symbol, req.ClientOrderID)
		}
		return nil, mapped
	}

	order := &core.Order{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          core.OrderSide(resp.Side),
		Status:        core.OrderStatus(resp.Status),
		Quantity:      parseDecimal(resp.OrigQuantity),
		ExecutedQty:   parseDecimal(resp.ExecutedQuantity),
		AvgPrice:      parseDecimal(resp.AvgPrice),
		UpdateTime:    time.UnixMilli(resp.UpdateTime).UTC(),
	}
	if order.IsFilled() {
		order.Commission = e.commission(ctx, req.Symbol, resp.OrderID)
	}
	return order, nil
}

// GetOrder looks an order up by client order id
func (e *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	start := time.Now()
	raw, err := e.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "get_order", float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, mapError(err)
	}

	order := &core.Order{
		OrderID:       strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID: raw.ClientOrderID,
		Symbol:        raw.Symbol,
		Side:          core.OrderSide(raw.Side),
		Status:        core.OrderStatus(raw.Status),
		Quantity:      parseDecimal(raw.OrigQuantity),
		ExecutedQty:   parseDecimal(raw.ExecutedQuantity),
		AvgPrice:      parseDecimal(raw.AvgPrice),
		UpdateTime:    time.UnixMilli(raw.UpdateTime).UTC(),
	}
	if order.IsFilled() {
		order.Commission = e.commission(ctx, symbol, raw.OrderID)
	}
	return order, nil
}

// commission sums the fills of an order. Failures only cost fee accuracy.
func (e *Exchange) commission(ctx context.Context, symbol string, orderID int64) decimal.Decimal {
	trades, err := e.client.NewListAccountTradeService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		e.logger.Debug("Commission lookup failed", "symbol", symbol, "order_id", orderID, "error", err.Error())
		return decimal.Zero
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(parseDecimal(t.Commission))
	}
	return total
}

// GetPositions returns every non-flat one-way position
func (e *Exchange) GetPositions(ctx context.Context) ([]*core.ExchangePosition, error) {
	start := time.Now()
	risks, err := e.client.NewGetPositionRiskService().Do(ctx)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "get_positions", float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, mapError(err)
	}

	positions := make([]*core.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		amt := parseDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := core.SideLong
		if amt.IsNegative() {
			side = core.SideShort
		}
		positions = append(positions, &core.ExchangePosition{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: parseDecimal(r.EntryPrice),
			MarkPrice:  parseDecimal(r.MarkPrice),
		})
	}
	return positions, nil
}

// GetLatestPrice returns the last traded price
func (e *Exchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	start := time.Now()
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, "get_price", float64(time.Since(start).Milliseconds()))
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("no price for %s: %w", symbol, apperrors.ErrInvalidSymbol)
}

// GetSymbolInfo returns cached instrument precision, loading exchange info once
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	e.symbolsMu.RLock()
	info, ok := e.symbols[symbol]
	e.symbolsMu.RUnlock()
	if ok {
		return info, nil
	}

	exchangeInfo, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	e.symbolsMu.Lock()
	defer e.symbolsMu.Unlock()
	for _, s := range exchangeInfo.Symbols {
		si := &core.SymbolInfo{
			Symbol:           s.Symbol,
			PriceDecimals:    s.PricePrecision,
			QuantityDecimals: s.QuantityPrecision,
		}
		if lot := s.LotSizeFilter(); lot != nil {
			si.MinQuantity = parseDecimal(lot.MinQuantity)
		}
		e.symbols[s.Symbol] = si
	}
	info, ok = e.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	e.logger.Info("Loaded symbol info",
		"symbol", symbol,
		"price_decimals", info.PriceDecimals,
		"quantity_decimals", info.QuantityDecimals)
	return info, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
