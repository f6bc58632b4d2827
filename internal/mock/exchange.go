package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"stop_engine/internal/core"
	apperrors "stop_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.IExchange in memory. Market orders fill
// immediately at the current price unless a fill price override is set.
type MockExchange struct {
	name           string
	orders         map[string]*core.Order // ClientOrderID -> order
	orderSeq       []*core.Order
	orderIDCounter int64
	positions      map[string]*core.ExchangePosition // symbol|side -> position
	prices         map[string]decimal.Decimal
	fillPrices     map[string]decimal.Decimal
	symbols        map[string]*core.SymbolInfo
	feeRate        decimal.Decimal
	mu             sync.RWMutex

	// failure injection
	placeErrors  []error
	placeHook    func(req *core.OrderRequest) error
	latency      time.Duration
	placeCalls   int
	healthErr    error
	positionsErr error

	priceCallbacks map[int]func(core.PriceTick)
	nextCallback   int
	callbackMu     sync.RWMutex
}

func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:           name,
		orders:         make(map[string]*core.Order),
		orderIDCounter: 1000,
		positions:      make(map[string]*core.ExchangePosition),
		prices:         make(map[string]decimal.Decimal),
		fillPrices:     make(map[string]decimal.Decimal),
		symbols:        make(map[string]*core.SymbolInfo),
		feeRate:        decimal.RequireFromString("0.0004"),
		priceCallbacks: make(map[int]func(core.PriceTick)),
	}
}

func (m *MockExchange) GetName() string {
	return m.name
}

func (m *MockExchange) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

// SetHealthError makes CheckHealth fail
func (m *MockExchange) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// SetPrice updates the last price and notifies price stream subscribers
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.prices[symbol] = price
	m.mu.Unlock()

	tick := core.PriceTick{Symbol: symbol, Price: price, ObservedAt: time.Now(), Source: core.SourceWS}
	m.callbackMu.RLock()
	defer m.callbackMu.RUnlock()
	for _, cb := range m.priceCallbacks {
		cb(tick)
	}
}

// SetFillPrice forces the next market fills on symbol to a price, to simulate slippage
func (m *MockExchange) SetFillPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrices[symbol] = price
}

// SetSymbolInfo overrides instrument precision
func (m *MockExchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[info.Symbol] = info
}

// SetPosition injects an exchange position, e.g. one opened outside the engine
func (m *MockExchange) SetPosition(symbol string, side core.Side, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := positionKey(symbol, side)
	if qty.IsZero() {
		delete(m.positions, key)
		return
	}
	m.positions[key] = &core.ExchangePosition{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entry,
		MarkPrice:  entry,
	}
}

// SetFeeRate sets the commission charged on fills
func (m *MockExchange) SetFeeRate(rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
}

// FailNextOrders queues errors returned by the next PlaceMarketOrder calls
func (m *MockExchange) FailNextOrders(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErrors = append(m.placeErrors, errs...)
}

// SetPlaceOrderHook runs before every order; a non-nil error rejects the order
func (m *MockExchange) SetPlaceOrderHook(hook func(req *core.OrderRequest) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeHook = hook
}

// SetLatency delays every order by d, honoring context cancellation
func (m *MockExchange) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetPositionsError makes GetPositions fail
func (m *MockExchange) SetPositionsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsErr = err
}

// PlaceCalls counts PlaceMarketOrder invocations, including rejected ones
func (m *MockExchange) PlaceCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.placeCalls
}

// PlaceMarketOrder fills a market order. Idempotent on ClientOrderID.
func (m *MockExchange) PlaceMarketOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	m.mu.Lock()
	m.placeCalls++
	latency := m.latency
	hook := m.placeHook
	var injected error
	if len(m.placeErrors) > 0 {
		injected = m.placeErrors[0]
		m.placeErrors = m.placeErrors[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if injected != nil {
		return nil, injected
	}
	if hook != nil {
		if err := hook(req); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := m.orders[req.ClientOrderID]; ok {
			cp := *existing
			return &cp, nil
		}
	}

	price, ok := m.fillPrices[req.Symbol]
	if !ok {
		price, ok = m.prices[req.Symbol]
	}
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("no price for %s: %w", req.Symbol, apperrors.ErrInvalidSymbol)
	}

	if req.ReduceOnly {
		if err := m.reduceLocked(req); err != nil {
			return nil, err
		}
	} else {
		m.increaseLocked(req, price)
	}

	m.orderIDCounter++
	order := &core.Order{
		OrderID:       strconv.FormatInt(m.orderIDCounter, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        core.OrderStatusFilled,
		Quantity:      req.Quantity,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		Commission:    price.Mul(req.Quantity).Mul(m.feeRate),
		UpdateTime:    time.Now(),
	}
	if req.ClientOrderID != "" {
		m.orders[req.ClientOrderID] = order
	}
	m.orderSeq = append(m.orderSeq, order)

	cp := *order
	return &cp, nil
}

func (m *MockExchange) reduceLocked(req *core.OrderRequest) error {
	// a SELL reduces a long and a BUY reduces a short
	side := core.SideLong
	if req.Side == core.OrderSideBuy {
		side = core.SideShort
	}
	key := positionKey(req.Symbol, side)
	pos, ok := m.positions[key]
	if !ok || pos.Quantity.IsZero() {
		return fmt.Errorf("no %s position on %s: %w", side, req.Symbol, apperrors.ErrReduceOnlyRejected)
	}
	remaining := pos.Quantity.Sub(req.Quantity)
	if !remaining.IsPositive() {
		delete(m.positions, key)
		return nil
	}
	pos.Quantity = remaining
	return nil
}

func (m *MockExchange) increaseLocked(req *core.OrderRequest, price decimal.Decimal) {
	side := core.SideLong
	if req.Side == core.OrderSideSell {
		side = core.SideShort
	}
	key := positionKey(req.Symbol, side)
	pos, ok := m.positions[key]
	if !ok {
		m.positions[key] = &core.ExchangePosition{
			Symbol: req.Symbol, Side: side, Quantity: req.Quantity, EntryPrice: price, MarkPrice: price,
		}
		return
	}
	total := pos.Quantity.Add(req.Quantity)
	pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(req.Quantity)).Div(total)
	pos.Quantity = total
}

// GetOrder looks an order up by client order id
func (m *MockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[clientOrderID]
	if !ok || order.Symbol != symbol {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	cp := *order
	return &cp, nil
}

// Orders returns every filled order in placement order
func (m *MockExchange) Orders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, len(m.orderSeq))
	for i, o := range m.orderSeq {
		cp := *o
		out[i] = &cp
	}
	return out
}

func (m *MockExchange) GetPositions(ctx context.Context) ([]*core.ExchangePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	out := make([]*core.ExchangePosition, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		if price, ok := m.prices[p.Symbol]; ok {
			cp.MarkPrice = price
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	return price, nil
}

func (m *MockExchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.symbols[symbol]; ok {
		cp := *info
		return &cp, nil
	}
	return &core.SymbolInfo{
		Symbol:           symbol,
		PriceDecimals:    2,
		QuantityDecimals: 3,
		MinQuantity:      decimal.RequireFromString("0.001"),
	}, nil
}

// StartPriceStream registers callback for every SetPrice until ctx ends
func (m *MockExchange) StartPriceStream(ctx context.Context, symbols []string, callback func(core.PriceTick)) error {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	m.callbackMu.Lock()
	m.nextCallback++
	id := m.nextCallback
	m.priceCallbacks[id] = func(t core.PriceTick) {
		if len(wanted) == 0 || wanted[t.Symbol] {
			callback(t)
		}
	}
	m.callbackMu.Unlock()

	go func() {
		<-ctx.Done()
		m.callbackMu.Lock()
		delete(m.priceCallbacks, id)
		m.callbackMu.Unlock()
	}()
	return nil
}

// StreamSubscribers counts live price stream registrations
func (m *MockExchange) StreamSubscribers() int {
	m.callbackMu.RLock()
	defer m.callbackMu.RUnlock()
	return len(m.priceCallbacks)
}

func positionKey(symbol string, side core.Side) string {
	return symbol + "|" + string(side)
}
