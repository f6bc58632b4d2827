// Package core defines the domain types and interfaces of the stop engine
package core

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Domain errors shared across packages
var (
	// ErrDuplicate is the normal outcome of losing a claim race
	ErrDuplicate        = errors.New("duplicate event")
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrInvalidSide      = errors.New("invalid side")
	ErrStalePrice       = errors.New("stale price")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrKillSwitch       = errors.New("kill switch engaged")
	ErrSlippageExceeded = errors.New("slippage exceeded")
)

// IExchange is the port to the derivatives venue
type IExchange interface {
	GetName() string
	PlaceMarketOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
	GetPositions(ctx context.Context) ([]*ExchangePosition, error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	CheckHealth(ctx context.Context) error
}

// IPriceSource provides the freshest observed price for a symbol
type IPriceSource interface {
	Latest(symbol string) (PriceTick, bool)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
