package position

import (
	"errors"
	"fmt"

	"stop_engine/internal/core"
	"stop_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// ErrInvalidRequest wraps every arm validation failure
var ErrInvalidRequest = errors.New("invalid position request")

var hundred = decimal.NewFromInt(100)

// StopBounds limits the technical stop distance in percent of entry. Zero disables a bound.
type StopBounds struct {
	MinPct decimal.Decimal
	MaxPct decimal.Decimal
}

// NewTechnicalStop fixes the stop of a position at arm time. The stop must
// sit on the losing side of entry and within bounds.
func NewTechnicalStop(side core.Side, entry, stop decimal.Decimal, bounds StopBounds) (core.TechnicalStop, error) {
	if !entry.IsPositive() || !stop.IsPositive() {
		return core.TechnicalStop{}, fmt.Errorf("%w: entry and stop prices must be positive", ErrInvalidRequest)
	}
	var distance decimal.Decimal
	switch side {
	case core.SideLong:
		distance = entry.Sub(stop)
	case core.SideShort:
		distance = stop.Sub(entry)
	default:
		return core.TechnicalStop{}, fmt.Errorf("%w: %w", ErrInvalidRequest, core.ErrInvalidSide)
	}
	if !distance.IsPositive() {
		return core.TechnicalStop{}, fmt.Errorf("%w: %s stop %s must be on the losing side of entry %s",
			ErrInvalidRequest, side, stop, entry)
	}

	pct := tradingutils.Percent(distance, entry)
	if bounds.MinPct.IsPositive() && pct.LessThan(bounds.MinPct) {
		return core.TechnicalStop{}, fmt.Errorf("%w: stop distance %s%% below minimum %s%%", ErrInvalidRequest, pct.StringFixed(2), bounds.MinPct)
	}
	if bounds.MaxPct.IsPositive() && pct.GreaterThan(bounds.MaxPct) {
		return core.TechnicalStop{}, fmt.Errorf("%w: stop distance %s%% above maximum %s%%", ErrInvalidRequest, pct.StringFixed(2), bounds.MaxPct)
	}

	return core.TechnicalStop{
		EntryPrice:  entry,
		InitialStop: stop,
		Distance:    distance,
		DistancePct: pct,
	}, nil
}

// PositionSize is (capital × risk%) / stop distance, floored to the
// instrument precision so the amount at risk never exceeds risk%.
func PositionSize(capital, riskPercent decimal.Decimal, ts core.TechnicalStop, qtyDecimals int) (decimal.Decimal, error) {
	if !capital.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: capital must be positive", ErrInvalidRequest)
	}
	if !riskPercent.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: risk percent must be positive", ErrInvalidRequest)
	}
	if !ts.Distance.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: stop distance must be positive", ErrInvalidRequest)
	}
	riskAmount := capital.Mul(riskPercent).Div(hundred)
	return tradingutils.FloorQuantity(riskAmount.Div(ts.Distance), qtyDecimals), nil
}
