// Package trailing computes the protective stop of an open position
package trailing

import (
	"stop_engine/internal/core"

	"github.com/shopspring/decimal"
)

// State is the trailing state of one position
type State struct {
	Side        core.Side
	InitialStop decimal.Decimal
	Distance    decimal.Decimal
	// Extreme is the best price seen in the profitable direction, zero before the first tick
	Extreme decimal.Decimal
	// Stop is the current stop, zero before the first computation
	Stop decimal.Decimal
}

// FromPosition extracts the trailing state carried on a position
func FromPosition(p *core.Position) State {
	return State{
		Side:        p.Side,
		InitialStop: p.TechnicalStop.InitialStop,
		Distance:    p.TechnicalStop.Distance,
		Extreme:     p.FavorableExtreme,
		Stop:        p.TrailingStop,
	}
}

// Compute returns max(initial, extreme-d) for longs and min(initial, extreme+d) for shorts
func Compute(side core.Side, initialStop, distance, extreme decimal.Decimal) decimal.Decimal {
	if side == core.SideShort {
		return decimal.Min(initialStop, extreme.Add(distance))
	}
	return decimal.Max(initialStop, extreme.Sub(distance))
}

// Improves reports whether price is a better extreme than prev
func Improves(side core.Side, prev, price decimal.Decimal) bool {
	if prev.IsZero() {
		return true
	}
	if side == core.SideShort {
		return price.LessThan(prev)
	}
	return price.GreaterThan(prev)
}

// Next folds one tick into the state. changed reports a tighter stop.
func (s State) Next(price decimal.Decimal) (next State, changed bool) {
	next = s
	if Improves(s.Side, s.Extreme, price) {
		next.Extreme = price
	}

	candidate := Compute(s.Side, s.InitialStop, s.Distance, next.Extreme)
	switch {
	case s.Stop.IsZero():
		next.Stop = candidate
	case s.Side == core.SideShort:
		next.Stop = decimal.Min(s.Stop, candidate)
	default:
		next.Stop = decimal.Max(s.Stop, candidate)
	}

	return next, !next.Stop.Equal(s.Stop)
}

// IsHit reports whether price breaches stop
func IsHit(side core.Side, stop, price decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if side == core.SideShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// TargetReached reports whether price reached an optional take-profit level
func TargetReached(side core.Side, target, price decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	if side == core.SideShort {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}
