package risk

import "github.com/shopspring/decimal"

// SlippageVerdict classifies the adverse slippage of a stop fill
type SlippageVerdict int

const (
	SlippageOK SlippageVerdict = iota
	// SlippageBreach is logged and recorded but the fill is accepted
	SlippageBreach
	// SlippagePause additionally counts as a breaker failure for the symbol
	SlippagePause
)

// SlippagePolicy holds the two thresholds, in percent of the trigger price
type SlippagePolicy struct {
	MaxPct            decimal.Decimal
	PauseThresholdPct decimal.Decimal
}

// Evaluate classifies an adverse slippage percentage. Favorable fills are negative and always OK.
func (p SlippagePolicy) Evaluate(adversePct decimal.Decimal) SlippageVerdict {
	if p.PauseThresholdPct.IsPositive() && adversePct.GreaterThan(p.PauseThresholdPct) {
		return SlippagePause
	}
	if p.MaxPct.IsPositive() && adversePct.GreaterThan(p.MaxPct) {
		return SlippageBreach
	}
	return SlippageOK
}
