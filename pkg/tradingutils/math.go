package tradingutils

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// FloorQuantity truncates a quantity to the instrument precision. Sizing always
// rounds down so the quantized position never risks more than the budget.
func FloorQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Truncate(int32(qtyDecimals))
}

// Percent returns part/whole*100, zero when whole is zero
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// OffsetByPercent moves price by pct percent. Negative pct moves down.
func OffsetByPercent(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
}

// AdverseSlippagePct is the percentage by which a fill was worse than the
// trigger price for an order of the given side. Favorable fills return a
// negative value.
func AdverseSlippagePct(trigger, fill decimal.Decimal, sellOrder bool) decimal.Decimal {
	if trigger.IsZero() {
		return decimal.Zero
	}
	diff := fill.Sub(trigger)
	if sellOrder {
		diff = trigger.Sub(fill)
	}
	return diff.Div(trigger).Mul(hundred)
}

// GrossPnL computes the price PnL of a position of qty units
func GrossPnL(entry, exit, qty decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

// TradingFees is the fee of a round trip at the given rate
func TradingFees(entry, exit, qty, feeRate decimal.Decimal) decimal.Decimal {
	return entry.Mul(qty).Add(exit.Mul(qty)).Mul(feeRate)
}
