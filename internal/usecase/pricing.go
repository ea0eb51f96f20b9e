package usecase

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// TickDecimals is the number of decimal places implied by a tick size,
// e.g. 0.01 gives 2 and 5 gives 0.
func TickDecimals(tick decimal.Decimal) int32 {
	if !tick.IsPositive() {
		return 8
	}
	d := math.Round(-math.Log10(tick.InexactFloat64()))
	if d < 0 {
		return 0
	}
	return int32(d)
}

// RoundToTick rounds price to the precision of tick.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Round(TickDecimals(tick))
}

// QuantizeDown floors qty to a whole multiple of step.
func QuantizeDown(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() || !qty.IsPositive() {
		if qty.IsNegative() {
			return decimal.Zero
		}
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// SizeForSpend is the base quantity that spend buys at price, floored to step.
func SizeForSpend(spend, price, step decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !spend.IsPositive() {
		return decimal.Zero
	}
	return QuantizeDown(spend.Div(price), step)
}

// MeetsMinNotional reports whether qty at price clears the exchange minimum.
// A zero quantity never does.
func MeetsMinNotional(qty, price, minNotional decimal.Decimal) bool {
	if !qty.IsPositive() {
		return false
	}
	return qty.Mul(price).GreaterThanOrEqual(minNotional)
}

func percentUp(price decimal.Decimal, pct float64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(hundred)))
}

func percentDown(price decimal.Decimal, pct float64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(hundred)))
}

// IntendedTakeProfit is entry*(1+tp/100) rounded to tick.
func IntendedTakeProfit(entry decimal.Decimal, tpPercent float64, tick decimal.Decimal) decimal.Decimal {
	return RoundToTick(percentUp(entry, tpPercent), tick)
}

// IntendedStopLosses returns n geometric rungs entry*(1-sl/100)^(i+1),
// each rounded to tick, highest first.
func IntendedStopLosses(entry decimal.Decimal, slPercent float64, tick decimal.Decimal, n int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, n)
	level := entry
	for i := 0; i < n; i++ {
		level = percentDown(level, slPercent)
		out = append(out, RoundToTick(level, tick))
	}
	return out
}
