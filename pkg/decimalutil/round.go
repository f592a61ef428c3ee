// Package decimalutil provides the explicit rounding primitives used for
// prices and quantities. All rounding toward the venue's tick and step is
// done here so callers never touch binary floats.
package decimalutil

import "github.com/shopspring/decimal"

// FloorToTick rounds a price down to the nearest multiple of tick.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds a price up to the nearest multiple of tick.
func CeilToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// FloorToStep rounds a quantity down to the nearest multiple of step.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// FromBps converts a basis-point value into a fractional multiplier.
func FromBps(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(decimal.NewFromInt(10000))
}
