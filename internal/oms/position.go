package oms

import (
	"github.com/shopspring/decimal"

	"mmengine/internal/core"
)

// applyFillToPosition mutates p for one fill and returns the realized P&L
// delta (net of commission, which is assumed quoted in the quote asset).
//
// Rules: adding to a same-signed position moves the volume-weighted
// average; reducing realizes qty_closed * (price - avg) * sign(position)
// and preserves the average; flipping through flat restarts the residual
// side at the fill price.
func applyFillToPosition(p *core.Position, side core.Side, qty, price, commission decimal.Decimal) decimal.Decimal {
	delta := qty.Mul(side.Sign())
	realized := decimal.Zero

	switch {
	case p.Quantity.IsZero():
		p.AvgEntryPrice = price
		p.Quantity = delta

	case p.Quantity.Sign() == delta.Sign():
		// Adding to the position.
		absQty := p.Quantity.Abs()
		newAbs := absQty.Add(qty)
		p.AvgEntryPrice = absQty.Mul(p.AvgEntryPrice).Add(qty.Mul(price)).Div(newAbs)
		p.Quantity = p.Quantity.Add(delta)

	default:
		// Reducing, possibly through flat.
		absPos := p.Quantity.Abs()
		closed := qty
		if closed.GreaterThan(absPos) {
			closed = absPos
		}
		sign := decimal.NewFromInt(int64(p.Quantity.Sign()))
		realized = closed.Mul(price.Sub(p.AvgEntryPrice)).Mul(sign)

		p.Quantity = p.Quantity.Add(delta)
		if p.Quantity.Sign() == delta.Sign() && !p.Quantity.IsZero() {
			// Flipped: the residual opens at the fill price.
			p.AvgEntryPrice = price
		}
	}

	realized = realized.Sub(commission)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized
}
