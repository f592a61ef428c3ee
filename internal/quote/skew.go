package quote

import (
	"sync"

	"github.com/shopspring/decimal"

	"mmengine/pkg/decimalutil"
)

// InventoryGauge derives the normalized inventory skew gamma from the
// latest quote- and base-asset values. Positive gamma means the book is
// quote-heavy and the engine should lean into buying the base asset.
type InventoryGauge struct {
	mu sync.RWMutex

	baseValue  decimal.Decimal // base holdings marked at the reference mid
	quoteValue decimal.Decimal

	targetRatio decimal.Decimal // target quote:base value ratio
	tolerance   decimal.Decimal
	gammaMax    decimal.Decimal
}

// NewInventoryGauge creates a gauge with the given target ratio, tolerance
// band and gamma clamp.
func NewInventoryGauge(targetRatio, tolerance, gammaMax decimal.Decimal) *InventoryGauge {
	return &InventoryGauge{
		targetRatio: targetRatio,
		tolerance:   tolerance,
		gammaMax:    gammaMax,
	}
}

// SetBase updates the base-asset holding and its mark price.
func (g *InventoryGauge) SetBase(qty, markPx decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseValue = qty.Mul(markPx)
}

// SetQuote updates the quote-asset holding.
func (g *InventoryGauge) SetQuote(value decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quoteValue = value
}

// Gamma returns the normalized imbalance in [-gammaMax, gammaMax].
// Deviations inside the tolerance band read as zero so the engine does not
// chase noise.
func (g *InventoryGauge) Gamma() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()

	targetBase := g.baseValue.Mul(g.targetRatio)
	total := g.quoteValue.Add(targetBase)
	if !total.IsPositive() {
		return decimal.Zero
	}

	deviation := g.quoteValue.Sub(targetBase).Div(total)
	if deviation.Abs().LessThanOrEqual(g.tolerance) {
		return decimal.Zero
	}
	return decimalutil.Clamp(deviation, g.gammaMax.Neg(), g.gammaMax)
}
