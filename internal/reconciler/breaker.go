package reconciler

import (
	"sync"

	"github.com/shopspring/decimal"

	"mmengine/internal/core"
)

// DivergenceBreaker halts new submissions when the venue's reported base
// holding drifts too far from the position the store derives from fills.
// Divergence beyond the threshold trips the engine's emergency stop rather
// than auto-correcting; cancels keep flowing so the book can be unwound.
type DivergenceBreaker struct {
	mu sync.Mutex

	thresholdPct decimal.Decimal
	tripped      bool

	stop   *core.EmergencyStop
	logger core.Logger
}

// NewDivergenceBreaker creates a breaker with a percentage threshold.
func NewDivergenceBreaker(thresholdPct decimal.Decimal, stop *core.EmergencyStop, logger core.Logger) *DivergenceBreaker {
	return &DivergenceBreaker{
		thresholdPct: thresholdPct,
		stop:         stop,
		logger:       logger.WithField("component", "divergence_breaker"),
	}
}

// Observe compares the venue's base holding against the local position.
// Trips at most once until Reset.
func (b *DivergenceBreaker) Observe(venueQty, localQty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped || b.thresholdPct.IsZero() {
		return
	}

	base := venueQty.Abs()
	if local := localQty.Abs(); local.GreaterThan(base) {
		base = local
	}
	if base.IsZero() {
		return
	}

	divergencePct := venueQty.Sub(localQty).Abs().Div(base).Mul(decimal.NewFromInt(100))
	if divergencePct.GreaterThan(b.thresholdPct) {
		b.tripped = true
		b.stop.Trip("position divergence exceeds threshold")
		b.logger.Error("position divergence tripped emergency stop",
			"venue_qty", venueQty.String(),
			"local_qty", localQty.String(),
			"divergence_pct", divergencePct.StringFixed(2),
			"threshold_pct", b.thresholdPct.String())
	}
}

// Tripped reports whether the breaker has fired.
func (b *DivergenceBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Reset re-arms the breaker and clears the stop.
func (b *DivergenceBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.stop.Clear()
	b.logger.Info("divergence breaker reset")
}
