package oms

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
)

// dailyWindow is how long the loss accumulator runs before resetting.
const dailyWindow = 24 * time.Hour

// RiskManager performs the pre-trade checks and tracks the rolling daily
// P&L accumulator.
type RiskManager struct {
	mu sync.Mutex

	maxPositionSize decimal.Decimal
	maxDailyLoss    decimal.Decimal
	maxSkew         decimal.Decimal
	minQuoteSize    decimal.Decimal
	maxOpenOrders   int

	dailyPnL     decimal.Decimal
	dailyResetAt time.Time

	stop *core.EmergencyStop
	clk  clock.Clock
}

// NewRiskManager creates a risk manager from the risk config section.
func NewRiskManager(cfg config.RiskConfig, stop *core.EmergencyStop, clk clock.Clock) *RiskManager {
	if cfg.EmergencyStop {
		stop.Trip("configured at startup")
	}
	return &RiskManager{
		maxPositionSize: decimal.NewFromFloat(cfg.MaxPositionSize),
		maxDailyLoss:    decimal.NewFromFloat(cfg.MaxDailyLoss),
		maxSkew:         decimal.NewFromFloat(cfg.MaxSkew),
		minQuoteSize:    decimal.NewFromFloat(cfg.MinQuoteSize),
		maxOpenOrders:   cfg.MaxOpenOrders,
		dailyResetAt:    clk.Now(),
		stop:            stop,
		clk:             clk,
	}
}

// Check runs every pre-trade rule and returns the full list of violations.
// All rules are evaluated so a rejection reports everything that failed.
func (r *RiskManager) Check(side core.Side, qty decimal.Decimal, position *core.Position, openOrders int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var violations []string

	if r.stop.Active() {
		violations = append(violations, "emergency stop is active")
	}

	if qty.LessThan(r.minQuoteSize) {
		violations = append(violations, fmt.Sprintf("order quantity below minimum: %s < %s", qty, r.minQuoteSize))
	}

	projected := qty.Mul(side.Sign())
	if position != nil {
		projected = position.Quantity.Add(projected)
	}
	if projected.Abs().GreaterThan(r.maxPositionSize) {
		violations = append(violations, fmt.Sprintf("position size would exceed limit: %s > %s", projected.Abs(), r.maxPositionSize))
	}
	if projected.Abs().GreaterThan(r.maxSkew) {
		violations = append(violations, fmt.Sprintf("directional exposure would exceed max skew: %s > %s", projected.Abs(), r.maxSkew))
	}

	r.rollWindow()
	if r.dailyPnL.LessThanOrEqual(r.maxDailyLoss.Neg()) {
		violations = append(violations, fmt.Sprintf("daily loss limit exceeded: %s", r.dailyPnL))
	}

	if openOrders+1 > r.maxOpenOrders {
		violations = append(violations, fmt.Sprintf("too many open orders: %d/%d", openOrders, r.maxOpenOrders))
	}

	return violations
}

// RecordPnL feeds realized P&L (net of commission) into the daily
// accumulator.
func (r *RiskManager) RecordPnL(delta decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindow()
	r.dailyPnL = r.dailyPnL.Add(delta)
}

// DailyPnL returns the current accumulator value.
func (r *RiskManager) DailyPnL() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindow()
	return r.dailyPnL
}

// rollWindow resets the accumulator 24h after its last reset. Caller holds
// the lock.
func (r *RiskManager) rollWindow() {
	now := r.clk.Now()
	if now.Sub(r.dailyResetAt) > dailyWindow {
		r.dailyPnL = decimal.Zero
		r.dailyResetAt = now
	}
}
