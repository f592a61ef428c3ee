// Package quote derives layered maker quotes from a reference top-of-book.
// The engine is a pure transformation of (ticker, gamma, config); the
// pipeline turns emitted quotes into OMS orders.
package quote

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
	"mmengine/pkg/decimalutil"
)

var (
	two         = decimal.NewFromInt(2)
	one         = decimal.NewFromInt(1)
	tenThousand = decimal.NewFromInt(10000)
)

// Params are the engine's quoting parameters, converted to decimals once at
// construction.
type Params struct {
	SymbolDst string

	BaseSpreadBps  decimal.Decimal
	TickSpreadBps  decimal.Decimal
	NumLayers      int
	TotalLiquidity decimal.Decimal
	LayerMult      decimal.Decimal
	MinEdgeBps     decimal.Decimal
	SpreadMinBps   decimal.Decimal
	SpreadMaxBps   decimal.Decimal

	Lambda      decimal.Decimal // bps of spread shift per unit of gamma
	Mu          decimal.Decimal // size multiplier shift per unit of gamma
	SizeMultMin decimal.Decimal
	SizeMultMax decimal.Decimal

	MinRequote       time.Duration
	RequoteThreshold decimal.Decimal // absolute reference price move
	StaleAge         time.Duration
	QuoteTTL         time.Duration

	PriceTick decimal.Decimal
	QtyStep   decimal.Decimal

	BidEnabled bool
	AskEnabled bool
}

// ParamsFromConfig builds engine params from the trading config section.
func ParamsFromConfig(t config.TradingConfig) Params {
	tick, err := decimal.NewFromString(t.PriceTick)
	if err != nil {
		tick = decimal.Zero
	}
	step, err := decimal.NewFromString(t.QtyStep)
	if err != nil {
		step = decimal.Zero
	}
	return Params{
		SymbolDst:        t.SymbolDst,
		BaseSpreadBps:    decimal.NewFromFloat(t.BaseSpreadBps),
		TickSpreadBps:    decimal.NewFromFloat(t.TickSpreadBps),
		NumLayers:        t.NumLayers,
		TotalLiquidity:   decimal.NewFromFloat(t.TotalLiquidity),
		LayerMult:        decimal.NewFromFloat(t.LayerLiquidityMultiplier),
		MinEdgeBps:       decimal.NewFromFloat(t.MinEdgeBps),
		SpreadMinBps:     decimal.NewFromFloat(t.SpreadMinBps),
		SpreadMaxBps:     decimal.NewFromFloat(t.SpreadMaxBps),
		Lambda:           decimal.NewFromFloat(t.SkewSpreadFactor),
		Mu:               decimal.NewFromFloat(t.SkewSizeFactor),
		SizeMultMin:      decimal.NewFromFloat(t.SizeMultMin),
		SizeMultMax:      decimal.NewFromFloat(t.SizeMultMax),
		MinRequote:       t.MinRequoteInterval(),
		RequoteThreshold: decimal.NewFromFloat(t.RequoteTickThreshold),
		StaleAge:         t.StaleAge(),
		QuoteTTL:         t.QuoteTTL(),
		PriceTick:        tick,
		QtyStep:          step,
		BidEnabled:       t.SideEnabled("bid"),
		AskEnabled:       t.SideEnabled("ask"),
	}
}

// Engine generates layered quotes. It holds only the requote-gating state
// (last emit time and last reference prices); everything else is stateless.
type Engine struct {
	params Params
	clk    clock.Clock
	logger core.Logger

	mu          sync.Mutex
	lastQuoteAt time.Time
	lastSource  *core.BookTicker
}

// NewEngine creates a quote engine.
func NewEngine(params Params, clk clock.Clock, logger core.Logger) *Engine {
	return &Engine{
		params: params,
		clk:    clk,
		logger: logger.WithField("component", "quote_engine"),
	}
}

// Generate derives a layered quote from the ticker with inventory skew
// gamma. Returns (nil, nil) when the engine declines to requote: stale
// data, the time gate, the price-movement gate, or zero enabled layers.
// An invalid ticker is the only error case.
func (e *Engine) Generate(ticker core.BookTicker, gamma decimal.Decimal) (*core.Quote, error) {
	if err := ticker.Validate(); err != nil {
		return nil, err
	}

	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if ticker.IsStale(now, e.params.StaleAge) {
		e.logger.Warn("market data is stale, skipping quote generation",
			"age_ms", now.Sub(ticker.Ts).Milliseconds())
		return nil, nil
	}
	if e.shouldSkipRequote(ticker, now) {
		return nil, nil
	}

	mid := ticker.Mid()
	sBid, sAsk := e.halfSpreads(gamma)
	mBid, mAsk := e.sizeMultipliers(gamma)

	bids, asks := e.buildLayers(mid, sBid, sAsk, mBid, mAsk)

	// Don't-cross guard: widen both sides symmetrically around mid until
	// the books no longer overlap.
	for attempt := 0; attempt < 3 && crossed(bids, asks); attempt++ {
		overlap := bids[0].Price.Sub(asks[0].Price).Div(mid).Mul(tenThousand)
		extra := overlap.Div(two).Add(one)
		sBid = sBid.Add(extra)
		sAsk = sAsk.Add(extra)
		bids, asks = e.buildLayers(mid, sBid, sAsk, mBid, mAsk)
	}

	if len(bids) == 0 && len(asks) == 0 {
		return nil, nil
	}

	e.lastQuoteAt = now
	src := ticker
	e.lastSource = &src

	return &core.Quote{
		QuoteID:   uuid.NewString(),
		Ts:        now,
		SymbolSrc: ticker.SymbolSrc,
		SymbolDst: e.params.SymbolDst,
		Source:    ticker,
		Bids:      bids,
		Asks:      asks,
		Status:    core.QuoteGenerated,
		SpreadBps: sBid.Add(sAsk),
		ExpiresAt: now.Add(e.params.QuoteTTL),
	}, nil
}

// shouldSkipRequote applies the time gate, then the price-movement gate.
// Caller holds the lock.
func (e *Engine) shouldSkipRequote(ticker core.BookTicker, now time.Time) bool {
	if !e.lastQuoteAt.IsZero() && now.Sub(e.lastQuoteAt) < e.params.MinRequote {
		e.logger.Debug("skipping requote: time threshold not met",
			"since_last_ms", now.Sub(e.lastQuoteAt).Milliseconds())
		return true
	}
	if e.lastSource != nil {
		bidChange := ticker.BidPx.Sub(e.lastSource.BidPx).Abs()
		askChange := ticker.AskPx.Sub(e.lastSource.AskPx).Abs()
		maxChange := bidChange
		if askChange.GreaterThan(maxChange) {
			maxChange = askChange
		}
		if maxChange.LessThan(e.params.RequoteThreshold) {
			e.logger.Debug("skipping requote: price movement threshold not met",
				"max_change", maxChange.String())
			return true
		}
	}
	return false
}

// halfSpreads computes the skew-shifted half spreads in bps. The skew
// tightens the side the inventory wants filled and widens the other; the
// minimum edge always wins over the skew.
func (e *Engine) halfSpreads(gamma decimal.Decimal) (sBid, sAsk decimal.Decimal) {
	shift := e.params.Lambda.Mul(gamma)
	sBid = decimalutil.Clamp(e.params.BaseSpreadBps.Sub(shift), e.params.SpreadMinBps, e.params.SpreadMaxBps)
	sAsk = decimalutil.Clamp(e.params.BaseSpreadBps.Add(shift), e.params.SpreadMinBps, e.params.SpreadMaxBps)
	if sBid.LessThan(e.params.MinEdgeBps) {
		sBid = e.params.MinEdgeBps
	}
	if sAsk.LessThan(e.params.MinEdgeBps) {
		sAsk = e.params.MinEdgeBps
	}
	return sBid, sAsk
}

func (e *Engine) sizeMultipliers(gamma decimal.Decimal) (mBid, mAsk decimal.Decimal) {
	shift := e.params.Mu.Mul(gamma)
	mBid = decimalutil.Clamp(one.Add(shift), e.params.SizeMultMin, e.params.SizeMultMax)
	mAsk = decimalutil.Clamp(one.Sub(shift), e.params.SizeMultMin, e.params.SizeMultMax)
	return mBid, mAsk
}

// buildLayers produces both sides of the book. Layers whose derived size
// rounds to zero or below are dropped, not clamped.
func (e *Engine) buildLayers(mid, sBid, sAsk, mBid, mAsk decimal.Decimal) (bids, asks []core.QuoteLayer) {
	layerBase := e.params.TotalLiquidity.Div(decimal.NewFromInt(int64(e.params.NumLayers)))

	for i := 0; i < e.params.NumLayers; i++ {
		idx := decimal.NewFromInt(int64(i))
		step := idx.Mul(e.params.TickSpreadBps)
		notional := layerBase.Mul(one.Add(idx.Mul(e.params.LayerMult)))

		if e.params.BidEnabled {
			px := decimalutil.FloorToTick(
				mid.Mul(one.Sub(decimalutil.FromBps(sBid.Add(step)))), e.params.PriceTick)
			if px.IsPositive() {
				qty := decimalutil.FloorToStep(notional.Mul(mBid).Div(px), e.params.QtyStep)
				if qty.IsPositive() {
					bids = append(bids, core.QuoteLayer{Price: px, Quantity: qty})
				}
			}
		}
		if e.params.AskEnabled {
			px := decimalutil.CeilToTick(
				mid.Mul(one.Add(decimalutil.FromBps(sAsk.Add(step)))), e.params.PriceTick)
			if px.IsPositive() {
				qty := decimalutil.FloorToStep(notional.Mul(mAsk).Div(px), e.params.QtyStep)
				if qty.IsPositive() {
					asks = append(asks, core.QuoteLayer{Price: px, Quantity: qty})
				}
			}
		}
	}
	return bids, asks
}

// crossed reports whether the best bid reaches or exceeds the best ask.
// Layers are emitted best-first, so index 0 is the extreme of each side.
func crossed(bids, asks []core.QuoteLayer) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return !bids[0].Price.LessThan(asks[0].Price)
}
