package quote

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"mmengine/internal/clock"
	"mmengine/internal/core"
	"mmengine/internal/store"
	"mmengine/internal/telemetry"
	apperrors "mmengine/pkg/errors"
)

// OrderSubmitter is the slice of the OMS the pipeline drives.
type OrderSubmitter interface {
	Submit(ctx context.Context, quoteID, symbol string, side core.Side, typ core.OrderType, qty, price decimal.Decimal) (*core.Order, error)
	Cancel(ctx context.Context, orderID, reason string) error
}

// Pipeline turns emitted quotes into OMS orders and keeps the resting book
// in sync with the moving reference. Replacement is diff-based: when a new
// quote carries the same layer price set as the live one, the resting
// orders stay untouched.
type Pipeline struct {
	engine  *Engine
	gauge   *InventoryGauge
	oms     OrderSubmitter
	st      *store.Store
	clk     clock.Clock
	logger  core.Logger
	metrics *telemetry.Metrics

	mu           sync.Mutex
	activeQuote  *core.Quote
	activeOrders map[string]struct{} // order ids spawned by the active quote
}

// NewPipeline creates the quote-to-order pipeline.
func NewPipeline(engine *Engine, gauge *InventoryGauge, oms OrderSubmitter, st *store.Store,
	clk clock.Clock, logger core.Logger, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		engine:       engine,
		gauge:        gauge,
		oms:          oms,
		st:           st,
		clk:          clk,
		logger:       logger.WithField("component", "quote_pipeline"),
		metrics:      metrics,
		activeOrders: make(map[string]struct{}),
	}
}

// HandleTicker processes one reference update end to end.
func (p *Pipeline) HandleTicker(ctx context.Context, ticker core.BookTicker) error {
	quote, err := p.engine.Generate(ticker, p.gauge.Gamma())
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			p.logger.Warn("invalid ticker dropped",
				"bid", ticker.BidPx.String(), "ask", ticker.AskPx.String())
			return nil
		}
		return err
	}
	if quote == nil {
		if p.metrics != nil {
			p.metrics.QuotesSkipped.Inc()
		}
		return nil
	}
	if p.metrics != nil {
		p.metrics.QuotesGenerated.Inc()
	}

	if err := p.st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.SaveQuote(quote); err != nil {
			return err
		}
		return tx.UpdateQuoteStatus(quote.QuoteID, core.QuotePersisted)
	}); err != nil {
		return err
	}
	quote.Status = core.QuotePersisted

	p.mu.Lock()
	prev := p.activeQuote
	p.mu.Unlock()

	if prev != nil && samePriceSet(prev, quote) {
		// Layer prices unchanged: keep the resting orders, retire the
		// new quote record.
		p.logger.Debug("layer prices unchanged, keeping resting orders", "quote_id", quote.QuoteID)
		return p.st.WithTx(ctx, func(tx *store.Tx) error {
			return tx.UpdateQuoteStatus(quote.QuoteID, core.QuoteCancelled)
		})
	}

	if prev != nil {
		if err := p.retireActive(ctx, "requote"); err != nil {
			return err
		}
	}
	return p.submitQuote(ctx, quote)
}

// submitQuote creates one order per enabled layer.
func (p *Pipeline) submitQuote(ctx context.Context, quote *core.Quote) error {
	orders := make(map[string]struct{})

	submitSide := func(side core.Side, layers []core.QuoteLayer) {
		for _, layer := range layers {
			order, err := p.oms.Submit(ctx, quote.QuoteID, quote.SymbolDst, side,
				core.OrderTypeLimit, layer.Quantity, layer.Price)
			if err != nil {
				var riskErr *apperrors.RiskError
				if errors.As(err, &riskErr) {
					p.logger.Warn("layer rejected by risk", "side", side,
						"price", layer.Price.String(), "violations", riskErr.Violations)
					continue
				}
				p.logger.Error("layer submission failed", "side", side,
					"price", layer.Price.String(), "error", err)
				continue
			}
			orders[order.OrderID] = struct{}{}
		}
	}

	submitSide(core.SideBuy, quote.Bids)
	submitSide(core.SideSell, quote.Asks)

	status := core.QuoteOrdersSubmitted
	if len(orders) == 0 {
		status = core.QuoteCancelled
	}
	if err := p.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateQuoteStatus(quote.QuoteID, status)
	}); err != nil {
		return err
	}

	p.mu.Lock()
	if len(orders) > 0 {
		quote.Status = status
		p.activeQuote = quote
		p.activeOrders = orders
	} else {
		p.activeQuote = nil
		p.activeOrders = make(map[string]struct{})
	}
	p.mu.Unlock()

	p.logger.Info("quote submitted", "quote_id", quote.QuoteID,
		"bid_layers", len(quote.Bids), "ask_layers", len(quote.Asks), "orders", len(orders))
	return nil
}

// retireActive cancels the live quote's resting orders and retires the
// quote record.
func (p *Pipeline) retireActive(ctx context.Context, reason string) error {
	p.mu.Lock()
	prev := p.activeQuote
	orders := p.activeOrders
	p.activeQuote = nil
	p.activeOrders = make(map[string]struct{})
	p.mu.Unlock()

	if prev == nil {
		return nil
	}
	for orderID := range orders {
		if err := p.oms.Cancel(ctx, orderID, reason); err != nil {
			p.logger.Error("failed to cancel order on requote", "order_id", orderID, "error", err)
		}
	}
	return p.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateQuoteStatus(prev.QuoteID, core.QuoteCancelled)
	})
}

// RemoveOrder drops a terminal order from the active set. Wired to the OMS
// observer by the supervisor.
func (p *Pipeline) RemoveOrder(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeOrders, orderID)
}

// ExpireQuotes retires quotes past their TTL, cancelling the active one's
// orders when it lapses. Run by the supervisor's periodic cleanup task.
func (p *Pipeline) ExpireQuotes(ctx context.Context) error {
	var expired []string
	err := p.st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		expired, err = tx.ExpireQuotes(p.engine.params.SymbolDst, p.clk.Now())
		return err
	})
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	p.logger.Info("expired stale quotes", "count", len(expired))

	p.mu.Lock()
	active := p.activeQuote
	p.mu.Unlock()
	if active == nil {
		return nil
	}
	for _, id := range expired {
		if id == active.QuoteID {
			return p.retireActive(ctx, "quote expired")
		}
	}
	return nil
}

// samePriceSet reports whether two quotes rest at the same layer prices on
// both sides.
func samePriceSet(a, b *core.Quote) bool {
	if len(a.Bids) != len(b.Bids) || len(a.Asks) != len(b.Asks) {
		return false
	}
	for i := range a.Bids {
		if !a.Bids[i].Price.Equal(b.Bids[i].Price) {
			return false
		}
	}
	for i := range a.Asks {
		if !a.Asks[i].Price.Equal(b.Asks[i].Price) {
			return false
		}
	}
	return true
}
