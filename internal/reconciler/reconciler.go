// Package reconciler applies destination account-stream events to the
// store and the OMS. It holds the authoritative view of balances and
// positions, deduplicates fills, and sweeps venue orders the engine does
// not own. All handlers are idempotent under message replay.
package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"mmengine/internal/clock"
	"mmengine/internal/core"
	"mmengine/internal/store"
	"mmengine/internal/stream"
	apperrors "mmengine/pkg/errors"
)

// balanceLogThreshold: balance moves below this fraction are too small to
// be worth a log line.
var balanceLogThreshold = decimal.NewFromFloat(0.001)

// OrderSystem is the slice of the OMS the reconciler drives.
type OrderSystem interface {
	ApplyAck(ctx context.Context, orderID, externalID string) error
	ApplyExternalCancel(ctx context.Context, orderID, reason string) error
	ApplyReject(ctx context.Context, orderID, reason string) error
	ApplyFill(ctx context.Context, fill *core.Fill) error
	LookupByExternalID(ctx context.Context, externalID string) (string, error)
	EnqueueUnregisteredCancel(ctx context.Context, externalID, symbol string) error
	Position(symbol string) *core.Position
}

// InventorySink receives the balance-derived inventory marks used for
// quote skew.
type InventorySink interface {
	SetBase(qty, markPx decimal.Decimal)
	SetQuote(value decimal.Decimal)
}

// Reconciler consumes the account stream.
type Reconciler struct {
	st      *store.Store
	oms     OrderSystem
	gauge   InventorySink
	breaker *DivergenceBreaker
	clk     clock.Clock
	logger  core.Logger

	symbol     string
	baseAsset  string
	quoteAsset string

	mu        sync.Mutex
	seenFills map[string]struct{}
	markPrice decimal.Decimal
}

// New creates a reconciler for one destination symbol.
func New(st *store.Store, oms OrderSystem, gauge InventorySink, breaker *DivergenceBreaker,
	symbol, baseAsset, quoteAsset string, clk clock.Clock, logger core.Logger) *Reconciler {
	return &Reconciler{
		st:         st,
		oms:        oms,
		gauge:      gauge,
		breaker:    breaker,
		clk:        clk,
		logger:     logger.WithField("component", "reconciler"),
		symbol:     symbol,
		baseAsset:  strings.ToUpper(baseAsset),
		quoteAsset: strings.ToUpper(quoteAsset),
		seenFills:  make(map[string]struct{}),
	}
}

// SetMarkPrice feeds the latest reference mid, used to value the base
// holding for the inventory gauge.
func (r *Reconciler) SetMarkPrice(mid decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markPrice = mid
}

// Run consumes events until the channel closes or the context is
// cancelled. Handler errors are logged, never fatal: the stream must keep
// draining.
func (r *Reconciler) Run(ctx context.Context, events <-chan stream.AccountEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Apply(ctx, ev); err != nil {
				r.logger.Error("failed to apply account event", "error", err)
			}
		}
	}
}

// Apply routes one decoded account event.
func (r *Reconciler) Apply(ctx context.Context, ev stream.AccountEvent) error {
	switch ev.Kind {
	case stream.KindBalance:
		return r.applyBalance(ctx, ev.Balance)
	case stream.KindOrderUpdate:
		return r.applyOrderUpdate(ctx, ev.Order)
	case stream.KindFill:
		return r.applyFill(ctx, ev.Fill)
	}
	return nil
}

// applyBalance upserts the balance row (last write wins) and refreshes the
// inventory gauge and divergence breaker.
func (r *Reconciler) applyBalance(ctx context.Context, b *stream.BalanceEvent) error {
	now := r.clk.Now()
	newBal := &core.Balance{
		Asset:     b.Asset,
		Available: b.Available,
		Locked:    b.Locked,
		UpdatedAt: now,
	}

	var prev *core.Balance
	err := r.st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		prev, err = tx.GetBalance(b.Asset)
		if err != nil {
			return err
		}
		return tx.UpsertBalance(newBal)
	})
	if err != nil {
		return err
	}

	if prev != nil && !prev.Total().IsZero() {
		change := newBal.Total().Sub(prev.Total()).Abs().Div(prev.Total())
		if change.GreaterThan(balanceLogThreshold) {
			r.logger.Info("balance changed", "asset", b.Asset,
				"total", newBal.Total().String(), "previous", prev.Total().String())
		}
	} else {
		r.logger.Info("balance initialized", "asset", b.Asset, "total", newBal.Total().String())
	}

	r.mu.Lock()
	mark := r.markPrice
	r.mu.Unlock()

	switch b.Asset {
	case r.baseAsset:
		if r.gauge != nil && mark.IsPositive() {
			r.gauge.SetBase(newBal.Total(), mark)
		}
		if r.breaker != nil {
			local := decimal.Zero
			if p := r.oms.Position(r.symbol); p != nil {
				local = p.Quantity
			}
			r.breaker.Observe(newBal.Total(), local)
		}
	case r.quoteAsset:
		if r.gauge != nil {
			r.gauge.SetQuote(newBal.Total())
		}
	}
	return nil
}

// applyOrderUpdate maps a venue order id to the local order and drives the
// matching OMS transition. An id the store does not know triggers the
// unregistered-order cancel path.
func (r *Reconciler) applyOrderUpdate(ctx context.Context, u *stream.OrderUpdateEvent) error {
	orderID, err := r.oms.LookupByExternalID(ctx, u.ExternalID)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		r.logger.Warn("venue reported order the engine does not own, cancelling",
			"external_id", u.ExternalID, "status", u.Status)
		return r.oms.EnqueueUnregisteredCancel(ctx, u.ExternalID, u.Symbol)
	}
	if err != nil {
		return err
	}

	switch u.Status {
	case "new", "open", "working":
		return r.oms.ApplyAck(ctx, orderID, u.ExternalID)
	case "cancelled", "canceled":
		return r.oms.ApplyExternalCancel(ctx, orderID, u.Reason)
	case "rejected":
		return r.oms.ApplyReject(ctx, orderID, u.Reason)
	default:
		r.logger.Debug("ignoring order update status", "status", u.Status, "order_id", orderID)
		return nil
	}
}

// applyFill deduplicates by fill_id (a fast in-memory set in front of the
// store's uniqueness) and applies the fill to the OMS.
func (r *Reconciler) applyFill(ctx context.Context, fill *core.Fill) error {
	r.mu.Lock()
	if _, seen := r.seenFills[fill.FillID]; seen {
		r.mu.Unlock()
		r.logger.Debug("duplicate fill dropped", "fill_id", fill.FillID)
		return nil
	}
	r.seenFills[fill.FillID] = struct{}{}
	r.mu.Unlock()

	// The venue keys fills by its own order id; resolve to ours.
	if fill.OrderID != "" {
		if orderID, err := r.oms.LookupByExternalID(ctx, fill.OrderID); err == nil {
			fill.OrderID = orderID
		}
	}
	if fill.Symbol == "" {
		fill.Symbol = r.symbol
	}

	return r.oms.ApplyFill(ctx, fill)
}

// SweepUnregistered lists the venue's open orders and cancels every one
// the store does not own. Run periodically by the supervisor's cleanup
// task and once at startup.
func (r *Reconciler) SweepUnregistered(ctx context.Context, venue core.VenueClient) error {
	venueOrders, err := venue.OpenOrders(ctx, r.symbol)
	if err != nil {
		return err
	}
	if len(venueOrders) == 0 {
		return nil
	}

	registered := make(map[string]struct{})
	err = r.st.WithTx(ctx, func(tx *store.Tx) error {
		orders, err := tx.OrdersByState(r.symbol,
			core.OrderIdle, core.OrderPending, core.OrderWorking)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.ExternalID != "" {
				registered[o.ExternalID] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	swept := 0
	for _, vo := range venueOrders {
		if _, ok := registered[vo.OrderID]; ok {
			continue
		}
		if err := r.oms.EnqueueUnregisteredCancel(ctx, vo.OrderID, vo.Symbol); err != nil {
			r.logger.Error("failed to enqueue unregistered cancel",
				"external_id", vo.OrderID, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		r.logger.Warn("unregistered venue orders scheduled for cancellation", "count", swept)
	}
	return nil
}
