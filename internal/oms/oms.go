// Package oms owns the order lifecycle state machine, position accounting
// and pre-trade risk. State writes and their outbox events commit in the
// same transaction; the OMS itself does no network I/O.
package oms

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
	"mmengine/internal/store"
	"mmengine/internal/telemetry"
	apperrors "mmengine/pkg/errors"
)

// OrderEvent is delivered to registered observers after each successful
// transition.
type OrderEvent struct {
	Order core.Order
	From  core.OrderState
	To    core.OrderState
}

// Observer consumes order events. Observer panics and errors never affect
// OMS state.
type Observer func(OrderEvent)

// validTransitions is the order state machine.
var validTransitions = map[core.OrderState][]core.OrderState{
	core.OrderIdle:    {core.OrderPending, core.OrderRejected},
	core.OrderPending: {core.OrderWorking, core.OrderRejected, core.OrderFailed},
	core.OrderWorking: {core.OrderFilled, core.OrderCancelled, core.OrderRejected},
}

func transitionAllowed(from, to core.OrderState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager is the OMS. A single mutex covers transitions plus outbox
// emission so observers and the dispatcher always see a consistent index.
type Manager struct {
	mu sync.Mutex

	orders    map[string]*core.Order
	positions map[string]*core.Position

	st      *store.Store
	risk    *RiskManager
	clk     clock.Clock
	logger  core.Logger
	metrics *telemetry.Metrics

	observers []Observer
}

// New creates an OMS bound to the store.
func New(st *store.Store, riskCfg config.RiskConfig, stop *core.EmergencyStop, clk clock.Clock, logger core.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		orders:    make(map[string]*core.Order),
		positions: make(map[string]*core.Position),
		st:        st,
		risk:      NewRiskManager(riskCfg, stop, clk),
		clk:       clk,
		logger:    logger.WithField("component", "oms"),
		metrics:   metrics,
	}
}

// Restore loads non-terminal orders and positions from the store into the
// in-memory index. Called once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	return m.st.WithTx(ctx, func(tx *store.Tx) error {
		orders, err := tx.OrdersByState("", core.OrderIdle, core.OrderPending, core.OrderWorking)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, o := range orders {
			m.orders[o.OrderID] = o
			if p, err := tx.GetPosition(o.Symbol); err != nil {
				return err
			} else if p != nil {
				m.positions[o.Symbol] = p
			}
		}
		m.logger.Info("restored state", "open_orders", len(orders))
		return nil
	})
}

// RegisterObserver adds an order event consumer.
func (m *Manager) RegisterObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// notify delivers an event to every observer, isolating their failures.
func (m *Manager) notify(ev OrderEvent) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("observer panic recovered", "panic", r)
				}
			}()
			obs(ev)
		}()
	}
}

// Submit runs the risk checks and, on pass, persists the order in state
// pending together with its submit_order outbox event. A RiskError leaves
// no trace: no order, no outbox event, no position change.
func (m *Manager) Submit(ctx context.Context, quoteID, symbol string, side core.Side, typ core.OrderType, qty, price decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()

	if violations := m.risk.Check(side, qty, m.positions[symbol], m.openOrderCountLocked(symbol)); len(violations) > 0 {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.OrdersRejected.Inc()
		}
		m.logger.Warn("order rejected by risk", "symbol", symbol, "side", side, "violations", violations)
		return nil, &apperrors.RiskError{Violations: violations}
	}

	now := m.clk.Now()
	order := &core.Order{
		OrderID:   "mm-" + uuid.NewString(),
		QuoteID:   quoteID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Quantity:  qty,
		FilledQty: decimal.Zero,
		AvgFillPx: decimal.Zero,
		State:     core.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	payload, err := core.EncodePayload(core.SubmitOrderPayload{
		OrderID: order.OrderID, Symbol: symbol, Side: side, Type: typ,
		Price: price, Quantity: qty,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	err = m.st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertOrder(order); err != nil {
			return err
		}
		return tx.EnqueueOutbox(&core.OutboxEvent{
			EventID:     uuid.NewString(),
			Type:        core.EventSubmitOrder,
			AggregateID: order.OrderID,
			Payload:     payload,
			CreatedAt:   now,
		})
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.orders[order.OrderID] = order
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OrdersSubmitted.WithLabelValues(string(side)).Inc()
	}
	m.logger.Info("order submitted", "order_id", order.OrderID, "symbol", symbol,
		"side", side, "qty", qty.String(), "price", price.String())

	m.notify(OrderEvent{Order: *order, From: core.OrderIdle, To: core.OrderPending})
	return order, nil
}

// ApplyAck records the venue acknowledgment: pending -> working. A late ack
// on a terminal order is a warning and a no-op.
func (m *Manager) ApplyAck(ctx context.Context, orderID, externalID string) error {
	return m.transition(ctx, orderID, core.OrderWorking, externalID, "")
}

// ApplyExternalCancel records a venue-confirmed cancellation. Cancelling a
// terminal order (e.g. a fill won the race) is a no-op.
func (m *Manager) ApplyExternalCancel(ctx context.Context, orderID, reason string) error {
	return m.transition(ctx, orderID, core.OrderCancelled, "", reason)
}

// ApplyReject moves an order to rejected (terminal).
func (m *Manager) ApplyReject(ctx context.Context, orderID, reason string) error {
	return m.transition(ctx, orderID, core.OrderRejected, "", reason)
}

// FailOrder moves an order to failed after the outbox exhausted delivery.
func (m *Manager) FailOrder(ctx context.Context, orderID, reason string) error {
	return m.transition(ctx, orderID, core.OrderFailed, "", reason)
}

// transition validates and applies one state-machine step. Illegal
// transitions are logged and ignored to preserve invariants.
func (m *Manager) transition(ctx context.Context, orderID string, to core.OrderState, externalID, reason string) error {
	m.mu.Lock()

	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("transition for unknown order", "order_id", orderID, "to", to)
		return nil
	}
	from := order.State
	if from.IsTerminal() {
		m.mu.Unlock()
		m.logger.Warn("ignoring transition on terminal order",
			"order_id", orderID, "state", from, "to", to)
		return nil
	}
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		m.logger.Error("invalid state transition",
			"order_id", orderID, "from", from, "to", to, "error", apperrors.ErrProtocolViolation)
		return nil
	}

	now := m.clk.Now()
	err := m.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateOrderState(orderID, from, to, externalID, reason, now)
	})
	if err != nil {
		m.mu.Unlock()
		return err
	}

	order.State = to
	order.UpdatedAt = now
	if externalID != "" {
		order.ExternalID = externalID
	}
	if reason != "" {
		order.ErrorMsg = reason
	}
	snapshot := *order
	if to.IsTerminal() {
		delete(m.orders, orderID)
	}
	m.mu.Unlock()

	m.logger.Debug("order state transition", "order_id", orderID, "from", from, "to", to)
	m.notify(OrderEvent{Order: snapshot, From: from, To: to})
	return nil
}

// ApplyFill inserts the fill (idempotent by fill_id), updates the order's
// fill accumulators and the position, and completes the order when fully
// filled. Fills must be serialized per order; the manager lock does that.
func (m *Manager) ApplyFill(ctx context.Context, fill *core.Fill) error {
	m.mu.Lock()

	order, tracked := m.orders[fill.OrderID]
	if !tracked {
		// Order from a previous run or already terminal: keep position
		// accounting correct without touching order state.
		m.mu.Unlock()
		return m.applyUntrackedFill(ctx, fill)
	}

	if order.FilledQty.Add(fill.Quantity).GreaterThan(order.Quantity) {
		m.mu.Unlock()
		m.logger.Error("fill quantity exceeds order quantity",
			"order_id", fill.OrderID, "fill_qty", fill.Quantity.String(),
			"already_filled", order.FilledQty.String())
		return apperrors.ErrProtocolViolation
	}

	pos := m.positions[fill.Symbol]
	if pos == nil {
		pos = &core.Position{Symbol: fill.Symbol, Quantity: decimal.Zero, AvgEntryPrice: decimal.Zero,
			RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero}
	}
	posCopy := *pos

	newFilled := order.FilledQty.Add(fill.Quantity)
	newNotional := order.FilledQty.Mul(order.AvgFillPx).Add(fill.Quantity.Mul(fill.Price))
	newAvg := newNotional.Div(newFilled)

	now := m.clk.Now()
	realized := decimal.Zero
	inserted := false
	err := m.st.WithTx(ctx, func(tx *store.Tx) error {
		posCopy = *pos // reset per attempt: the transaction may retry
		var err error
		inserted, err = tx.InsertFill(fill)
		if err != nil {
			return err
		}
		if !inserted {
			return nil // duplicate: no-op
		}
		if err := tx.UpdateOrderFill(fill.OrderID, newFilled, newAvg, now); err != nil {
			return err
		}
		realized = applyFillToPosition(&posCopy, fill.Side, fill.Quantity, fill.Price, fill.Commission)
		posCopy.LastUpdate = now
		return tx.UpsertPosition(&posCopy)
	})
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !inserted {
		m.mu.Unlock()
		m.logger.Debug("duplicate fill ignored", "fill_id", fill.FillID)
		return nil
	}

	order.FilledQty = newFilled
	order.AvgFillPx = newAvg
	order.UpdatedAt = now
	*pos = posCopy
	m.positions[fill.Symbol] = pos
	complete := order.FilledQty.GreaterThanOrEqual(order.Quantity)
	m.mu.Unlock()

	m.risk.RecordPnL(realized)
	if m.metrics != nil {
		m.metrics.FillsApplied.Inc()
		m.metrics.PositionQty.WithLabelValues(fill.Symbol).Set(posQtyFloat(pos))
	}
	m.logger.Info("fill applied", "order_id", fill.OrderID, "fill_id", fill.FillID,
		"qty", fill.Quantity.String(), "price", fill.Price.String(),
		"total_filled", newFilled.String())

	if complete {
		// A fill can outrun the venue ack; walk pending through working
		// before completing.
		if m.stateOf(fill.OrderID) == core.OrderPending {
			if err := m.ApplyAck(ctx, fill.OrderID, ""); err != nil {
				return err
			}
		}
		return m.transition(ctx, fill.OrderID, core.OrderFilled, "", "")
	}
	return nil
}

// applyUntrackedFill updates only the position for a fill whose order is
// not in the index (previous run or already terminal). When the order row
// still exists the fill is recorded so the fill_id uniqueness keeps
// replays from double-counting the position.
func (m *Manager) applyUntrackedFill(ctx context.Context, fill *core.Fill) error {
	m.logger.Info("fill for untracked order, updating position only",
		"order_id", fill.OrderID, "fill_id", fill.FillID)

	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.positions[fill.Symbol]
	if pos == nil {
		pos = &core.Position{Symbol: fill.Symbol, Quantity: decimal.Zero, AvgEntryPrice: decimal.Zero,
			RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero}
	}
	posCopy := *pos

	realized := decimal.Zero
	applied := false
	err := m.st.WithTx(ctx, func(tx *store.Tx) error {
		posCopy = *pos // reset per attempt: the transaction may retry
		realized = decimal.Zero
		applied = false
		if _, err := tx.GetOrder(fill.OrderID); err == nil {
			inserted, err := tx.InsertFill(fill)
			if err != nil {
				return err
			}
			if !inserted {
				return nil // replayed fill: position already reflects it
			}
		} else if !errors.Is(err, apperrors.ErrOrderNotFound) {
			return err
		}
		realized = applyFillToPosition(&posCopy, fill.Side, fill.Quantity, fill.Price, fill.Commission)
		posCopy.LastUpdate = m.clk.Now()
		applied = true
		return tx.UpsertPosition(&posCopy)
	})
	if err != nil || !applied {
		return err
	}
	*pos = posCopy
	m.positions[fill.Symbol] = pos
	m.risk.RecordPnL(realized)
	return nil
}

// Cancel requests cancellation of an active order by enqueuing a
// cancel_order outbox event. At most one live cancel event exists per
// order. Cancelling a terminal order is a no-op.
func (m *Manager) Cancel(ctx context.Context, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok || order.State.IsTerminal() {
		m.logger.Warn("cancel requested for unknown or terminal order", "order_id", orderID)
		return nil
	}

	payload, err := core.EncodePayload(core.CancelOrderPayload{
		OrderID: orderID, ExternalID: order.ExternalID, Symbol: order.Symbol, Reason: reason,
	})
	if err != nil {
		return err
	}

	return m.st.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.HasLiveOutboxEvent(orderID, core.EventCancelOrder)
		if err != nil {
			return err
		}
		if live {
			return nil
		}
		return tx.EnqueueOutbox(&core.OutboxEvent{
			EventID:     uuid.NewString(),
			Type:        core.EventCancelOrder,
			AggregateID: orderID,
			Payload:     payload,
			CreatedAt:   m.clk.Now(),
		})
	})
}

// EnqueueUnregisteredCancel emits a cancel for an order the venue reports
// but the store does not own, so the system converges to holding only its
// own orders. The aggregate is keyed by the external id.
func (m *Manager) EnqueueUnregisteredCancel(ctx context.Context, externalID, symbol string) error {
	payload, err := core.EncodePayload(core.CancelOrderPayload{
		ExternalID: externalID, Symbol: symbol, Reason: "unregistered venue order",
	})
	if err != nil {
		return err
	}
	aggregate := "ext:" + externalID

	return m.st.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.HasLiveOutboxEvent(aggregate, core.EventCancelOrder)
		if err != nil {
			return err
		}
		if live {
			return nil
		}
		return tx.EnqueueOutbox(&core.OutboxEvent{
			EventID:     uuid.NewString(),
			Type:        core.EventCancelOrder,
			AggregateID: aggregate,
			Payload:     payload,
			CreatedAt:   m.clk.Now(),
		})
	})
}

// GetOrder returns a snapshot of an order, in-memory first.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	m.mu.Lock()
	if o, ok := m.orders[orderID]; ok {
		snapshot := *o
		m.mu.Unlock()
		return &snapshot, nil
	}
	m.mu.Unlock()

	var order *core.Order
	err := m.st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		order, err = tx.GetOrder(orderID)
		return err
	})
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil, apperrors.ErrOrderNotFound
	}
	return order, err
}

// LookupByExternalID maps a venue order id to the local order id.
func (m *Manager) LookupByExternalID(ctx context.Context, externalID string) (string, error) {
	m.mu.Lock()
	for id, o := range m.orders {
		if o.ExternalID == externalID {
			m.mu.Unlock()
			return id, nil
		}
	}
	m.mu.Unlock()

	var orderID string
	err := m.st.WithTx(ctx, func(tx *store.Tx) error {
		o, err := tx.GetOrderByExternalID(externalID)
		if err != nil {
			return err
		}
		orderID = o.OrderID
		return nil
	})
	return orderID, err
}

// OpenOrders returns snapshots of all non-terminal orders.
func (m *Manager) OpenOrders(symbol string) []core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.Order
	for _, o := range m.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// Position returns a snapshot of the position for a symbol.
func (m *Manager) Position(symbol string) *core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		snapshot := *p
		return &snapshot
	}
	return nil
}

// SetPosition overwrites the in-memory position. The Reconciler holds the
// authoritative account state; the OMS defers to it.
func (m *Manager) SetPosition(p *core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *p
	m.positions[p.Symbol] = &snapshot
}

// MarkToMarket recomputes unrealized P&L against the given mid. Computed on
// demand; not a stored invariant.
func (m *Manager) MarkToMarket(symbol string, mid decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	p.UnrealizedPnL = p.MarkToMarket(mid)
	return p.UnrealizedPnL
}

// Summary is the portfolio snapshot the status task reports.
type Summary struct {
	OpenOrders    int
	TotalNotional decimal.Decimal
	RealizedPnL   decimal.Decimal
	DailyPnL      decimal.Decimal
}

// Summarize builds the status snapshot.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	s := Summary{
		OpenOrders:    len(m.orders),
		TotalNotional: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}
	for _, p := range m.positions {
		s.TotalNotional = s.TotalNotional.Add(p.Notional())
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
	}
	m.mu.Unlock()

	s.DailyPnL = m.risk.DailyPnL()
	if m.metrics != nil {
		m.metrics.OpenOrders.Set(float64(s.OpenOrders))
	}
	return s
}

func (m *Manager) openOrderCountLocked(symbol string) int {
	n := 0
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Manager) stateOf(orderID string) core.OrderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		return o.State
	}
	return ""
}

func posQtyFloat(p *core.Position) float64 {
	f, _ := p.Quantity.Float64()
	return f
}
