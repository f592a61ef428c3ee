package core

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	apperrors "mmengine/pkg/errors"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is the order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderState is a state in the order lifecycle state machine.
type OrderState string

const (
	OrderIdle      OrderState = "idle"
	OrderPending   OrderState = "pending"
	OrderWorking   OrderState = "working"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
	OrderFailed    OrderState = "failed"
)

// IsTerminal reports whether the state permits no further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// QuoteStatus tracks a quote through its lifecycle.
type QuoteStatus string

const (
	QuoteGenerated       QuoteStatus = "generated"
	QuotePersisted       QuoteStatus = "persisted"
	QuoteOrdersCreated   QuoteStatus = "orders_created"
	QuoteOrdersSubmitted QuoteStatus = "orders_submitted"
	QuoteExpired         QuoteStatus = "expired"
	QuoteCancelled       QuoteStatus = "cancelled"
)

// OutboxStatus is the delivery status of an outbox event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInFlight   OutboxStatus = "in_flight"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// OutboxEventType identifies the side effect an outbox event carries.
type OutboxEventType string

const (
	EventSubmitOrder OutboxEventType = "submit_order"
	EventCancelOrder OutboxEventType = "cancel_order"
)

// BookTicker is a top-of-book snapshot from the source venue.
type BookTicker struct {
	SymbolSrc string
	BidPx     decimal.Decimal
	BidQty    decimal.Decimal
	AskPx     decimal.Decimal
	AskQty    decimal.Decimal
	Ts        time.Time
}

// Validate enforces bid_px>0, ask_px>0, bid_px<ask_px.
func (t BookTicker) Validate() error {
	if !t.BidPx.IsPositive() || !t.AskPx.IsPositive() || !t.BidPx.LessThan(t.AskPx) {
		return apperrors.ErrInvalidInput
	}
	return nil
}

// Mid returns the mid price of the snapshot.
func (t BookTicker) Mid() decimal.Decimal {
	return t.BidPx.Add(t.AskPx).Div(decimal.NewFromInt(2))
}

// IsStale reports whether the snapshot is older than maxAge.
func (t BookTicker) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(t.Ts) > maxAge
}

// QuoteLayer is one (price, quantity) pair of a layered quote side.
type QuoteLayer struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Quote is a symmetric multi-layer book derived from a source snapshot.
type Quote struct {
	QuoteID   string
	Ts        time.Time
	SymbolSrc string
	SymbolDst string
	Source    BookTicker
	Bids      []QuoteLayer
	Asks      []QuoteLayer
	Status    QuoteStatus
	SpreadBps decimal.Decimal
	ExpiresAt time.Time
}

// Order is a maker order managed by the OMS.
type Order struct {
	OrderID    string
	QuoteID    string
	Symbol     string
	Side       Side
	Type       OrderType
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	FilledQty  decimal.Decimal
	AvgFillPx  decimal.Decimal
	State      OrderState
	ExternalID string
	ErrorMsg   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill is an execution reported by the destination venue.
type Fill struct {
	FillID          string
	OrderID         string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ExecutedAt      time.Time
	TradeID         string
	Commission      decimal.Decimal
	CommissionAsset string
	IsMaker         bool
}

// Position is the signed net position for one symbol.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastUpdate    time.Time
}

// Notional returns |quantity| * avg_entry_price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgEntryPrice)
}

// MarkToMarket returns the unrealized P&L against the given mid price.
func (p *Position) MarkToMarket(mid decimal.Decimal) decimal.Decimal {
	return mid.Sub(p.AvgEntryPrice).Mul(p.Quantity)
}

// Balance is the destination-venue balance for one asset.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// OutboxEvent is a persisted order side effect awaiting delivery.
type OutboxEvent struct {
	EventID     string
	Type        OutboxEventType
	AggregateID string
	Payload     []byte
	Status      OutboxStatus
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
}

// EmergencyStop is the one runtime-mutable risk control: an atomic flag
// consulted by the OMS before every submission. Cancels always proceed.
type EmergencyStop struct {
	active atomic.Bool
	reason atomic.Value
}

// Trip activates the stop with a reason. Idempotent.
func (e *EmergencyStop) Trip(reason string) {
	e.reason.Store(reason)
	e.active.Store(true)
}

// Clear deactivates the stop.
func (e *EmergencyStop) Clear() {
	e.active.Store(false)
}

// Active reports whether the stop is set.
func (e *EmergencyStop) Active() bool {
	return e.active.Load()
}

// Reason returns the reason the stop was last tripped with.
func (e *EmergencyStop) Reason() string {
	if r, ok := e.reason.Load().(string); ok {
		return r
	}
	return ""
}
