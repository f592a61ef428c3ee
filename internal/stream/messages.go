package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mmengine/internal/core"
)

// bookTickerMsg is the source venue's top-of-book frame:
// {"u":400900217,"s":"ADAUSDT","b":"0.5001","B":"31.21","a":"0.5002","A":"40.66"}
type bookTickerMsg struct {
	Symbol string `json:"s"`
	BidPx  string `json:"b"`
	BidQty string `json:"B"`
	AskPx  string `json:"a"`
	AskQty string `json:"A"`
}

// decodeBookTicker parses a source frame into a BookTicker, stamping the
// local receive time (the feed carries no timestamp).
func decodeBookTicker(raw []byte, now time.Time) (core.BookTicker, error) {
	var msg bookTickerMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return core.BookTicker{}, err
	}
	if msg.Symbol == "" || msg.BidPx == "" || msg.AskPx == "" {
		return core.BookTicker{}, fmt.Errorf("not a book ticker frame")
	}

	bidPx, err := decimal.NewFromString(msg.BidPx)
	if err != nil {
		return core.BookTicker{}, fmt.Errorf("bad bid price %q: %w", msg.BidPx, err)
	}
	askPx, err := decimal.NewFromString(msg.AskPx)
	if err != nil {
		return core.BookTicker{}, fmt.Errorf("bad ask price %q: %w", msg.AskPx, err)
	}
	bidQty, _ := decimal.NewFromString(msg.BidQty)
	askQty, _ := decimal.NewFromString(msg.AskQty)

	return core.BookTicker{
		SymbolSrc: strings.ToUpper(msg.Symbol),
		BidPx:     bidPx,
		BidQty:    bidQty,
		AskPx:     askPx,
		AskQty:    askQty,
		Ts:        now,
	}, nil
}

// AccountEventKind discriminates account stream messages.
type AccountEventKind int

const (
	KindBalance AccountEventKind = iota
	KindOrderUpdate
	KindFill
)

// BalanceEvent is a balance update from the destination venue.
type BalanceEvent struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// OrderUpdateEvent is an order status change from the destination venue.
type OrderUpdateEvent struct {
	ExternalID string
	Symbol     string
	Status     string // new, open, cancelled, rejected
	Reason     string
}

// AccountEvent is the decoded sum of the account stream's message types.
type AccountEvent struct {
	Kind    AccountEventKind
	Balance *BalanceEvent
	Order   *OrderUpdateEvent
	Fill    *core.Fill
}

// accountMsg is the raw envelope. The venue uses a "type" discriminator;
// unknown discriminators are dropped by the caller.
type accountMsg struct {
	Type string `json:"type"`

	// balance
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`

	// order update
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`

	// fill: the venue emits both a direct fill shape and a trading-history
	// shape, keyed by execution_id
	FillID       string `json:"fill_id"`
	ExecutionID  string `json:"execution_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	ExecutedPx   string `json:"executed_price"`
	Quantity     string `json:"quantity"`
	ExecutedQty  string `json:"executed_qty"`
	ExecutedAt   float64 `json:"executed_at"`
	CreatedTime  float64 `json:"created_time"`
	TradeID      string `json:"trade_id"`
	Commission   string `json:"commission"`
	FeeCharged   string `json:"fee_charged"`
	CommAsset    string `json:"commission_asset"`
	FeeUnit      string `json:"fee_unit"`
	IsMaker      *bool  `json:"is_maker"`
}

// decodeAccountEvent parses one account stream frame. An unknown
// discriminator returns (nil, nil): logged and dropped by the caller.
func decodeAccountEvent(raw []byte, now time.Time) (*AccountEvent, error) {
	var msg accountMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case "balance":
		avail, err := decimal.NewFromString(msg.Available)
		if err != nil {
			return nil, fmt.Errorf("bad balance available %q: %w", msg.Available, err)
		}
		locked, _ := decimal.NewFromString(msg.Locked)
		return &AccountEvent{
			Kind:    KindBalance,
			Balance: &BalanceEvent{Asset: strings.ToUpper(msg.Asset), Available: avail, Locked: locked},
		}, nil

	case "order":
		if msg.OrderID == "" {
			return nil, fmt.Errorf("order update without order_id")
		}
		return &AccountEvent{
			Kind: KindOrderUpdate,
			Order: &OrderUpdateEvent{
				ExternalID: msg.OrderID,
				Symbol:     strings.ToUpper(msg.Symbol),
				Status:     strings.ToLower(msg.Status),
				Reason:     msg.Reason,
			},
		}, nil

	case "fill", "trading_history":
		fill, err := decodeFill(msg, now)
		if err != nil {
			return nil, err
		}
		return &AccountEvent{Kind: KindFill, Fill: fill}, nil

	default:
		return nil, nil
	}
}

func decodeFill(msg accountMsg, now time.Time) (*core.Fill, error) {
	fillID := msg.FillID
	if fillID == "" {
		fillID = msg.ExecutionID
	}
	if fillID == "" {
		return nil, fmt.Errorf("fill without fill_id")
	}

	priceStr := msg.Price
	if priceStr == "" {
		priceStr = msg.ExecutedPx
	}
	qtyStr := msg.Quantity
	if qtyStr == "" {
		qtyStr = msg.ExecutedQty
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("bad fill price %q: %w", priceStr, err)
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("bad fill quantity %q: %w", qtyStr, err)
	}

	executedAt := msg.ExecutedAt
	if executedAt == 0 {
		executedAt = msg.CreatedTime
	}
	ts := now
	if executedAt > 0 {
		ts = time.Unix(0, int64(executedAt*1e9))
	}

	commStr := msg.Commission
	if commStr == "" {
		commStr = msg.FeeCharged
	}
	commission, _ := decimal.NewFromString(commStr)
	commAsset := msg.CommAsset
	if commAsset == "" {
		commAsset = msg.FeeUnit
	}
	isMaker := true
	if msg.IsMaker != nil {
		isMaker = *msg.IsMaker
	}

	return &core.Fill{
		FillID:          fillID,
		OrderID:         msg.OrderID,
		Symbol:          strings.ToUpper(msg.Symbol),
		Side:            core.Side(strings.ToLower(msg.Side)),
		Price:           price,
		Quantity:        qty,
		ExecutedAt:      ts,
		TradeID:         msg.TradeID,
		Commission:      commission,
		CommissionAsset: commAsset,
		IsMaker:         isMaker,
	}, nil
}
