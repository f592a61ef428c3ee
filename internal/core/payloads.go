package core

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// SubmitOrderPayload is the serialized body of a submit_order outbox event.
type SubmitOrderPayload struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Type     OrderType       `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// CancelOrderPayload is the serialized body of a cancel_order outbox event.
// ExternalID may be empty when the cancel was enqueued before the venue
// acknowledged the order; the dispatcher resolves it at send time.
type CancelOrderPayload struct {
	OrderID    string `json:"order_id"`
	ExternalID string `json:"external_id,omitempty"`
	Symbol     string `json:"symbol"`
	Reason     string `json:"reason,omitempty"`
}

// EncodePayload marshals an outbox payload.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
