// Package core defines the shared types and interfaces that wire the engine
// components together. External collaborators (the destination venue client,
// the transaction signer, secret decryption) are interfaces only.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// BuildResult is the destination venue's response to a build-order or
// build-cancel request: the venue order id plus the unsigned transaction.
type BuildResult struct {
	OrderID string
	TxHex   string
}

// OrderRequest describes a maker order to build on the destination venue.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// VenueOrder is an open order as reported by the destination venue.
type VenueOrder struct {
	OrderID  string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// VenueClient issues build/submit/cancel commands against the destination
// venue's REST API. Implementations classify failures via apperrors.VenueError
// so the outbox can tell retryable from terminal.
type VenueClient interface {
	BuildOrder(ctx context.Context, req OrderRequest) (BuildResult, error)
	SubmitOrder(ctx context.Context, orderID, signedTx string) error
	BuildCancel(ctx context.Context, externalID, symbol string) (BuildResult, error)
	SubmitCancel(ctx context.Context, orderID, signedTx string) error
	OpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error)
}

// Signer signs venue transactions before submission.
type Signer interface {
	Sign(ctx context.Context, txHex string) (string, error)
}

// SecretProvider decrypts the operation key used by the signer.
type SecretProvider interface {
	OperationKey(ctx context.Context) (string, error)
}

// CommissionConverter converts a commission paid in an arbitrary asset into
// quote-asset units. The engine assumes fees in quote when none is wired.
type CommissionConverter interface {
	ToQuote(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)
}
