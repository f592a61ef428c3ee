// Package mock provides in-memory stand-ins for the external collaborators
// (destination venue, signer) used by tests and by paper-trading runs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"mmengine/internal/core"
)

// Venue is an in-memory destination venue. Orders submitted to it rest in
// an open-order book until cancelled. Failures can be scripted per call to
// exercise the outbox's retry classification.
type Venue struct {
	mu sync.Mutex

	seq    int
	open   map[string]core.VenueOrder
	faults []error // consumed FIFO by the next venue calls

	// call counters for assertions
	BuildCalls  int
	SubmitCalls int
	CancelCalls int
}

// NewVenue creates an empty venue.
func NewVenue() *Venue {
	return &Venue{open: make(map[string]core.VenueOrder)}
}

// FailNext scripts errors consumed by upcoming calls, in order.
func (v *Venue) FailNext(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults = append(v.faults, errs...)
}

func (v *Venue) nextFault() error {
	if len(v.faults) == 0 {
		return nil
	}
	err := v.faults[0]
	v.faults = v.faults[1:]
	return err
}

// Seed places an order directly on the venue book, bypassing the engine.
// Used to simulate orders the engine does not own.
func (v *Venue) Seed(order core.VenueOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open[order.OrderID] = order
}

func (v *Venue) BuildOrder(_ context.Context, req core.OrderRequest) (core.BuildResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.BuildCalls++
	if err := v.nextFault(); err != nil {
		return core.BuildResult{}, err
	}
	v.seq++
	id := fmt.Sprintf("venue-%d", v.seq)
	v.open[id] = core.VenueOrder{
		OrderID: id, Symbol: req.Symbol, Side: req.Side,
		Price: req.Price, Quantity: req.Quantity,
	}
	return core.BuildResult{OrderID: id, TxHex: "deadbeef"}, nil
}

func (v *Venue) SubmitOrder(_ context.Context, orderID, signedTx string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.SubmitCalls++
	if err := v.nextFault(); err != nil {
		delete(v.open, orderID)
		return err
	}
	if signedTx == "" {
		return fmt.Errorf("unsigned transaction")
	}
	return nil
}

func (v *Venue) BuildCancel(_ context.Context, externalID, symbol string) (core.BuildResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.nextFault(); err != nil {
		return core.BuildResult{}, err
	}
	return core.BuildResult{OrderID: externalID, TxHex: "cafebabe"}, nil
}

func (v *Venue) SubmitCancel(_ context.Context, orderID, signedTx string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.CancelCalls++
	if err := v.nextFault(); err != nil {
		return err
	}
	delete(v.open, orderID)
	return nil
}

func (v *Venue) OpenOrders(_ context.Context, symbol string) ([]core.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []core.VenueOrder
	for _, o := range v.open {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

// HasOrder reports whether an order rests on the venue book.
func (v *Venue) HasOrder(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.open[orderID]
	return ok
}

// Signer is a pass-through transaction signer.
type Signer struct{}

func (Signer) Sign(_ context.Context, txHex string) (string, error) {
	return "signed:" + txHex, nil
}
