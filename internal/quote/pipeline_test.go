package quote

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmengine/internal/clock"
	"mmengine/internal/core"
	"mmengine/internal/store"
	"mmengine/pkg/logging"
)

type fakeOMS struct {
	mu      sync.Mutex
	seq     int
	submits []core.Order
	cancels []string
}

func (f *fakeOMS) Submit(_ context.Context, quoteID, symbol string, side core.Side, typ core.OrderType, qty, price decimal.Decimal) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	order := core.Order{
		OrderID: fmt.Sprintf("o-%d", f.seq),
		QuoteID: quoteID, Symbol: symbol, Side: side, Type: typ,
		Price: price, Quantity: qty, State: core.OrderPending,
	}
	f.submits = append(f.submits, order)
	return &order, nil
}

func (f *fakeOMS) Cancel(_ context.Context, orderID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeOMS, *store.Store, *clock.Manual) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	engine := NewEngine(testParams(), clk, logging.NewNop())
	gauge := NewInventoryGauge(d("1.0"), d("0.1"), d("0.5"))
	oms := &fakeOMS{}
	p := NewPipeline(engine, gauge, oms, st, clk, logging.NewNop(), nil)
	return p, oms, st, clk
}

func TestPipelineSubmitsOneOrderPerLayer(t *testing.T) {
	p, oms, st, clk := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.HandleTicker(ctx, midTicker(clk, "0.4999", "0.5001")))

	assert.Len(t, oms.submits, 4, "two layers per side")
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		active, err := tx.ActiveQuotes("ADAUSDM")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, core.QuoteOrdersSubmitted, active[0].Status)
		return nil
	}))
}

// A price move that leaves every layer price unchanged keeps the resting
// orders instead of churning them.
func TestDiffBasedReplacementSkipsUnchangedPrices(t *testing.T) {
	p, oms, _, clk := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.HandleTicker(ctx, midTicker(clk, "0.4999", "0.5001")))
	require.Len(t, oms.submits, 4)

	// The book widens symmetrically: the movement gate passes but the mid
	// (and so every layer price) is unchanged.
	clk.Advance(200 * time.Millisecond)
	require.NoError(t, p.HandleTicker(ctx, midTicker(clk, "0.4998", "0.5002")))

	assert.Len(t, oms.submits, 4, "no new orders for an unchanged price set")
	assert.Empty(t, oms.cancels)
}

func TestMovedPricesReplaceOrders(t *testing.T) {
	p, oms, _, clk := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.HandleTicker(ctx, midTicker(clk, "0.4999", "0.5001")))
	require.Len(t, oms.submits, 4)

	clk.Advance(200 * time.Millisecond)
	require.NoError(t, p.HandleTicker(ctx, midTicker(clk, "0.5009", "0.5011")))

	assert.Len(t, oms.submits, 8, "four replacement orders")
	assert.Len(t, oms.cancels, 4, "previous layers cancelled")
}

func TestExpireQuotesCancelsActiveOrders(t *testing.T) {
	p, oms, st, clk := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.HandleTicker(ctx, midTicker(clk, "0.4999", "0.5001")))
	require.Len(t, oms.submits, 4)

	clk.Advance(3 * time.Second) // past the 2s TTL
	require.NoError(t, p.ExpireQuotes(ctx))

	assert.Len(t, oms.cancels, 4)
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		active, err := tx.ActiveQuotes("ADAUSDM")
		require.NoError(t, err)
		assert.Empty(t, active)
		return nil
	}))
}
