package oms

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmengine/internal/clock"
	"mmengine/internal/config"
	"mmengine/internal/core"
	"mmengine/internal/store"
	apperrors "mmengine/pkg/errors"
	"mmengine/pkg/logging"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize: 1_000_000,
		MaxDailyLoss:    1_000_000,
		MaxOpenOrders:   50,
		MaxSkew:         1_000_000,
		MinQuoteSize:    1,
	}
}

func newTestManager(t *testing.T, riskCfg config.RiskConfig) (*Manager, *store.Store, *core.EmergencyStop, *clock.Manual) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "oms.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	stop := &core.EmergencyStop{}
	m := New(st, riskCfg, stop, clk, logging.NewNop(), nil)
	return m, st, stop, clk
}

func fill(id, orderID string, side core.Side, qty, price string, at time.Time) *core.Fill {
	return &core.Fill{
		FillID:     id,
		OrderID:    orderID,
		Symbol:     "ADAUSDM",
		Side:       side,
		Price:      d(price),
		Quantity:   d(qty),
		ExecutedAt: at,
		Commission: decimal.Zero,
	}
}

func TestSubmitPersistsOrderWithOutboxEvent(t *testing.T) {
	m, st, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderPending, order.State)

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		stored, err := tx.GetOrder(order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, core.OrderPending, stored.State)

		events, err := tx.ClaimPendingOutbox(10, time.Now())
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, core.EventSubmitOrder, events[0].Type)
		assert.Equal(t, order.OrderID, events[0].AggregateID)
		return nil
	}))
}

// A risk rejection implies no order, no outbox event and no position
// change.
func TestRiskRejectionLeavesNoTrace(t *testing.T) {
	m, st, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	_, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("0.5"), d("0.4998"))
	var riskErr *apperrors.RiskError
	require.ErrorAs(t, err, &riskErr)
	assert.NotEmpty(t, riskErr.Violations)

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		orders, err := tx.OrdersByState("ADAUSDM",
			core.OrderIdle, core.OrderPending, core.OrderWorking,
			core.OrderFilled, core.OrderCancelled, core.OrderRejected, core.OrderFailed)
		require.NoError(t, err)
		assert.Empty(t, orders)

		backlog, err := tx.CountOutboxBacklog()
		require.NoError(t, err)
		assert.Zero(t, backlog)

		pos, err := tx.GetPosition("ADAUSDM")
		require.NoError(t, err)
		assert.Nil(t, pos)
		return nil
	}))
	assert.Nil(t, m.Position("ADAUSDM"))
}

func TestEmergencyStopBlocksSubmissions(t *testing.T) {
	m, _, stop, _ := newTestManager(t, testRiskConfig())
	stop.Trip("test")

	_, err := m.Submit(context.Background(), "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	var riskErr *apperrors.RiskError
	require.ErrorAs(t, err, &riskErr)
	assert.Contains(t, riskErr.Violations[0], "emergency stop")
}

func TestOpenOrderLimit(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxOpenOrders = 2
	m, _, _, _ := newTestManager(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
		require.NoError(t, err)
	}
	_, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	assert.Error(t, err)
}

// filled_qty tracks the fill sum and avg_fill_px the volume-weighted mean;
// a duplicate fill_id is a no-op.
func TestFillAccountingAndDedup(t *testing.T) {
	m, _, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.ApplyAck(ctx, order.OrderID, "venue-1"))

	require.NoError(t, m.ApplyFill(ctx, fill("f1", order.OrderID, core.SideBuy, "40", "0.5", clk.Now())))
	require.NoError(t, m.ApplyFill(ctx, fill("f2", order.OrderID, core.SideBuy, "20", "0.44", clk.Now())))

	got, err := m.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(d("60")), "filled %s", got.FilledQty)
	// (40*0.5 + 20*0.44) / 60 = 0.48
	assert.True(t, got.AvgFillPx.Equal(d("0.48")), "avg %s", got.AvgFillPx)
	assert.Equal(t, core.OrderWorking, got.State)

	// Duplicate fill id changes nothing.
	require.NoError(t, m.ApplyFill(ctx, fill("f2", order.OrderID, core.SideBuy, "20", "0.44", clk.Now())))
	got, err = m.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQty.Equal(d("60")))

	pos := m.Position("ADAUSDM")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(d("60")), "position %s", pos.Quantity)
}

func TestFullFillCompletesOrder(t *testing.T) {
	m, _, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.ApplyAck(ctx, order.OrderID, "venue-1"))
	require.NoError(t, m.ApplyFill(ctx, fill("f1", order.OrderID, core.SideBuy, "100", "0.5", clk.Now())))

	got, err := m.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.State)
	assert.Empty(t, m.OpenOrders("ADAUSDM"))
}

// A fill can arrive before the venue ack; the order still completes
// through legal transitions.
func TestFillBeforeAck(t *testing.T) {
	m, _, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.ApplyFill(ctx, fill("f1", order.OrderID, core.SideBuy, "100", "0.5", clk.Now())))

	got, err := m.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.State)
}

// Full fill wins the race against an external cancel: the cancel is a
// no-op and the position reflects the whole fill.
func TestFillThenCancelRace(t *testing.T) {
	m, _, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.ApplyAck(ctx, order.OrderID, "venue-1"))
	require.NoError(t, m.ApplyFill(ctx, fill("f1", order.OrderID, core.SideBuy, "100", "0.5", clk.Now())))

	require.NoError(t, m.ApplyExternalCancel(ctx, order.OrderID, "venue cancel"))

	got, err := m.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.State)

	pos := m.Position("ADAUSDM")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(d("100")))
}

// Terminal states never transition further.
func TestTerminalStatesAreFinal(t *testing.T) {
	m, st, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.ApplyReject(ctx, order.OrderID, "validation"))

	// Late ack, cancel and fail are all ignored.
	require.NoError(t, m.ApplyAck(ctx, order.OrderID, "venue-1"))
	require.NoError(t, m.ApplyExternalCancel(ctx, order.OrderID, "late"))
	require.NoError(t, m.FailOrder(ctx, order.OrderID, "late"))

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		stored, err := tx.GetOrder(order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, core.OrderRejected, stored.State)
		assert.Empty(t, stored.ExternalID)
		return nil
	}))
}

func TestCancelEnqueuesSingleOutboxEvent(t *testing.T) {
	m, st, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.ApplyAck(ctx, order.OrderID, "venue-1"))

	require.NoError(t, m.Cancel(ctx, order.OrderID, "requote"))
	require.NoError(t, m.Cancel(ctx, order.OrderID, "requote again"))

	// Per-aggregate FIFO: the submit event is claimed first; completing it
	// releases exactly one cancel event.
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		events, err := tx.ClaimPendingOutbox(10, time.Now())
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, core.EventSubmitOrder, events[0].Type)
		return tx.MarkOutboxCompleted(events[0].EventID)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		events, err := tx.ClaimPendingOutbox(10, time.Now())
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, core.EventCancelOrder, events[0].Type)
		return tx.MarkOutboxCompleted(events[0].EventID)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		events, err := tx.ClaimPendingOutbox(10, time.Now())
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	}))
}

func TestObserverFailuresIsolated(t *testing.T) {
	m, _, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	var events []OrderEvent
	m.RegisterObserver(func(OrderEvent) { panic("observer exploded") })
	m.RegisterObserver(func(ev OrderEvent) { events = append(events, ev) })

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NotNil(t, order)
	require.Len(t, events, 1)
	assert.Equal(t, core.OrderPending, events[0].To)
}

func TestRestoreReloadsOpenOrders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oms.db")
	st, err := store.Open(path, logging.NewNop())
	require.NoError(t, err)

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := New(st, testRiskConfig(), &core.EmergencyStop{}, clk, logging.NewNop(), nil)
	ctx := context.Background()

	order, err := m.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.5"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := store.Open(path, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st2.Close() })

	m2 := New(st2, testRiskConfig(), &core.EmergencyStop{}, clk, logging.NewNop(), nil)
	require.NoError(t, m2.Restore(ctx))

	open := m2.OpenOrders("ADAUSDM")
	require.Len(t, open, 1)
	assert.Equal(t, order.OrderID, open[0].OrderID)
}
