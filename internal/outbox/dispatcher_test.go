package outbox

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
	"mmengine/internal/mock"
	"mmengine/internal/oms"
	"mmengine/internal/ratelimit"
	"mmengine/internal/store"
	apperrors "mmengine/pkg/errors"
	"mmengine/pkg/logging"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	st      *store.Store
	manager *oms.Manager
	venue   *mock.Venue
	disp    *Dispatcher
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.New()
	riskCfg := config.RiskConfig{
		MaxPositionSize: 1_000_000, MaxDailyLoss: 1_000_000,
		MaxOpenOrders: 50, MaxSkew: 1_000_000, MinQuoteSize: 1,
	}
	manager := oms.New(st, riskCfg, &core.EmergencyStop{}, clk, logging.NewNop(), nil)

	limiter, err := ratelimit.New(50, 1000, clk)
	require.NoError(t, err)

	venue := mock.NewVenue()
	disp := New(Config{
		Workers:    1,
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}, st, limiter, venue, mock.Signer{}, manager, clk, logging.NewNop(), nil)

	return &fixture{st: st, manager: manager, venue: venue, disp: disp}
}

// pump drives ProcessPending until done reports true or the deadline
// passes. The pool dispatches asynchronously, so outcomes are polled.
func (f *fixture) pump(t *testing.T, done func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := f.disp.ProcessPending(ctx)
		require.NoError(t, err)
		if done() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dispatcher did not converge before deadline")
}

func TestSubmitDispatchAcksOrder(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	order, err := f.manager.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	require.NoError(t, err)

	f.pump(t, func() bool {
		got, err := f.manager.GetOrder(ctx, order.OrderID)
		return err == nil && got.State == core.OrderWorking
	})

	got, err := f.manager.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderWorking, got.State)
	assert.NotEmpty(t, got.ExternalID)
	assert.True(t, f.venue.HasOrder(got.ExternalID))
	assert.Equal(t, 1, f.venue.SubmitCalls)
}

// Three transient failures then success: the event cycles
// pending -> in_flight -> pending until it completes, and the order
// reaches working exactly once with no duplicate venue submission.
func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	f.venue.FailNext(
		apperrors.NewTransientVenueError("build", 503, "unavailable"),
		apperrors.NewTransientVenueError("build", 503, "unavailable"),
		apperrors.NewTransientVenueError("build", 503, "unavailable"),
	)

	order, err := f.manager.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	require.NoError(t, err)

	f.pump(t, func() bool {
		got, err := f.manager.GetOrder(ctx, order.OrderID)
		return err == nil && got.State == core.OrderWorking
	})

	assert.Equal(t, 4, f.venue.BuildCalls, "three failures plus the success")
	assert.Equal(t, 1, f.venue.SubmitCalls, "no duplicate submission after success")

	// The event is finished: nothing live remains for the aggregate.
	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.HasLiveOutboxEvent(order.OrderID, core.EventSubmitOrder)
		require.NoError(t, err)
		assert.False(t, live)
		backlog, err := tx.CountOutboxBacklog()
		require.NoError(t, err)
		assert.Zero(t, backlog)
		return nil
	}))
}

func TestExhaustedRetriesDeadLetterFailsOrder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.venue.FailNext(apperrors.NewTransientVenueError("build", 503, "unavailable"))
	}

	order, err := f.manager.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	require.NoError(t, err)

	f.pump(t, func() bool {
		var stored *core.Order
		err := f.st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			stored, err = tx.GetOrder(order.OrderID)
			return err
		})
		return err == nil && stored.State == core.OrderFailed
	})

	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
		stored, err := tx.GetOrder(order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, core.OrderFailed, stored.State)
		return nil
	}))
}

func TestTerminalFailureRejectsOrder(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	f.venue.FailNext(apperrors.NewTerminalVenueError("build", 400, "bad price"))

	order, err := f.manager.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	require.NoError(t, err)

	f.pump(t, func() bool {
		var stored *core.Order
		err := f.st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			stored, err = tx.GetOrder(order.OrderID)
			return err
		})
		return err == nil && stored.State == core.OrderRejected
	})

	assert.Equal(t, 1, f.venue.BuildCalls, "terminal errors are not retried")
}

func TestCancelDispatchRemovesVenueOrder(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	order, err := f.manager.Submit(ctx, "", "ADAUSDM", core.SideBuy, core.OrderTypeLimit, d("100"), d("0.4998"))
	require.NoError(t, err)

	f.pump(t, func() bool {
		got, err := f.manager.GetOrder(ctx, order.OrderID)
		return err == nil && got.State == core.OrderWorking
	})
	got, err := f.manager.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	externalID := got.ExternalID

	require.NoError(t, f.manager.Cancel(ctx, order.OrderID, "requote"))

	f.pump(t, func() bool {
		g, err := f.manager.GetOrder(ctx, order.OrderID)
		return err == nil && g.State == core.OrderCancelled
	})
	assert.False(t, f.venue.HasOrder(externalID))
}
