package oms

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"mmengine/internal/core"
)

func flatPosition() *core.Position {
	return &core.Position{
		Symbol:        "ADAUSDM",
		Quantity:      decimal.Zero,
		AvgEntryPrice: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
}

func TestPositionOpenAndAdd(t *testing.T) {
	p := flatPosition()

	realized := applyFillToPosition(p, core.SideBuy, d("100"), d("0.50"), decimal.Zero)
	assert.True(t, realized.IsZero())
	assert.True(t, p.Quantity.Equal(d("100")))
	assert.True(t, p.AvgEntryPrice.Equal(d("0.50")))

	// Adding moves the volume-weighted average: (100*0.50 + 100*0.60)/200.
	realized = applyFillToPosition(p, core.SideBuy, d("100"), d("0.60"), decimal.Zero)
	assert.True(t, realized.IsZero())
	assert.True(t, p.Quantity.Equal(d("200")))
	assert.True(t, p.AvgEntryPrice.Equal(d("0.55")), "avg %s", p.AvgEntryPrice)
}

func TestPositionReducePreservesAverage(t *testing.T) {
	p := flatPosition()
	applyFillToPosition(p, core.SideBuy, d("200"), d("0.50"), decimal.Zero)

	// Sell half at 0.60: realize 100 * (0.60 - 0.50) = 10.
	realized := applyFillToPosition(p, core.SideSell, d("100"), d("0.60"), decimal.Zero)
	assert.True(t, realized.Equal(d("10")), "realized %s", realized)
	assert.True(t, p.Quantity.Equal(d("100")))
	assert.True(t, p.AvgEntryPrice.Equal(d("0.50")), "avg preserved on reduction")
	assert.True(t, p.RealizedPnL.Equal(d("10")))
}

func TestPositionShortSideRealization(t *testing.T) {
	p := flatPosition()
	applyFillToPosition(p, core.SideSell, d("100"), d("0.60"), decimal.Zero)
	assert.True(t, p.Quantity.Equal(d("-100")))

	// Buying back lower is a gain for a short: 50 * (0.50-0.60) * (-1) = 5.
	realized := applyFillToPosition(p, core.SideBuy, d("50"), d("0.50"), decimal.Zero)
	assert.True(t, realized.Equal(d("5")), "realized %s", realized)
	assert.True(t, p.Quantity.Equal(d("-50")))
	assert.True(t, p.AvgEntryPrice.Equal(d("0.60")))
}

func TestPositionFlipUsesFillPrice(t *testing.T) {
	p := flatPosition()
	applyFillToPosition(p, core.SideBuy, d("100"), d("0.50"), decimal.Zero)

	// Sell 150 at 0.55: close 100 (realize 5), open 50 short at 0.55.
	realized := applyFillToPosition(p, core.SideSell, d("150"), d("0.55"), decimal.Zero)
	assert.True(t, realized.Equal(d("5")), "realized %s", realized)
	assert.True(t, p.Quantity.Equal(d("-50")))
	assert.True(t, p.AvgEntryPrice.Equal(d("0.55")), "flip restarts at fill price")
}

func TestPositionCommissionReducesRealized(t *testing.T) {
	p := flatPosition()
	applyFillToPosition(p, core.SideBuy, d("100"), d("0.50"), d("0.1"))
	assert.True(t, p.RealizedPnL.Equal(d("-0.1")), "commission on open: %s", p.RealizedPnL)

	realized := applyFillToPosition(p, core.SideSell, d("100"), d("0.60"), d("0.2"))
	assert.True(t, realized.Equal(d("9.8")), "realized %s", realized)
}

// position.quantity equals the net of all fills: buys positive, sells
// negative.
func TestPositionNetsAllFills(t *testing.T) {
	p := flatPosition()
	fills := []struct {
		side core.Side
		qty  string
		px   string
	}{
		{core.SideBuy, "100", "0.50"},
		{core.SideSell, "30", "0.52"},
		{core.SideBuy, "20", "0.49"},
		{core.SideSell, "150", "0.51"},
		{core.SideBuy, "60", "0.50"},
	}

	net := decimal.Zero
	for _, f := range fills {
		applyFillToPosition(p, f.side, d(f.qty), d(f.px), decimal.Zero)
		net = net.Add(d(f.qty).Mul(f.side.Sign()))
	}
	assert.True(t, p.Quantity.Equal(net), "position %s net %s", p.Quantity, net)
}

func TestMarkToMarket(t *testing.T) {
	p := flatPosition()
	applyFillToPosition(p, core.SideBuy, d("100"), d("0.50"), decimal.Zero)
	assert.True(t, p.MarkToMarket(d("0.55")).Equal(d("5")))

	p2 := flatPosition()
	applyFillToPosition(p2, core.SideSell, d("100"), d("0.50"), decimal.Zero)
	assert.True(t, p2.MarkToMarket(d("0.55")).Equal(d("-5")))
}
