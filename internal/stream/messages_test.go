package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmengine/internal/core"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDecodeBookTicker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := []byte(`{"u":400900217,"s":"adausdt","b":"0.5001","B":"31.21","a":"0.5002","A":"40.66"}`)

	ticker, err := decodeBookTicker(raw, now)
	require.NoError(t, err)
	assert.Equal(t, "ADAUSDT", ticker.SymbolSrc)
	assert.True(t, ticker.BidPx.Equal(d("0.5001")))
	assert.True(t, ticker.AskPx.Equal(d("0.5002")))
	assert.True(t, ticker.BidQty.Equal(d("31.21")))
	assert.Equal(t, now, ticker.Ts)
	assert.NoError(t, ticker.Validate())
}

func TestDecodeBookTickerRejectsGarbage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	_, err := decodeBookTicker([]byte(`not json`), now)
	assert.Error(t, err)

	_, err = decodeBookTicker([]byte(`{"e":"trade"}`), now)
	assert.Error(t, err)

	_, err = decodeBookTicker([]byte(`{"s":"ADAUSDT","b":"x","B":"1","a":"0.5","A":"1"}`), now)
	assert.Error(t, err)
}

func TestDecodeBalanceEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := []byte(`{"type":"balance","asset":"usdm","available":"900.5","locked":"99.5"}`)

	ev, err := decodeAccountEvent(raw, now)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindBalance, ev.Kind)
	assert.Equal(t, "USDM", ev.Balance.Asset)
	assert.True(t, ev.Balance.Available.Equal(d("900.5")))
	assert.True(t, ev.Balance.Locked.Equal(d("99.5")))
}

func TestDecodeOrderUpdate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := []byte(`{"type":"order","order_id":"venue-7","symbol":"adausdm","status":"CANCELLED","reason":"user"}`)

	ev, err := decodeAccountEvent(raw, now)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindOrderUpdate, ev.Kind)
	assert.Equal(t, "venue-7", ev.Order.ExternalID)
	assert.Equal(t, "ADAUSDM", ev.Order.Symbol)
	assert.Equal(t, "cancelled", ev.Order.Status)
}

func TestDecodeDirectFill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := []byte(`{"type":"fill","fill_id":"f-1","order_id":"venue-7","symbol":"ADAUSDM",
        "side":"BUY","price":"0.4998","quantity":"100","executed_at":1700000100.5,
        "trade_id":"t-1","commission":"0.05","commission_asset":"USDM","is_maker":true}`)

	ev, err := decodeAccountEvent(raw, now)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, KindFill, ev.Kind)

	fill := ev.Fill
	assert.Equal(t, "f-1", fill.FillID)
	assert.Equal(t, "venue-7", fill.OrderID)
	assert.Equal(t, core.SideBuy, fill.Side)
	assert.True(t, fill.Price.Equal(d("0.4998")))
	assert.True(t, fill.Quantity.Equal(d("100")))
	assert.True(t, fill.Commission.Equal(d("0.05")))
	assert.Equal(t, "USDM", fill.CommissionAsset)
	assert.True(t, fill.IsMaker)
	assert.Equal(t, time.Unix(1_700_000_100, int64(0.5*1e9)).Unix(), fill.ExecutedAt.Unix())
}

// The venue's trading-history records carry the same information under
// different keys.
func TestDecodeTradingHistoryFill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := []byte(`{"type":"trading_history","execution_id":"x-9","order_id":"venue-7",
        "symbol":"ADAUSDM","side":"sell","executed_price":"0.5003","executed_qty":"50",
        "created_time":1700000200,"fee_charged":"0.02","fee_unit":"USDM"}`)

	ev, err := decodeAccountEvent(raw, now)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, KindFill, ev.Kind)

	fill := ev.Fill
	assert.Equal(t, "x-9", fill.FillID)
	assert.Equal(t, core.SideSell, fill.Side)
	assert.True(t, fill.Price.Equal(d("0.5003")))
	assert.True(t, fill.Quantity.Equal(d("50")))
	assert.True(t, fill.Commission.Equal(d("0.02")))
	assert.Equal(t, "USDM", fill.CommissionAsset)
}

func TestUnknownDiscriminatorDropped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ev, err := decodeAccountEvent([]byte(`{"type":"heartbeat"}`), now)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestMalformedAccountFrames(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	_, err := decodeAccountEvent([]byte(`{{`), now)
	assert.Error(t, err)

	_, err = decodeAccountEvent([]byte(`{"type":"balance","asset":"USDM","available":"abc"}`), now)
	assert.Error(t, err)

	_, err = decodeAccountEvent([]byte(`{"type":"fill","order_id":"venue-7"}`), now)
	assert.Error(t, err)
}
