package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"mmengine/internal/core"
)

// layerRow is the JSON shape quote layers are stored as.
type layerRow struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

func marshalLayers(layers []core.QuoteLayer) (string, error) {
	rows := make([]layerRow, len(layers))
	for i, l := range layers {
		rows[i] = layerRow{Price: l.Price.String(), Quantity: l.Quantity.String()}
	}
	b, err := json.Marshal(rows)
	return string(b), err
}

func unmarshalLayers(data string) ([]core.QuoteLayer, error) {
	if data == "" {
		return nil, nil
	}
	var rows []layerRow
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, err
	}
	layers := make([]core.QuoteLayer, len(rows))
	for i, r := range rows {
		p, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, err
		}
		layers[i] = core.QuoteLayer{Price: p, Quantity: q}
	}
	return layers, nil
}

// SaveQuote persists a quote with its layer arrays.
func (t *Tx) SaveQuote(q *core.Quote) error {
	bids, err := marshalLayers(q.Bids)
	if err != nil {
		return err
	}
	asks, err := marshalLayers(q.Asks)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`
        INSERT INTO quotes (quote_id, ts, symbol_src, symbol_dst,
                            source_bid_px, source_bid_qty, source_ask_px, source_ask_qty,
                            bid_layers, ask_layers, status, spread_bps, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.QuoteID, toUnix(q.Ts), q.SymbolSrc, q.SymbolDst,
		q.Source.BidPx.String(), q.Source.BidQty.String(),
		q.Source.AskPx.String(), q.Source.AskQty.String(),
		bids, asks, string(q.Status), q.SpreadBps.String(), toUnix(q.ExpiresAt))
	return err
}

// UpdateQuoteStatus moves a quote through its lifecycle.
func (t *Tx) UpdateQuoteStatus(quoteID string, status core.QuoteStatus) error {
	_, err := t.tx.Exec(`UPDATE quotes SET status = ? WHERE quote_id = ?`, string(status), quoteID)
	return err
}

// ActiveQuotes lists quotes for a symbol that are neither expired nor
// cancelled.
func (t *Tx) ActiveQuotes(symbolDst string) ([]*core.Quote, error) {
	rows, err := t.tx.Query(`
        SELECT quote_id, ts, symbol_src, symbol_dst,
               source_bid_px, source_bid_qty, source_ask_px, source_ask_qty,
               COALESCE(bid_layers, ''), COALESCE(ask_layers, ''), status, spread_bps, expires_at
        FROM quotes
        WHERE symbol_dst = ? AND status NOT IN ('expired', 'cancelled')
        ORDER BY ts`, symbolDst)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Quote
	for rows.Next() {
		var q core.Quote
		var ts, expiresAt float64
		var bidPx, bidQty, askPx, askQty, bids, asks, status, spread string
		if err := rows.Scan(&q.QuoteID, &ts, &q.SymbolSrc, &q.SymbolDst,
			&bidPx, &bidQty, &askPx, &askQty, &bids, &asks, &status, &spread, &expiresAt); err != nil {
			return nil, err
		}
		q.Ts = fromUnix(ts)
		q.ExpiresAt = fromUnix(expiresAt)
		q.Status = core.QuoteStatus(status)
		q.SpreadBps = decFrom(spread)
		q.Source = core.BookTicker{
			SymbolSrc: q.SymbolSrc,
			BidPx:     decFrom(bidPx), BidQty: decFrom(bidQty),
			AskPx: decFrom(askPx), AskQty: decFrom(askQty),
			Ts: q.Ts,
		}
		if q.Bids, err = unmarshalLayers(bids); err != nil {
			return nil, err
		}
		if q.Asks, err = unmarshalLayers(asks); err != nil {
			return nil, err
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

// ExpireQuotes marks active quotes past their expiry as expired and returns
// their ids.
func (t *Tx) ExpireQuotes(symbolDst string, now time.Time) ([]string, error) {
	rows, err := t.tx.Query(`
        SELECT quote_id FROM quotes
        WHERE symbol_dst = ? AND status NOT IN ('expired', 'cancelled') AND expires_at <= ?`,
		symbolDst, toUnix(now))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := t.UpdateQuoteStatus(id, core.QuoteExpired); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
