// Package store provides the durable, transactional state layer: quotes,
// orders, fills, positions, balances and the outbox live in one SQLite
// database so an order write and its outbox event commit atomically.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"mmengine/internal/core"
	apperrors "mmengine/pkg/errors"
	"mmengine/pkg/retry"
)

// Store owns the database handle. The handle is limited to one connection,
// so every transaction, read or write, serializes through WithTx.
type Store struct {
	db     *sql.DB
	logger core.Logger
}

// busyPolicy bounds retries on SQLITE_BUSY before surfacing a StoreError.
var busyPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger core.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer at a time keeps SQLITE_BUSY rare.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=memory",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.WithField("component", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint forces a WAL checkpoint. Run periodically by the supervisor.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Tx exposes the store operations bound to one transaction.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, retrying bounded times on lock
// contention. Any error rolls the transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retry.Do(ctx, busyPolicy, isBusy, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(&Tx{tx: tx}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// toUnix converts a time to the stored seconds-since-epoch double.
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnix converts a stored seconds-since-epoch double back to a time.
func fromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

func decFrom(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- Orders ---

// UpsertOrder inserts or replaces the full order row.
func (t *Tx) UpsertOrder(o *core.Order) error {
	var price, quoteID interface{}
	if o.Type == core.OrderTypeLimit {
		price = o.Price.String()
	}
	if o.QuoteID != "" {
		quoteID = o.QuoteID
	}
	_, err := t.tx.Exec(`
        INSERT INTO orders (order_id, quote_id, symbol, side, order_type, price, quantity,
                            filled_qty, avg_fill_px, state, external_id, error_msg, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(order_id) DO UPDATE SET
            filled_qty=excluded.filled_qty, avg_fill_px=excluded.avg_fill_px,
            state=excluded.state, external_id=excluded.external_id,
            error_msg=excluded.error_msg, updated_at=excluded.updated_at`,
		o.OrderID, quoteID, o.Symbol, string(o.Side), string(o.Type), price,
		o.Quantity.String(), o.FilledQty.String(), o.AvgFillPx.String(),
		string(o.State), o.ExternalID, o.ErrorMsg, toUnix(o.CreatedAt), toUnix(o.UpdatedAt))
	return err
}

// UpdateOrderState transitions an order with an optimistic check on the
// prior state. A zero-row update means the state moved underneath us and
// surfaces as ErrStoreConflict.
func (t *Tx) UpdateOrderState(orderID string, from, to core.OrderState, externalID, errorMsg string, at time.Time) error {
	res, err := t.tx.Exec(`
        UPDATE orders
        SET state = ?, external_id = COALESCE(NULLIF(?, ''), external_id),
            error_msg = COALESCE(NULLIF(?, ''), error_msg), updated_at = ?
        WHERE order_id = ? AND state = ?`,
		string(to), externalID, errorMsg, toUnix(at), orderID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s not in state %s: %w", orderID, from, apperrors.ErrStoreConflict)
	}
	return nil
}

// UpdateOrderFill writes the accumulated fill quantity and average price.
func (t *Tx) UpdateOrderFill(orderID string, filledQty, avgFillPx decimal.Decimal, at time.Time) error {
	_, err := t.tx.Exec(`
        UPDATE orders SET filled_qty = ?, avg_fill_px = ?, updated_at = ? WHERE order_id = ?`,
		filledQty.String(), avgFillPx.String(), toUnix(at), orderID)
	return err
}

const orderColumns = `order_id, COALESCE(quote_id, ''), symbol, side, order_type,
        COALESCE(price, ''), quantity, filled_qty, avg_fill_px, state,
        COALESCE(external_id, ''), COALESCE(error_msg, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.Order, error) {
	var o core.Order
	var side, otype, state, price string
	var createdAt, updatedAt float64
	var quantity, filledQty, avgFillPx string
	err := row.Scan(&o.OrderID, &o.QuoteID, &o.Symbol, &side, &otype, &price,
		&quantity, &filledQty, &avgFillPx, &state, &o.ExternalID, &o.ErrorMsg,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = core.Side(side)
	o.Type = core.OrderType(otype)
	o.State = core.OrderState(state)
	if price != "" {
		o.Price = decFrom(price)
	}
	o.Quantity = decFrom(quantity)
	o.FilledQty = decFrom(filledQty)
	o.AvgFillPx = decFrom(avgFillPx)
	o.CreatedAt = fromUnix(createdAt)
	o.UpdatedAt = fromUnix(updatedAt)
	return &o, nil
}

// GetOrder fetches one order by client order id.
func (t *Tx) GetOrder(orderID string) (*core.Order, error) {
	row := t.tx.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, err
}

// GetOrderByExternalID fetches one order by the venue-assigned id.
func (t *Tx) GetOrderByExternalID(externalID string) (*core.Order, error) {
	row := t.tx.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE external_id = ?`, externalID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrOrderNotFound
	}
	return o, err
}

// OrdersByState lists orders for a symbol in the given states. An empty
// symbol matches all symbols.
func (t *Tx) OrdersByState(symbol string, states ...core.OrderState) ([]*core.Order, error) {
	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at`

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOpenOrders counts non-terminal orders.
func (t *Tx) CountOpenOrders(symbol string) (int, error) {
	var n int
	err := t.tx.QueryRow(`
        SELECT COUNT(*) FROM orders
        WHERE symbol = ? AND state IN ('idle', 'pending', 'working')`, symbol).Scan(&n)
	return n, err
}

// --- Fills ---

// InsertFill inserts a fill, ignoring duplicates by fill_id. Returns true
// when the row was actually inserted.
func (t *Tx) InsertFill(f *core.Fill) (bool, error) {
	maker := 0
	if f.IsMaker {
		maker = 1
	}
	res, err := t.tx.Exec(`
        INSERT OR IGNORE INTO fills (fill_id, order_id, symbol, side, price, quantity,
                                     executed_at, trade_id, commission, commission_asset, is_maker)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FillID, f.OrderID, f.Symbol, string(f.Side), f.Price.String(), f.Quantity.String(),
		toUnix(f.ExecutedAt), f.TradeID, f.Commission.String(), f.CommissionAsset, maker)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FillsForOrder lists fills for an order in execution order.
func (t *Tx) FillsForOrder(orderID string) ([]*core.Fill, error) {
	rows, err := t.tx.Query(`
        SELECT fill_id, order_id, symbol, side, price, quantity, executed_at,
               COALESCE(trade_id, ''), commission, COALESCE(commission_asset, ''), is_maker
        FROM fills WHERE order_id = ? ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Fill
	for rows.Next() {
		var f core.Fill
		var side, price, qty, comm string
		var executedAt float64
		var maker int
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Symbol, &side, &price, &qty,
			&executedAt, &f.TradeID, &comm, &f.CommissionAsset, &maker); err != nil {
			return nil, err
		}
		f.Side = core.Side(side)
		f.Price = decFrom(price)
		f.Quantity = decFrom(qty)
		f.Commission = decFrom(comm)
		f.ExecutedAt = fromUnix(executedAt)
		f.IsMaker = maker == 1
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- Positions and balances ---

// UpsertPosition writes the position row for a symbol.
func (t *Tx) UpsertPosition(p *core.Position) error {
	_, err := t.tx.Exec(`
        INSERT INTO positions (symbol, quantity, avg_entry_price, realized_pnl, unrealized_pnl, last_update)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(symbol) DO UPDATE SET
            quantity=excluded.quantity, avg_entry_price=excluded.avg_entry_price,
            realized_pnl=excluded.realized_pnl, unrealized_pnl=excluded.unrealized_pnl,
            last_update=excluded.last_update`,
		p.Symbol, p.Quantity.String(), p.AvgEntryPrice.String(),
		p.RealizedPnL.String(), p.UnrealizedPnL.String(), toUnix(p.LastUpdate))
	return err
}

// GetPosition fetches the position for a symbol, or nil when flat-and-new.
func (t *Tx) GetPosition(symbol string) (*core.Position, error) {
	var p core.Position
	var qty, avg, rpnl, upnl string
	var lastUpdate float64
	err := t.tx.QueryRow(`
        SELECT symbol, quantity, avg_entry_price, realized_pnl, unrealized_pnl, last_update
        FROM positions WHERE symbol = ?`, symbol).
		Scan(&p.Symbol, &qty, &avg, &rpnl, &upnl, &lastUpdate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Quantity = decFrom(qty)
	p.AvgEntryPrice = decFrom(avg)
	p.RealizedPnL = decFrom(rpnl)
	p.UnrealizedPnL = decFrom(upnl)
	p.LastUpdate = fromUnix(lastUpdate)
	return &p, nil
}

// UpsertBalance writes the balance row for an asset. Last write wins.
func (t *Tx) UpsertBalance(b *core.Balance) error {
	_, err := t.tx.Exec(`
        INSERT INTO account_balances (asset, available, locked, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(asset) DO UPDATE SET
            available=excluded.available, locked=excluded.locked, updated_at=excluded.updated_at`,
		b.Asset, b.Available.String(), b.Locked.String(), toUnix(b.UpdatedAt))
	return err
}

// GetBalance fetches the balance for an asset, or nil when unknown.
func (t *Tx) GetBalance(asset string) (*core.Balance, error) {
	var b core.Balance
	var avail, locked string
	var updatedAt float64
	err := t.tx.QueryRow(`
        SELECT asset, available, locked, updated_at FROM account_balances WHERE asset = ?`, asset).
		Scan(&b.Asset, &avail, &locked, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Available = decFrom(avail)
	b.Locked = decFrom(locked)
	b.UpdatedAt = fromUnix(updatedAt)
	return &b, nil
}
