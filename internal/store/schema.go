package store

// schema is applied at Open time. WAL journal mode plus NORMAL synchronous
// matches the durability/latency tradeoff this workload wants.
const schema = `
CREATE TABLE IF NOT EXISTS quotes (
    quote_id        TEXT PRIMARY KEY,
    ts              REAL NOT NULL,
    symbol_src      TEXT NOT NULL,
    symbol_dst      TEXT NOT NULL,
    source_bid_px   TEXT NOT NULL,
    source_bid_qty  TEXT NOT NULL,
    source_ask_px   TEXT NOT NULL,
    source_ask_qty  TEXT NOT NULL,
    bid_layers      TEXT,
    ask_layers      TEXT,
    status          TEXT NOT NULL,
    spread_bps      TEXT NOT NULL,
    expires_at      REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quotes_symbol_status ON quotes(symbol_dst, status);

CREATE TABLE IF NOT EXISTS orders (
    order_id        TEXT PRIMARY KEY,
    quote_id        TEXT REFERENCES quotes(quote_id),
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    price           TEXT,
    quantity        TEXT NOT NULL,
    filled_qty      TEXT NOT NULL DEFAULT '0',
    avg_fill_px     TEXT NOT NULL DEFAULT '0',
    state           TEXT NOT NULL,
    external_id     TEXT,
    error_msg       TEXT,
    created_at      REAL NOT NULL,
    updated_at      REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_state ON orders(symbol, state);
CREATE INDEX IF NOT EXISTS idx_orders_external ON orders(external_id);

CREATE TABLE IF NOT EXISTS fills (
    fill_id          TEXT PRIMARY KEY,
    order_id         TEXT NOT NULL REFERENCES orders(order_id),
    symbol           TEXT NOT NULL,
    side             TEXT NOT NULL,
    price            TEXT NOT NULL,
    quantity         TEXT NOT NULL,
    executed_at      REAL NOT NULL,
    trade_id         TEXT,
    commission       TEXT NOT NULL DEFAULT '0',
    commission_asset TEXT,
    is_maker         INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
    symbol          TEXT PRIMARY KEY,
    quantity        TEXT NOT NULL,
    avg_entry_price TEXT NOT NULL,
    realized_pnl    TEXT NOT NULL,
    unrealized_pnl  TEXT NOT NULL,
    last_update     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS account_balances (
    asset      TEXT PRIMARY KEY,
    available  TEXT NOT NULL,
    locked     TEXT NOT NULL,
    updated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
    event_id      TEXT PRIMARY KEY,
    event_type    TEXT NOT NULL,
    aggregate_id  TEXT NOT NULL,
    payload       TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    retry_count   INTEGER NOT NULL DEFAULT 0,
    next_retry_at REAL NOT NULL DEFAULT 0,
    last_error    TEXT,
    created_at    REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_status_retry ON outbox(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox(aggregate_id, status);
`
