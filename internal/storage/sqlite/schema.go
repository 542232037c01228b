package sqlite

// schema creates the persisted-view and mismatch tables. Statements
// are idempotent so opening an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    txn_id TEXT NOT NULL,
    source TEXT NOT NULL,
    amount REAL,
    status TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT '',
    account_id TEXT NOT NULL DEFAULT '',
    txn_time TEXT,
    raw TEXT NOT NULL DEFAULT '{}',
    payload_hash TEXT NOT NULL,
    recon_status TEXT NOT NULL DEFAULT 'PENDING',
    reconciled_at TEXT,
    reconciled_with TEXT,
    stored_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    seen_count INTEGER NOT NULL DEFAULT 1,
    UNIQUE(txn_id, source)
);

CREATE INDEX IF NOT EXISTS idx_transactions_txn_id ON transactions(txn_id);
CREATE INDEX IF NOT EXISTS idx_transactions_recon_status ON transactions(recon_status);
CREATE INDEX IF NOT EXISTS idx_transactions_stored_at ON transactions(stored_at);
CREATE INDEX IF NOT EXISTS idx_transactions_source ON transactions(source);

CREATE TABLE IF NOT EXISTS mismatches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    txn_id TEXT NOT NULL,
    mismatch_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    detail TEXT NOT NULL,
    sources TEXT NOT NULL,
    expected TEXT NOT NULL DEFAULT '',
    actual TEXT NOT NULL DEFAULT '',
    difference_amount REAL,
    state TEXT NOT NULL DEFAULT 'OPEN',
    resolved_at TEXT,
    resolved_by TEXT NOT NULL DEFAULT '',
    resolution_notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mismatches_txn_id ON mismatches(txn_id);
CREATE INDEX IF NOT EXISTS idx_mismatches_created_at ON mismatches(created_at);
CREATE INDEX IF NOT EXISTS idx_mismatches_type ON mismatches(mismatch_type);
CREATE INDEX IF NOT EXISTS idx_mismatches_state ON mismatches(state);
`
