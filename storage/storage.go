package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Storage wraps the payout service persistence layer. One handle backs the
// payout, compliance, and wallet stores.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    recipient TEXT NOT NULL,
    amount TEXT NOT NULL,
    reason TEXT NOT NULL,
    route TEXT NOT NULL,
    priority TEXT NOT NULL,
    batch_mode TEXT NOT NULL,
    session_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    work_credit TEXT,
    kyc_hash TEXT NOT NULL,
    signature TEXT,
    expires_at INTEGER,
    requested_at INTEGER,
    txid TEXT NOT NULL,
    status TEXT NOT NULL,
    fee_paid_sun INTEGER NOT NULL,
    energy_used INTEGER NOT NULL,
    bandwidth_used INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    approved_at INTEGER,
    confirmed_at INTEGER,
    completed_at INTEGER,
    last_error TEXT NOT NULL,
    retries INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status);
CREATE INDEX IF NOT EXISTS idx_payouts_route ON payouts(route, created_at);

CREATE TABLE IF NOT EXISTS kyc_records (
    node_id TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    kyc_hash TEXT NOT NULL,
    level TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    verified_at INTEGER,
    expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS wallets (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    role TEXT NOT NULL,
    address TEXT NOT NULL,
    public_key TEXT NOT NULL,
    status TEXT NOT NULL,
    balance_sun TEXT NOT NULL,
    energy_available INTEGER NOT NULL,
    bandwidth_available INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    last_used INTEGER
);

CREATE TABLE IF NOT EXISTS wallet_credentials (
    wallet_id TEXT PRIMARY KEY,
    encrypted_key BLOB,
    multisig_threshold INTEGER NOT NULL,
    multisig_signers TEXT NOT NULL,
    device_id TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    api_key TEXT NOT NULL,
    rotated_at INTEGER NOT NULL
);
`
