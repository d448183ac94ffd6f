// Package db opens the gateway's SQLite store and owns its schema.
// Grounded directly on the teacher's pkg/db/db.go: same WAL/busy-timeout
// hardening and connection pool tuning, with the schema expanded from
// orders/merchants/ledger_entries to the full entity set in
// pkg/models, and the teacher's queue-less outbox_events table replaced
// by pkg/queuebus's own queue_jobs table.
package db

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// DB is an alias kept for call-site readability, matching the teacher.
type DB = sql.DB

// Open opens dsn (e.g. "file:gateway.db?_pragma=busy_timeout=5000"),
// applies SQLite concurrency pragmas, and pings to fail fast on a bad
// DSN.
func Open(dsn string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers regardless of pool size; WAL lets readers
	// proceed concurrently with a writer. A single node is assumed.
	_, err = database.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`)
	if err != nil {
		database.Close()
		return nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(10)
	database.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS merchants (
  id TEXT PRIMARY KEY,
  business_name TEXT NOT NULL,
  contact_email TEXT,
  status TEXT NOT NULL DEFAULT 'PENDING',
  risk_level TEXT NOT NULL DEFAULT 'LOW',
  fee_percent_bps INTEGER NOT NULL DEFAULT 0,
  fee_fixed TEXT NOT NULL DEFAULT '0',
  fee_bearer TEXT NOT NULL DEFAULT 'PLATFORM',
  daily_volume_cap TEXT NOT NULL DEFAULT '0',
  monthly_volume_cap TEXT NOT NULL DEFAULT '0',
  min_per_tx TEXT NOT NULL DEFAULT '0',
  max_per_tx TEXT NOT NULL DEFAULT '0',
  settlement_address TEXT,
  ip_whitelist_json TEXT NOT NULL DEFAULT '[]',
  test_mode INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT PRIMARY KEY,
  merchant_id TEXT NOT NULL REFERENCES merchants(id),
  public_id TEXT NOT NULL UNIQUE,
  secret_hash BLOB NOT NULL,
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  expires_at TEXT,
  last_used_at TEXT,
  use_count INTEGER NOT NULL DEFAULT 0,
  ip_allow_list_json TEXT NOT NULL DEFAULT '[]',
  read_only INTEGER NOT NULL DEFAULT 0,
  permissions_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_api_keys_merchant ON api_keys(merchant_id);

CREATE TABLE IF NOT EXISTS payment_addresses (
  id TEXT PRIMARY KEY,
  merchant_id TEXT NOT NULL REFERENCES merchants(id),
  type TEXT NOT NULL,
  address TEXT NOT NULL,
  encrypted_private_key BLOB,
  derivation_path TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  expected_amount TEXT NOT NULL DEFAULT '0',
  currency TEXT NOT NULL DEFAULT 'USDT',
  expires_at TEXT NOT NULL,
  monitored INTEGER NOT NULL DEFAULT 1,
  callback_url TEXT,
  external_reference TEXT,
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_payment_addresses_merchant ON payment_addresses(merchant_id);
CREATE INDEX IF NOT EXISTS idx_payment_addresses_address ON payment_addresses(address);
CREATE INDEX IF NOT EXISTS idx_payment_addresses_status_expiry ON payment_addresses(status, expires_at);

CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  merchant_id TEXT NOT NULL REFERENCES merchants(id),
  address_id TEXT,
  tx_hash TEXT,
  status TEXT NOT NULL,
  type TEXT NOT NULL,
  amount TEXT NOT NULL,
  fee_amount TEXT NOT NULL DEFAULT '0',
  currency TEXT NOT NULL DEFAULT 'USDT',
  network TEXT NOT NULL DEFAULT 'BSC',
  from_address TEXT,
  to_address TEXT,
  confirmations INTEGER NOT NULL DEFAULT 0,
  block_number INTEGER NOT NULL DEFAULT 0,
  block_hash TEXT,
  block_timestamp TEXT,
  webhook_sent INTEGER NOT NULL DEFAULT 0,
  settlement_tx_hash TEXT,
  external_reference TEXT,
  metadata_json TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_txhash_notnull
  ON transactions(tx_hash) WHERE tx_hash IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(merchant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_address ON transactions(address_id);

CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  merchant_id TEXT NOT NULL REFERENCES merchants(id),
  url TEXT NOT NULL,
  subscribed_events_json TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  secret TEXT,
  failed_attempts INTEGER NOT NULL DEFAULT 0,
  last_failure_reason TEXT,
  last_success_at TEXT,
  last_attempt_at TEXT,
  max_retries INTEGER NOT NULL DEFAULT 5,
  base_retry_interval_seconds INTEGER NOT NULL DEFAULT 15,
  send_payload INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_webhooks_merchant ON webhooks(merchant_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
  key TEXT PRIMARY KEY,
  method TEXT NOT NULL,
  path TEXT NOT NULL,
  request_fingerprint TEXT NOT NULL,
  response_body BLOB,
  response_status_code INTEGER,
  completed_at TEXT,
  expires_at TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

CREATE TABLE IF NOT EXISTS audit_logs (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  prior_snapshot TEXT,
  new_snapshot TEXT,
  actor_id TEXT,
  merchant_id TEXT,
  description TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  transaction_id TEXT,
  merchant_id TEXT NOT NULL,
  currency TEXT NOT NULL,
  amount TEXT NOT NULL,
  bucket TEXT NOT NULL,
  direction TEXT NOT NULL,
  event_type TEXT NOT NULL,
  tx_hash TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_unique_event
  ON ledger_entries(transaction_id, event_type, bucket);
CREATE INDEX IF NOT EXISTS idx_ledger_transaction ON ledger_entries(transaction_id);

CREATE TABLE IF NOT EXISTS settlement_batches (
  id TEXT PRIMARY KEY,
  merchant_id TEXT NOT NULL,
  currency TEXT NOT NULL,
  scheduled_for TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'SCHEDULED',
  total_amount TEXT NOT NULL DEFAULT '0',
  fee_amount TEXT NOT NULL DEFAULT '0',
  settlement_tx_hash TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  executed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_settlement_batches_merchant ON settlement_batches(merchant_id, status);

CREATE TABLE IF NOT EXISTS settlement_batch_transactions (
  batch_id TEXT NOT NULL REFERENCES settlement_batches(id),
  transaction_id TEXT NOT NULL,
  PRIMARY KEY (batch_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS hd_index_counters (
  merchant_id TEXT PRIMARY KEY,
  next_index INTEGER NOT NULL DEFAULT 0
);
`

// EnsureSchema creates every table and index the gateway uses, idempotently.
func EnsureSchema(database *sql.DB) error {
	_, err := database.Exec(schemaDDL)
	return err
}
