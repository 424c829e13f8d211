// Package store manages the SQLite database (WAL mode) holding transfer
// history and the known-display registry.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the DDL schema. It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlTransfers, ddlPeripherals} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlTransfers = `
CREATE TABLE IF NOT EXISTS transfers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL UNIQUE,
    target      TEXT    NOT NULL,          -- AA:BB:CC:DD:EE:FF
    expected    INTEGER NOT NULL,
    received    INTEGER NOT NULL,
    written     INTEGER NOT NULL,
    status      TEXT    NOT NULL,          -- final per-display status
    started_at  INTEGER NOT NULL,          -- Unix milliseconds
    finished_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_transfers_finished_at ON transfers (finished_at DESC);
CREATE INDEX IF NOT EXISTS idx_transfers_target ON transfers (target);
`

const ddlPeripherals = `
CREATE TABLE IF NOT EXISTS peripherals (
    address     TEXT    PRIMARY KEY,       -- AA:BB:CC:DD:EE:FF
    name        TEXT    NOT NULL DEFAULT '',
    rssi        INTEGER NOT NULL DEFAULT 0,
    last_status TEXT    NOT NULL DEFAULT '',
    last_seen   INTEGER NOT NULL           -- Unix seconds
);
`
