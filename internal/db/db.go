package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"travelkit/internal/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound marks lookups for rows that do not exist. Callers match
// it with errors.Is to map store misses onto 404s.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection.
type DB struct {
	sql       *sql.DB
	destCache destCache
}

func dbPath() string {
	// Prefer working directory so the DB is stable across go run / go build.
	// Fall back to executable directory for deployed builds.
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "travelkit.db")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "travelkit.db")
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open() (*DB, error) {
	return OpenAt(dbPath())
}

// OpenAt opens the database at an explicit path (":memory:" in tests).
func OpenAt(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	d.destCache.entries = make(map[int64]destCacheEntry)
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// WithTx runs fn inside a transaction, rolling back on error. All
// multi-row state changes go through here so workflows never advance on
// partial writes.
func (d *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (d *DB) migrate() error {
	version := 0
	// Try to read current version
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS config (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS destinations (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				name         TEXT NOT NULL,
				country      TEXT NOT NULL DEFAULT '',
				base_price   REAL NOT NULL,
				max_discount REAL NOT NULL DEFAULT 0.25,
				active       INTEGER NOT NULL DEFAULT 1
			);

			CREATE TABLE IF NOT EXISTS interests (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				destination_id INTEGER NOT NULL REFERENCES destinations(id),
				party_size     INTEGER NOT NULL,
				date_from      TEXT NOT NULL,
				date_to        TEXT NOT NULL,
				budget_min     REAL NOT NULL DEFAULT 0,
				budget_max     REAL NOT NULL DEFAULT 0,
				user_name      TEXT NOT NULL DEFAULT '',
				user_email     TEXT NOT NULL DEFAULT '',
				user_phone     TEXT NOT NULL DEFAULT '',
				status         TEXT NOT NULL DEFAULT 'open',
				group_id       INTEGER,
				created_at     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_interests_dest_status ON interests(destination_id, status);
			CREATE INDEX IF NOT EXISTS idx_interests_group ON interests(group_id);

			CREATE TABLE IF NOT EXISTS groups (
				id                        INTEGER PRIMARY KEY AUTOINCREMENT,
				destination_id            INTEGER NOT NULL REFERENCES destinations(id),
				name                      TEXT NOT NULL,
				date_from                 TEXT NOT NULL,
				date_to                   TEXT NOT NULL,
				min_size                  INTEGER NOT NULL DEFAULT 4,
				max_size                  INTEGER NOT NULL DEFAULT 20,
				current_size              INTEGER NOT NULL DEFAULT 0,
				base_price                REAL NOT NULL,
				final_price_per_person    REAL NOT NULL,
				price_calc                TEXT NOT NULL DEFAULT '[]',
				status                    TEXT NOT NULL DEFAULT 'forming',
				confirmation_deadline     TEXT,
				auto_confirm_enabled      INTEGER NOT NULL DEFAULT 1,
				minimum_confirmation_rate REAL NOT NULL DEFAULT 0.75,
				admin_notes               TEXT NOT NULL DEFAULT '',
				created_at                TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_groups_status ON groups(status);

			CREATE TABLE IF NOT EXISTS member_confirmations (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				group_id          INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
				interest_id       INTEGER NOT NULL REFERENCES interests(id),
				token             TEXT NOT NULL,
				confirmed         INTEGER,
				confirmed_at      TEXT,
				expires_at        TEXT NOT NULL,
				payment_status    TEXT NOT NULL DEFAULT 'none',
				payment_intent_id TEXT NOT NULL DEFAULT '',
				payment_tx_id     TEXT NOT NULL DEFAULT '',
				amount_due        REAL NOT NULL DEFAULT 0,
				decline_reason    TEXT NOT NULL DEFAULT '',
				created_at        TEXT NOT NULL
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_confirmations_token ON member_confirmations(token);
			CREATE INDEX IF NOT EXISTS idx_confirmations_group ON member_confirmations(group_id);
			CREATE INDEX IF NOT EXISTS idx_confirmations_expires ON member_confirmations(expires_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	if version < 2 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS refund_queue (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				confirmation_id INTEGER NOT NULL REFERENCES member_confirmations(id),
				tx_id           TEXT NOT NULL,
				amount          REAL NOT NULL,
				reason          TEXT NOT NULL DEFAULT '',
				attempts        INTEGER NOT NULL DEFAULT 0,
				next_attempt_at TEXT NOT NULL,
				status          TEXT NOT NULL DEFAULT 'pending',
				last_error      TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_refund_due ON refund_queue(status, next_attempt_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		logger.Info("DB", "Applied migration v2 (refund queue)")
	}

	return nil
}

// SqlDB returns the underlying *sql.DB for use by other packages.
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
