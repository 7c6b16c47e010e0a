// Package sqlite is the relational store: candles with indicator
// columns, the timeframe catalog, indicator state rows, alert state,
// the API-key credit pool, and the notification journal.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultRetries = 3
	defaultBackoff = 60 * time.Second
)

// ErrStateInconsistency is returned when a write would move a state
// watermark backward. The pass is refused, never partially applied.
var ErrStateInconsistency = errors.New("state watermark would move backward")

// Config configures the SQLite store.
type Config struct {
	Path string // database file, e.g. "data/tokens.db" (":memory:" in tests)

	// Write retry policy for busy/transient failures. Zero values take
	// the defaults (3 attempts, 60s backoff).
	Retries int
	Backoff time.Duration
}

// Store wraps a single-writer SQLite database.
type Store struct {
	db      *sql.DB
	retries int
	backoff time.Duration
}

// Open opens (creating if needed) the database in WAL mode and ensures
// the schema exists.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection; WAL readers don't block it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &Store{db: db, retries: cfg.Retries, backoff: cfg.Backoff}
	if s.retries <= 0 {
		s.retries = defaultRetries
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return s, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// withRetry runs fn up to the configured attempt count, backing off
// between attempts. State-inconsistency refusals are never retried.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrStateInconsistency) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == s.retries {
			break
		}
		log.Printf("[sqlite] %s attempt %d/%d failed: %v (retrying in %v)", op, attempt, s.retries, err, s.backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(s.backoff):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trackedtokens (
			token_address   TEXT PRIMARY KEY,
			pair_address    TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			name            TEXT,
			chain           TEXT NOT NULL,
			pair_created_at INTEGER NOT NULL,
			added_at        INTEGER NOT NULL,
			added_by        TEXT,
			status          TEXT NOT NULL DEFAULT 'ACTIVE',
			disabled_at     INTEGER,
			disable_reason  TEXT
		);

		CREATE TABLE IF NOT EXISTS timeframemetadata (
			token_address   TEXT NOT NULL,
			pair_address    TEXT NOT NULL,
			timeframe       TEXT NOT NULL,
			last_fetched_at INTEGER NOT NULL DEFAULT 0,
			next_fetch_at   INTEGER NOT NULL,
			fetch_count     INTEGER NOT NULL DEFAULT 0,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (token_address, pair_address, timeframe)
		);

		CREATE TABLE IF NOT EXISTS ohlcvdetails (
			token_address TEXT    NOT NULL,
			pair_address  TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			unix_time     INTEGER NOT NULL,
			open          TEXT    NOT NULL,
			high          TEXT    NOT NULL,
			low           TEXT    NOT NULL,
			close         TEXT    NOT NULL,
			volume        TEXT    NOT NULL,
			trades        INTEGER NOT NULL DEFAULT 0,
			source        TEXT    NOT NULL,
			fetched_at    INTEGER NOT NULL DEFAULT 0,
			vwap_value    TEXT,
			avwap_value   TEXT,
			ema_12        REAL,
			ema_21        REAL,
			ema_34        REAL,
			rsi           REAL,
			stoch_rsi     REAL,
			stoch_k       REAL,
			stoch_d       REAL,
			trend         TEXT,
			status        TEXT,
			trend_12      TEXT,
			status_12     TEXT,
			PRIMARY KEY (token_address, timeframe, unix_time)
		);

		CREATE TABLE IF NOT EXISTS vwapsessions (
			token_address    TEXT    NOT NULL,
			timeframe        TEXT    NOT NULL,
			session_start    INTEGER NOT NULL,
			session_end      INTEGER NOT NULL,
			cum_pv           TEXT    NOT NULL,
			cum_volume       TEXT    NOT NULL,
			vwap_value       TEXT    NOT NULL,
			last_candle_unix INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (token_address, timeframe)
		);

		CREATE TABLE IF NOT EXISTS avwapstates (
			token_address    TEXT    NOT NULL,
			timeframe        TEXT    NOT NULL,
			anchor_unix      INTEGER NOT NULL,
			cum_pv           TEXT    NOT NULL,
			cum_volume       TEXT    NOT NULL,
			avwap_value      TEXT    NOT NULL,
			last_candle_unix INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (token_address, timeframe)
		);

		CREATE TABLE IF NOT EXISTS emastates (
			token_address     TEXT    NOT NULL,
			timeframe         TEXT    NOT NULL,
			period            INTEGER NOT NULL,
			status            TEXT    NOT NULL,
			ema_value         REAL    NOT NULL DEFAULT 0,
			available_time    INTEGER NOT NULL,
			last_updated_unix INTEGER NOT NULL DEFAULT 0,
			anchor_source     TEXT    NOT NULL DEFAULT 'sma',
			updated_at        INTEGER NOT NULL,
			PRIMARY KEY (token_address, timeframe, period)
		);

		CREATE TABLE IF NOT EXISTS rsistates (
			token_address     TEXT    NOT NULL,
			timeframe         TEXT    NOT NULL,
			avg_gain          REAL    NOT NULL DEFAULT 0,
			avg_loss          REAL    NOT NULL DEFAULT 0,
			prev_close        REAL    NOT NULL DEFAULT 0,
			bar_count         INTEGER NOT NULL DEFAULT 0,
			rsi_values        TEXT    NOT NULL DEFAULT '[]',
			stoch_values      TEXT    NOT NULL DEFAULT '[]',
			k_values          TEXT    NOT NULL DEFAULT '[]',
			last_updated_unix INTEGER NOT NULL DEFAULT 0,
			updated_at        INTEGER NOT NULL,
			PRIMARY KEY (token_address, timeframe)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			token_address        TEXT    NOT NULL,
			timeframe            TEXT    NOT NULL,
			trend                TEXT    NOT NULL DEFAULT 'NEUTRAL',
			status               TEXT    NOT NULL DEFAULT '',
			touch_count          INTEGER NOT NULL DEFAULT 0,
			latest_touch_unix    INTEGER NOT NULL DEFAULT 0,
			trend_12             TEXT    NOT NULL DEFAULT 'NEUTRAL',
			status_12            TEXT    NOT NULL DEFAULT '',
			touch_count_12       INTEGER NOT NULL DEFAULT 0,
			latest_touch_unix_12 INTEGER NOT NULL DEFAULT 0,
			avwap_position       TEXT    NOT NULL DEFAULT 'BELOW',
			vwap_value           TEXT,
			avwap_value          TEXT,
			ema_12               REAL,
			ema_21               REAL,
			ema_34               REAL,
			rsi                  REAL,
			stoch_k              REAL,
			stoch_d              REAL,
			last_evaluated_unix  INTEGER NOT NULL DEFAULT 0,
			updated_at           INTEGER NOT NULL,
			PRIMARY KEY (token_address, timeframe)
		);

		CREATE TABLE IF NOT EXISTS servicecredentials (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			service            TEXT    NOT NULL,
			api_key            TEXT    NOT NULL UNIQUE,
			available_credits  INTEGER NOT NULL,
			default_credits    INTEGER NOT NULL,
			credits_per_call   INTEGER NOT NULL,
			is_reset_available INTEGER NOT NULL DEFAULT 1,
			next_reset_at      INTEGER NOT NULL DEFAULT 0,
			is_active          INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS notification (
			id            TEXT PRIMARY KEY,
			source        TEXT    NOT NULL,
			chat_group    TEXT    NOT NULL,
			content       TEXT    NOT NULL,
			status        TEXT    NOT NULL DEFAULT 'pending',
			token_address TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			strategy_type TEXT    NOT NULL,
			buttons       TEXT    NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			sent_at       INTEGER,
			error_details TEXT,
			CHECK (status IN ('pending', 'sent', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_notification_status
			ON notification (status, created_at);
		CREATE INDEX IF NOT EXISTS idx_credentials_service
			ON servicecredentials (service, is_active);
	`)
	return err
}
