/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists the flow graph the engine values (agents, resources, processes,
  exchanges, events, rates, order items) and everything the engine owns
  (claims, claim events, distributions, value equations).

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on claim_events
  - Events are only updated to cache their rolled-up value

KEY TABLES:
  events:          Economic events, ordered by (date, id) on every read
  claims:          Claims with their running value
  claim_events:    Append-only claim history (seq keeps append order)
  distributions:   Audit record of each saved run
  value_equations: Value equation configs (versioned)

DECIMALS AND TIMES:
  Decimals are stored as TEXT to keep them exact. Times are stored as
  fixed-width UTC text so that string order is time order.

TRANSACTIONS:
  All reads and writes go through a queryer, which is either the *sql.DB or
  the *sql.Tx of WithTx, so reads inside a transaction see its writes.

USAGE:
  store, err := sqlite.New("./data/value.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/value-engine/ledger"
)

// timeLayout is fixed width so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// queryer is the part of *sql.DB and *sql.Tx the store needs.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo implements every read and write on top of a queryer.
type repo struct {
	q queryer
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	repo
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is its own database.
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{repo: repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_context BOOLEAN NOT NULL DEFAULT FALSE,
		parent_id TEXT
	);

	CREATE TABLE IF NOT EXISTS resource_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		unit_of_use TEXT NOT NULL DEFAULT '',
		use_is_percent BOOLEAN NOT NULL DEFAULT FALSE,
		value_per_unit TEXT NOT NULL DEFAULT '0',
		price_per_unit TEXT NOT NULL DEFAULT '0',
		is_currency BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		quantity TEXT NOT NULL DEFAULT '0',
		stage TEXT,
		exchange_stage TEXT,
		value_per_unit TEXT NOT NULL DEFAULT '0',
		value_per_unit_of_use TEXT NOT NULL DEFAULT '0',
		owner_id TEXT,
		role TEXT,
		is_virtual_account BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_resources_owner
		ON resources(owner_id) WHERE owner_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		process_type TEXT,
		context_agent TEXT,
		order_id TEXT,
		start TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		context_agent TEXT,
		order_id TEXT,
		is_incoming BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_order
		ON exchanges(order_id) WHERE order_id IS NOT NULL;

	-- Economic events
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		date TEXT NOT NULL,
		from_agent TEXT,
		to_agent TEXT,
		context_agent TEXT,
		resource_id TEXT,
		resource_type TEXT,
		process_id TEXT,
		exchange_id TEXT,
		distribution_id TEXT,
		stage TEXT,
		exchange_stage TEXT,
		quantity TEXT NOT NULL DEFAULT '0',
		value TEXT NOT NULL DEFAULT '0',
		price TEXT NOT NULL DEFAULT '0',
		unit TEXT,
		unit_of_value TEXT,
		is_contribution BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_resource_date
		ON events(resource_id, date, id);
	CREATE INDEX IF NOT EXISTS idx_events_process_date
		ON events(process_id, date, id);
	CREATE INDEX IF NOT EXISTS idx_events_exchange_date
		ON events(exchange_id, date, id);
	CREATE INDEX IF NOT EXISTS idx_events_context_date
		ON events(context_agent, date, id);

	CREATE TABLE IF NOT EXISTS agent_rates (
		agent_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		value_per_unit TEXT NOT NULL,
		PRIMARY KEY (agent_id, resource_type, kind)
	);

	CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		resource_id TEXT,
		process_id TEXT,
		quantity TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_order_items_order
		ON order_items(order_id);

	-- Claims
	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		date TEXT NOT NULL,
		has_agent TEXT NOT NULL,
		against_agent TEXT,
		context_agent TEXT,
		unit_of_value TEXT,
		value TEXT NOT NULL,
		original_value TEXT NOT NULL,
		creation_equation TEXT,
		creating_event TEXT NOT NULL,
		created_seq INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_creating_event
		ON claims(creating_event);
	CREATE INDEX IF NOT EXISTS idx_claims_has_agent
		ON claims(has_agent);

	-- Claim events (append-only)
	CREATE TABLE IF NOT EXISTS claim_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		claim_id TEXT NOT NULL REFERENCES claims(id),
		event_id TEXT,
		date TEXT NOT NULL,
		value TEXT NOT NULL,
		unit_of_value TEXT,
		effect TEXT NOT NULL CHECK (effect IN ('+', '-'))
	);

	CREATE INDEX IF NOT EXISTS idx_claim_events_claim
		ON claim_events(claim_id, seq);

	-- Distributions
	CREATE TABLE IF NOT EXISTS distributions (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		context_agent TEXT NOT NULL,
		value_equation TEXT NOT NULL,
		equation_snapshot TEXT NOT NULL,
		filters_json TEXT NOT NULL,
		money_resource TEXT NOT NULL,
		amount TEXT NOT NULL,
		disbursement_event TEXT NOT NULL,
		events_json TEXT NOT NULL,
		income_events_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_distributions_equation
		ON distributions(value_equation, created_at);

	-- Value equations
	CREATE TABLE IF NOT EXISTS value_equations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		context_agent TEXT NOT NULL,
		config_json TEXT NOT NULL,
		live BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{repo: repo{q: sqlTx}}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	repo
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"claim_events", "claims", "distributions", "value_equations",
		"order_items", "agent_rates", "events", "exchanges", "processes",
		"resources", "resource_types", "agents",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString[T ~string](s T) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(s), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*txStore)(nil)
)
