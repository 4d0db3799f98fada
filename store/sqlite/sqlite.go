/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the persistence collaborators of the edit engine using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  generic.Store / TxStore:    Settlement ledger entries
  rental.ReservationRepository: Versioned reservation records
  rental.PricingDataProvider:   Live catalog (vehicles, extras, policies)

APPEND-ONLY ENFORCEMENT:
  The settlements table is append-only:
  - No UPDATE statements on settlements
  - No DELETE statements on settlements (except Reset for demos)
  - Idempotency keys are UNIQUE

ATOMIC WRITE:
  WriteReservation runs in one database transaction:
    1. read the current row, compare version with expectedVersion and
       refuse a live hold owned by someone other than patch.Holder
    2. apply the patch (fields, financial snapshot, deltas, version + 1)
    3. UPDATE ... WHERE id = ? AND version = ?, clearing the hold
    4. append the ledger entry on the same tx (idempotency key UNIQUE)
  Any failure rolls back all of it.

HOLDS:
  hold_owner / hold_until on the reservation row. HoldReservation sets
  them under the same version check; they never change the version.

KEY TABLES:
  reservations:     Current state of each reservation, with version
  settlements:      Immutable ledger of edit settlements
  vehicles, extras,
  payment_policies: Rate catalog

MONEY:
  Amounts are stored as decimal TEXT and parsed with shopspring/decimal,
  never as REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/rental.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := &rental.EditService{Repository: store, ...}

SEE ALSO:
  - generic/store.go: Ledger store interface
  - rental/collaborators.go: Repository and provider contracts
  - store/memory: In-memory repository for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/rental-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	clock generic.Clock
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, clock: generic.SystemClock}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// WithClock sets the clock used for UpdatedAt stamps.
func (s *Store) WithClock(c generic.Clock) *Store {
	s.clock = c
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Reservations (current state, optimistic version)
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		customer_name TEXT,
		vehicle_id TEXT NOT NULL,
		pickup_location TEXT,
		dropoff_location TEXT,
		pickup_at TEXT NOT NULL,
		dropoff_at TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		extras_json TEXT NOT NULL DEFAULT '[]',
		paid_base TEXT NOT NULL,
		paid_extras TEXT NOT NULL,
		paid_tax TEXT NOT NULL,
		paid_discount TEXT NOT NULL,
		paid_total TEXT NOT NULL,
		amount_paid_extra TEXT NOT NULL DEFAULT '0',
		amount_due_at_counter TEXT NOT NULL DEFAULT '0',
		amount_credited TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		hold_owner TEXT,
		hold_until TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_email
		ON reservations(email COLLATE NOCASE);

	-- Settlements (append-only ledger)
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		reservation_id TEXT NOT NULL REFERENCES reservations(id),
		entry_type TEXT NOT NULL,
		method TEXT,
		amount TEXT NOT NULL,
		previous_total TEXT NOT NULL,
		new_total TEXT NOT NULL,
		currency TEXT NOT NULL,
		flow_id TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		recorded_at TEXT NOT NULL
	);

	-- Hot path: settlement history of one reservation
	CREATE INDEX IF NOT EXISTS idx_settlements_reservation
		ON settlements(reservation_id, recorded_at);

	-- For processor reconciliation
	CREATE INDEX IF NOT EXISTS idx_settlements_reference
		ON settlements(reference_id) WHERE reference_id IS NOT NULL;

	-- Catalog
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		daily_rate TEXT NOT NULL,
		currency TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS extras (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		daily_rate TEXT NOT NULL,
		currency TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		flat_fee TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		currency TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (generic.Store interface)
// =============================================================================

var _ generic.TxStore = (*Store)(nil)

// Append adds an entry to the settlement ledger.
func (s *Store) Append(ctx context.Context, entry generic.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return appendEntry(ctx, s.db, entry)
}

func appendEntry(ctx context.Context, db querier, e generic.Entry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)

	query := `
		INSERT INTO settlements
		(id, reservation_id, entry_type, method, amount, previous_total, new_total,
		 currency, flow_id, reference_id, idempotency_key, metadata_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.ReservationID,
		string(e.Type),
		nullString(e.Method),
		e.Amount.Value.String(),
		e.PreviousTotal.Value.String(),
		e.NewTotal.Value.String(),
		string(e.Amount.Currency),
		nullString(e.FlowID),
		nullString(e.ReferenceID),
		nullString(e.IdempotencyKey),
		string(metadataJSON),
		formatTime(e.RecordedAt),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append settlement: %w", err)
	}

	return nil
}

// Load returns all entries of a reservation, oldest first.
func (s *Store) Load(ctx context.Context, reservationID string) ([]generic.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadEntries(ctx, s.db, reservationID)
}

func loadEntries(ctx context.Context, db querier, reservationID string) ([]generic.Entry, error) {
	query := `
		SELECT id, reservation_id, entry_type, method, amount, previous_total, new_total,
		       currency, flow_id, reference_id, idempotency_key, metadata_json, recorded_at
		FROM settlements
		WHERE reservation_id = ?
		ORDER BY recorded_at ASC, rowid ASC
	`

	rows, err := db.QueryContext(ctx, query, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var entries []generic.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return keyExists(ctx, s.db, idempotencyKey)
}

func keyExists(ctx context.Context, db querier, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM settlements WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

func scanEntry(rows *sql.Rows) (generic.Entry, error) {
	var (
		e              generic.Entry
		entryType      string
		method         sql.NullString
		amount         string
		previousTotal  string
		newTotal       string
		currency       string
		flowID         sql.NullString
		referenceID    sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		recordedAt     string
	)

	err := rows.Scan(
		&e.ID, &e.ReservationID, &entryType, &method,
		&amount, &previousTotal, &newTotal, &currency,
		&flowID, &referenceID, &idempotencyKey, &metadataJSON, &recordedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan settlement: %w", err)
	}

	cur := generic.Currency(currency)
	e.Type = generic.EntryType(entryType)
	e.Method = method.String
	e.FlowID = flowID.String
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = idempotencyKey.String
	e.RecordedAt = parseTime(recordedAt)
	if e.Amount, err = parseMoney(amount, cur); err != nil {
		return e, err
	}
	if e.PreviousTotal, err = parseMoney(previousTotal, cur); err != nil {
		return e, err
	}
	if e.NewTotal, err = parseMoney(newTotal, cur); err != nil {
		return e, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode settlement metadata: %w", err)
		}
	}

	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (s *Store) withTxLocked(ctx context.Context, fn func(*sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore reads and writes through the open transaction so it never
// needs the store mutex held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Append(ctx context.Context, e generic.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Load(ctx context.Context, reservationID string) ([]generic.Entry, error) {
	return loadEntries(ctx, ts.tx, reservationID)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, ts.tx, idempotencyKey)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"settlements", "reservations", "vehicles", "extras", "payment_policies"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func parseMoney(value string, currency generic.Currency) (generic.Money, error) {
	m, err := generic.ParseMoney(value, currency)
	if err != nil {
		return generic.Money{}, fmt.Errorf("corrupt amount %q: %w", value, err)
	}
	return m, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
