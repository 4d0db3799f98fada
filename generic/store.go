/*
store.go - Persistence interface for settlement ledger entries

PURPOSE:
  Defines the interface between the ledger and the database.
  The Store handles persistence while maintaining append-only semantics.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   Core entry persistence (append, load, exists)
  TxStore: Transactional operations (atomic multi-table writes)

APPEND-ONLY CONTRACT:
  - Append(): Single entry write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  Every entry carries an idempotency key derived from the settlement flow
  (or edit proposal) that produced it. If the key already exists the
  write is rejected, so a retried commit can never book the same
  settlement twice.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, shares a transaction with the
    reservation update
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for entry persistence (append-only)
// =============================================================================

// Store handles persistence of ledger entries.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists an entry. Returns ErrDuplicateIdempotencyKey if the key exists.
	Append(ctx context.Context, entry Entry) error

	// Load returns all entries for a reservation, ordered by RecordedAt.
	Load(ctx context.Context, reservationID string) ([]Entry, error)

	// Exists checks if idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
