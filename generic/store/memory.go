// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[string][]generic.Entry
	idempotency map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[string][]generic.Entry),
		idempotency: make(map[string]bool),
	}
}

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e generic.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e generic.Entry) error {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}

	entries := m.entries[e.ReservationID]

	// Keep RecordedAt order; equal timestamps stay in insertion order.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].RecordedAt.After(e.RecordedAt)
	})
	entries = append(entries, generic.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	m.entries[e.ReservationID] = entries

	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Load(_ context.Context, reservationID string) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(reservationID), nil
}

func (m *Memory) loadLocked(reservationID string) []generic.Entry {
	result := make([]generic.Entry, len(m.entries[reservationID]))
	copy(result, m.entries[reservationID])
	return result
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	entriesCopy := make(map[string][]generic.Entry, len(tm.entries))
	for k, v := range tm.entries {
		entriesCopy[k] = append([]generic.Entry{}, v...)
	}
	idempCopy := make(map[string]bool, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idempCopy[k] = v
	}
	return memorySnapshot{entries: entriesCopy, idempotency: idempCopy}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.idempotency = s.idempotency
}

type memorySnapshot struct {
	entries     map[string][]generic.Entry
	idempotency map[string]bool
}

// txMemoryView runs under the parent's write lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Append(_ context.Context, e generic.Entry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) Load(_ context.Context, reservationID string) ([]generic.Entry, error) {
	return tv.parent.loadLocked(reservationID), nil
}

func (tv *txMemoryView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}
