/*
ledger.go - Append-only settlement log

PURPOSE:
  Every successful edit of a reservation leaves exactly one entry here:
  the card charge, the cash amount acknowledged for the counter, the
  credit applied for a cheaper edit, or a zero-amount adjustment when
  the price did not change. The reservation row holds the current
  financial snapshot; the ledger explains how it got there.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. IDEMPOTENT: Same idempotency key = same entry (no duplicates)
  4. ATOMIC: An entry is written in the same transaction as the
     reservation replacement it describes. Never one without the other.

CASH VS CARD:
  Cash settlements are trust-based: the amount is collected at vehicle
  pickup, out of band. They are recorded as EntryCounter with method
  "cash" so they can never be confused with an EntryCharge that carries
  a processor reference.

EXAMPLE FLOW:
  1. Booking paid 395.16 (outside this ledger)
  2. Edit to 430.76, paid by card:   EntryCharge  +35.60 ref=pi_123
  3. Edit to 450.00, pay at counter: EntryCounter +19.24
  4. Edit to 395.16:                 EntryCredit  -54.84

SEE ALSO:
  - store.go: Low-level persistence interface
  - rental/settlement.go: produces entries
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY - One settlement event
// =============================================================================

type EntryType string

const (
	EntryCharge     EntryType = "charge"     // card payment captured by the processor
	EntryCounter    EntryType = "counter"    // cash, due at the rental counter
	EntryCredit     EntryType = "credit"     // bookkeeping-only refund credit
	EntryAdjustment EntryType = "adjustment" // edit with zero difference
)

// Entry is an immutable ledger row.
type Entry struct {
	ID             string
	ReservationID  string
	Type           EntryType
	Method         string // card, cash, credit or empty for adjustments
	Amount         Money  // signed: negative for credits
	PreviousTotal  Money
	NewTotal       Money
	FlowID         string
	ReferenceID    string // processor reference for card charges
	IdempotencyKey string
	RecordedAt     time.Time
	Metadata       map[string]string
}

// =============================================================================
// LEDGER - Append-only entry log
// =============================================================================

// Ledger is the read/append view over settlement history.
//
// INVARIANTS:
//   - Append-only: No Update, No Delete. EVER.
//   - Entries for a reservation are returned in RecordedAt order.
type Ledger interface {
	// Append adds an entry. Fails with ErrDuplicateIdempotencyKey if the key exists.
	Append(ctx context.Context, entry Entry) error

	// Entries returns all entries for a reservation, chronologically.
	Entries(ctx context.Context, reservationID string) ([]Entry, error)

	// Summarize totals the entries of a reservation by type.
	Summarize(ctx context.Context, reservationID string, currency Currency) (LedgerSummary, error)
}

// LedgerSummary is a derived view, computed by replaying entries.
type LedgerSummary struct {
	Charged      Money // sum of card charges
	DueAtCounter Money // sum of cash amounts
	Credited     Money // sum of credits, positive
	Entries      int
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, entry Entry) error {
	if entry.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, entry)
}

func (l *DefaultLedger) Entries(ctx context.Context, reservationID string) ([]Entry, error) {
	return l.Store.Load(ctx, reservationID)
}

func (l *DefaultLedger) Summarize(ctx context.Context, reservationID string, currency Currency) (LedgerSummary, error) {
	entries, err := l.Store.Load(ctx, reservationID)
	if err != nil {
		return LedgerSummary{}, err
	}
	return SummarizeEntries(entries, currency), nil
}

// SummarizeEntries totals entries without touching storage.
func SummarizeEntries(entries []Entry, currency Currency) LedgerSummary {
	s := LedgerSummary{
		Charged:      ZeroMoney(currency),
		DueAtCounter: ZeroMoney(currency),
		Credited:     ZeroMoney(currency),
		Entries:      len(entries),
	}
	for _, e := range entries {
		switch e.Type {
		case EntryCharge:
			s.Charged = s.Charged.Add(e.Amount)
		case EntryCounter:
			s.DueAtCounter = s.DueAtCounter.Add(e.Amount)
		case EntryCredit:
			s.Credited = s.Credited.Add(e.Amount.Abs())
		}
	}
	s.Charged = s.Charged.Round2()
	s.DueAtCounter = s.DueAtCounter.Round2()
	s.Credited = s.Credited.Round2()
	return s
}

// Net returns charged + counter - credited.
func (s LedgerSummary) Net() decimal.Decimal {
	return s.Charged.Value.Add(s.DueAtCounter.Value).Sub(s.Credited.Value)
}
