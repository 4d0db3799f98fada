// Package memory provides an in-memory ReservationRepository for tests and
// local development. Ledger entries go to a generic/store.TxMemory so the
// reservation replacement and its entry commit or roll back together.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/rental-engine/generic"
	ledgerstore "github.com/warp/rental-engine/generic/store"
	"github.com/warp/rental-engine/rental"
)

type hold struct {
	holder string
	until  time.Time
}

type Reservations struct {
	mu     sync.RWMutex
	byID   map[string]*rental.Reservation
	holds  map[string]hold
	ledger *ledgerstore.TxMemory
	clock  generic.Clock
}

func NewReservations(clock generic.Clock) *Reservations {
	return &Reservations{
		byID:   make(map[string]*rental.Reservation),
		holds:  make(map[string]hold),
		ledger: ledgerstore.NewTxMemory(),
		clock:  clock,
	}
}

// Put stores a copy of r, replacing any reservation with the same id.
func (m *Reservations) Put(_ context.Context, r *rental.Reservation) error {
	if r == nil || r.ID == "" {
		return &generic.MissingFieldError{Field: "id"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[r.ID] = r.Clone()
	return nil
}

// LoadReservation returns a copy of the reservation if creds.Email matches.
func (m *Reservations) LoadReservation(_ context.Context, id string, creds rental.Credentials) (*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
	}
	if !SameEmail(r.Email, creds.Email) {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrUnauthorized)
	}
	return r.Clone(), nil
}

// WriteReservation applies patch if the stored version equals expectedVersion.
func (m *Reservations) WriteReservation(ctx context.Context, id string, patch rental.ReservationPatch, expectedVersion int64) (*rental.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
	}
	if err := m.checkLocked(current, patch.Holder, expectedVersion); err != nil {
		return nil, err
	}

	next := current.Clone()
	patch.Apply(next, m.clock.Now())

	err := m.ledger.WithTx(ctx, func(s generic.Store) error {
		if patch.Entry.ReservationID == "" {
			return nil
		}
		return generic.NewLedger(s).Append(ctx, patch.Entry)
	})
	if err != nil {
		return nil, fmt.Errorf("reservation %s: ledger: %w", id, err)
	}

	m.byID[id] = next
	delete(m.holds, id)
	return next.Clone(), nil
}

// HoldReservation reserves the reservation for holder until the given time.
func (m *Reservations) HoldReservation(_ context.Context, id, holder string, expectedVersion int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
	}
	if err := m.checkLocked(current, holder, expectedVersion); err != nil {
		return err
	}
	m.holds[id] = hold{holder: holder, until: until}
	return nil
}

// ReleaseReservation drops holder's hold on the reservation.
func (m *Reservations) ReleaseReservation(_ context.Context, id, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.holds[id]; ok && h.holder == holder {
		delete(m.holds, id)
	}
	return nil
}

// checkLocked enforces the version and any live hold of another holder.
func (m *Reservations) checkLocked(current *rental.Reservation, holder string, expectedVersion int64) error {
	if current.Version != expectedVersion {
		return &generic.ConcurrentModificationError{
			ReservationID: current.ID,
			Expected:      expectedVersion,
			Actual:        current.Version,
		}
	}
	if h, ok := m.holds[current.ID]; ok && h.holder != holder && m.clock.Now().Before(h.until) {
		return &generic.ConcurrentModificationError{
			ReservationID: current.ID,
			Expected:      expectedVersion,
			Actual:        current.Version,
			HeldBy:        h.holder,
		}
	}
	return nil
}

// Get returns a reservation without checking credentials.
func (m *Reservations) Get(_ context.Context, id string) (*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// FindByNumber looks a reservation up by its human-facing number.
func (m *Reservations) FindByNumber(_ context.Context, number string) (*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.byID {
		if strings.EqualFold(r.Number, number) {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

// List returns all reservations ordered by number.
func (m *Reservations) List(_ context.Context) ([]*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*rental.Reservation, 0, len(m.byID))
	for _, r := range m.byID {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Entries returns the settlement ledger of a reservation.
func (m *Reservations) Entries(ctx context.Context, id string) ([]generic.Entry, error) {
	return generic.NewLedger(m.ledger).Entries(ctx, id)
}

// SameEmail compares addresses case-insensitively. An empty address never matches.
func SameEmail(stored, given string) bool {
	given = strings.TrimSpace(given)
	return given != "" && strings.EqualFold(strings.TrimSpace(stored), given)
}
