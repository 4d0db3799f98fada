package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// RESERVATION STORE (rental.ReservationRepository interface)
// =============================================================================

var _ rental.ReservationRepository = (*Store)(nil)

const reservationColumns = `
	id, number, email, customer_name, vehicle_id, pickup_location, dropoff_location,
	pickup_at, dropoff_at, policy_id, extras_json,
	paid_base, paid_extras, paid_tax, paid_discount, paid_total,
	amount_paid_extra, amount_due_at_counter, amount_credited,
	currency, status, version, created_at, updated_at`

// SaveReservation inserts or replaces a reservation as-is. Used for seeding
// and imports; edits go through WriteReservation.
func (s *Store) SaveReservation(ctx context.Context, r *rental.Reservation) error {
	if r == nil || r.ID == "" {
		return &generic.MissingFieldError{Field: "id"}
	}
	if !r.Status.Valid() {
		return &generic.InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := reservationArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reservations (`+reservationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &generic.InvalidFieldError{Field: "number", Reason: fmt.Sprintf("%q is already used", r.Number)}
		}
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

// LoadReservation returns the reservation if creds.Email matches the
// reservation email, ignoring case.
func (s *Store) LoadReservation(ctx context.Context, id string, creds rental.Credentials) (*rental.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := getReservation(ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
	}
	given := strings.TrimSpace(creds.Email)
	if given == "" || !strings.EqualFold(strings.TrimSpace(r.Email), given) {
		return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrUnauthorized)
	}
	return r, nil
}

// WriteReservation applies patch and appends its ledger entry in one
// database transaction, provided the stored version equals expectedVersion.
func (s *Store) WriteReservation(ctx context.Context, id string, patch rental.ReservationPatch, expectedVersion int64) (*rental.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *rental.Reservation
	err := s.withTxLocked(ctx, func(tx *sql.Tx) error {
		current, err := getReservation(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
		}
		if err := checkHold(ctx, tx, current, patch.Holder, expectedVersion, s.clock.Now()); err != nil {
			return err
		}

		next := current.Clone()
		patch.Apply(next, s.clock.Now())

		extrasJSON, err := json.Marshal(extrasOrEmpty(next.Extras))
		if err != nil {
			return fmt.Errorf("failed to encode extras: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE reservations SET
				vehicle_id = ?, pickup_location = ?, dropoff_location = ?,
				pickup_at = ?, dropoff_at = ?, policy_id = ?, extras_json = ?,
				paid_base = ?, paid_extras = ?, paid_tax = ?, paid_discount = ?, paid_total = ?,
				amount_paid_extra = ?, amount_due_at_counter = ?, amount_credited = ?,
				version = ?, updated_at = ?, hold_owner = NULL, hold_until = NULL
			WHERE id = ? AND version = ?`,
			next.VehicleID, next.PickupLocation, next.DropoffLocation,
			formatTime(next.Pickup), formatTime(next.Dropoff), next.PolicyID, string(extrasJSON),
			next.PaidBase.Value.String(), next.PaidExtras.Value.String(), next.PaidTax.Value.String(),
			next.PaidDiscount.Value.String(), next.PaidTotal.Value.String(),
			next.AmountPaidExtra.Value.String(), next.AmountDueAtCounter.Value.String(), next.AmountCredited.Value.String(),
			next.Version, formatTime(next.UpdatedAt),
			id, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &generic.ConcurrentModificationError{ReservationID: id, Expected: expectedVersion, Actual: -1}
		}

		if patch.Entry.ReservationID != "" {
			if err := generic.NewLedger(&txStore{tx: tx}).Append(ctx, patch.Entry); err != nil {
				return fmt.Errorf("reservation %s: ledger: %w", id, err)
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// HoldReservation holds the reservation for holder until the given time.
func (s *Store) HoldReservation(ctx context.Context, id, holder string, expectedVersion int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(ctx, func(tx *sql.Tx) error {
		current, err := getReservation(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
		}
		if err := checkHold(ctx, tx, current, holder, expectedVersion, s.clock.Now()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE reservations SET hold_owner = ?, hold_until = ? WHERE id = ? AND version = ?",
			holder, formatTime(until), id, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to hold reservation: %w", err)
		}
		return nil
	})
}

// ReleaseReservation drops holder's hold on the reservation.
func (s *Store) ReleaseReservation(ctx context.Context, id, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET hold_owner = NULL, hold_until = NULL WHERE id = ? AND hold_owner = ?",
		id, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// checkHold enforces expectedVersion and any live hold of another holder.
func checkHold(ctx context.Context, db querier, current *rental.Reservation, holder string, expectedVersion int64, now time.Time) error {
	if current.Version != expectedVersion {
		return &generic.ConcurrentModificationError{
			ReservationID: current.ID,
			Expected:      expectedVersion,
			Actual:        current.Version,
		}
	}

	var owner, until sql.NullString
	err := db.QueryRowContext(ctx,
		"SELECT hold_owner, hold_until FROM reservations WHERE id = ?", current.ID,
	).Scan(&owner, &until)
	if err != nil {
		return fmt.Errorf("failed to read hold of %s: %w", current.ID, err)
	}
	if owner.Valid && owner.String != holder && now.Before(parseTime(until.String)) {
		return &generic.ConcurrentModificationError{
			ReservationID: current.ID,
			Expected:      expectedVersion,
			Actual:        current.Version,
			HeldBy:        owner.String,
		}
	}
	return nil
}

// GetReservation retrieves a reservation by ID without checking credentials.
// Returns nil, nil when it does not exist.
func (s *Store) GetReservation(ctx context.Context, id string) (*rental.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getReservation(ctx, s.db, "id = ?", id)
}

// FindByNumber looks a reservation up by its human-facing number.
func (s *Store) FindByNumber(ctx context.Context, number string) (*rental.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getReservation(ctx, s.db, "number = ? COLLATE NOCASE", strings.TrimSpace(number))
}

// ListReservations returns all reservations ordered by number.
func (s *Store) ListReservations(ctx context.Context) ([]*rental.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+reservationColumns+" FROM reservations ORDER BY number")
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []*rental.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Entries returns the settlement ledger of a reservation.
func (s *Store) Entries(ctx context.Context, reservationID string) ([]generic.Entry, error) {
	return generic.NewLedger(s).Entries(ctx, reservationID)
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func getReservation(ctx context.Context, db querier, where string, arg any) (*rental.Reservation, error) {
	row := db.QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE "+where, arg)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func reservationArgs(r *rental.Reservation) ([]any, error) {
	extrasJSON, err := json.Marshal(extrasOrEmpty(r.Extras))
	if err != nil {
		return nil, fmt.Errorf("failed to encode extras: %w", err)
	}
	currency := r.Currency
	if currency == "" {
		currency = generic.DefaultCurrency
	}
	version := r.Version
	if version == 0 {
		version = 1
	}
	return []any{
		r.ID, r.Number, r.Email, r.CustomerName, r.VehicleID, r.PickupLocation, r.DropoffLocation,
		formatTime(r.Pickup), formatTime(r.Dropoff), r.PolicyID, string(extrasJSON),
		moneyText(r.PaidBase), moneyText(r.PaidExtras), moneyText(r.PaidTax), moneyText(r.PaidDiscount), moneyText(r.PaidTotal),
		moneyText(r.AmountPaidExtra), moneyText(r.AmountDueAtCounter), moneyText(r.AmountCredited),
		string(currency), string(r.Status), version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}, nil
}

func scanReservation(row rowScanner) (*rental.Reservation, error) {
	var (
		r                                                      rental.Reservation
		customerName, pickupLocation, dropoffLocation          sql.NullString
		pickupAt, dropoffAt, extrasJSON                        string
		paidBase, paidExtras, paidTax, paidDiscount, paidTotal string
		amountPaidExtra, amountDueAtCounter, amountCredited    string
		currency, status, createdAt, updatedAt                 string
	)

	err := row.Scan(
		&r.ID, &r.Number, &r.Email, &customerName, &r.VehicleID, &pickupLocation, &dropoffLocation,
		&pickupAt, &dropoffAt, &r.PolicyID, &extrasJSON,
		&paidBase, &paidExtras, &paidTax, &paidDiscount, &paidTotal,
		&amountPaidExtra, &amountDueAtCounter, &amountCredited,
		&currency, &status, &r.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}

	r.CustomerName = customerName.String
	r.PickupLocation = pickupLocation.String
	r.DropoffLocation = dropoffLocation.String
	r.Pickup = parseTime(pickupAt)
	r.Dropoff = parseTime(dropoffAt)
	r.Currency = generic.Currency(currency)
	r.Status = rental.Status(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(extrasJSON), &r.Extras); err != nil {
		return nil, fmt.Errorf("failed to decode extras of %s: %w", r.ID, err)
	}
	if len(r.Extras) == 0 {
		r.Extras = nil
	}

	amounts := []struct {
		dst *generic.Money
		src string
	}{
		{&r.PaidBase, paidBase},
		{&r.PaidExtras, paidExtras},
		{&r.PaidTax, paidTax},
		{&r.PaidDiscount, paidDiscount},
		{&r.PaidTotal, paidTotal},
		{&r.AmountPaidExtra, amountPaidExtra},
		{&r.AmountDueAtCounter, amountDueAtCounter},
		{&r.AmountCredited, amountCredited},
	}
	for _, a := range amounts {
		m, err := parseMoney(a.src, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("reservation %s: %w", r.ID, err)
		}
		*a.dst = m
	}

	return &r, nil
}

func moneyText(m generic.Money) string {
	return m.Value.String()
}

func extrasOrEmpty(extras []rental.SelectedExtra) []rental.SelectedExtra {
	if extras == nil {
		return []rental.SelectedExtra{}
	}
	return extras
}
