package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// CATALOG STORE (rental.PricingDataProvider interface)
// =============================================================================

var (
	_ rental.PricingDataProvider = (*Store)(nil)
	_ rental.RateLister          = (*Store)(nil)
)

// CatalogSource lists the rates to seed. factory.Catalog implements it.
type CatalogSource interface {
	Vehicles() []rental.VehicleRate
	Extras() []rental.ExtraRate
	Policies() []rental.PolicyRate
}

// SeedCatalog upserts every vehicle, extra and policy of src in one transaction.
// Rates below cent precision are rejected with INVALID_FIELD.
func (s *Store) SeedCatalog(ctx context.Context, src CatalogSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTxLocked(ctx, func(tx *sql.Tx) error {
		for _, v := range src.Vehicles() {
			if err := checkRate("vehicle "+v.ID, v.DailyRate); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO vehicles (id, name, daily_rate, currency) VALUES (?, ?, ?, ?)",
				v.ID, v.Name, v.DailyRate.Value.String(), string(v.DailyRate.Currency),
			); err != nil {
				return fmt.Errorf("failed to save vehicle %s: %w", v.ID, err)
			}
		}
		for _, e := range src.Extras() {
			if err := checkRate("extra "+e.ID, e.DailyRate); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO extras (id, name, daily_rate, currency) VALUES (?, ?, ?, ?)",
				e.ID, e.Name, e.DailyRate.Value.String(), string(e.DailyRate.Currency),
			); err != nil {
				return fmt.Errorf("failed to save extra %s: %w", e.ID, err)
			}
		}
		for _, p := range src.Policies() {
			if err := checkRate("policy "+p.ID, p.FlatFee); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO payment_policies (id, name, flat_fee, tax_rate, currency) VALUES (?, ?, ?, ?, ?)",
				p.ID, p.Name, p.FlatFee.Value.String(), p.TaxRate.String(), string(p.FlatFee.Currency),
			); err != nil {
				return fmt.Errorf("failed to save policy %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// Vehicle returns the current daily rate of a vehicle.
func (s *Store) Vehicle(ctx context.Context, id string) (rental.VehicleRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name, rate, currency string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, daily_rate, currency FROM vehicles WHERE id = ?", id,
	).Scan(&name, &rate, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.VehicleRate{}, fmt.Errorf("vehicle %q: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return rental.VehicleRate{}, fmt.Errorf("failed to load vehicle %s: %w", id, err)
	}

	m, err := parseRate(rate, generic.Currency(currency))
	if err != nil {
		return rental.VehicleRate{}, fmt.Errorf("vehicle %s: %w", id, err)
	}
	return rental.VehicleRate{ID: id, Name: name, DailyRate: m}, nil
}

// Extra returns the current daily rate of an extra.
func (s *Store) Extra(ctx context.Context, id string) (rental.ExtraRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name, rate, currency string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, daily_rate, currency FROM extras WHERE id = ?", id,
	).Scan(&name, &rate, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.ExtraRate{}, fmt.Errorf("extra %q: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return rental.ExtraRate{}, fmt.Errorf("failed to load extra %s: %w", id, err)
	}

	m, err := parseRate(rate, generic.Currency(currency))
	if err != nil {
		return rental.ExtraRate{}, fmt.Errorf("extra %s: %w", id, err)
	}
	return rental.ExtraRate{ID: id, Name: name, DailyRate: m}, nil
}

// Policy returns the flat fee and tax rate of a payment policy.
func (s *Store) Policy(ctx context.Context, id string) (rental.PolicyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name, fee, taxRate, currency string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, flat_fee, tax_rate, currency FROM payment_policies WHERE id = ?", id,
	).Scan(&name, &fee, &taxRate, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.PolicyRate{}, fmt.Errorf("policy %q: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return rental.PolicyRate{}, fmt.Errorf("failed to load policy %s: %w", id, err)
	}

	m, err := parseRate(fee, generic.Currency(currency))
	if err != nil {
		return rental.PolicyRate{}, fmt.Errorf("policy %s: %w", id, err)
	}
	rate, err := decimal.NewFromString(taxRate)
	if err != nil {
		return rental.PolicyRate{}, fmt.Errorf("corrupt tax rate %q: %w", taxRate, err)
	}
	return rental.PolicyRate{ID: id, Name: name, FlatFee: m, TaxRate: rate}, nil
}

// ListRates returns the stored catalog, each list ordered by id.
func (s *Store) ListRates(ctx context.Context) (rental.RateCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card := rental.RateCard{
		Vehicles: []rental.VehicleRate{},
		Extras:   []rental.ExtraRate{},
		Policies: []rental.PolicyRate{},
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, daily_rate, currency FROM vehicles ORDER BY id")
	if err != nil {
		return card, fmt.Errorf("failed to query vehicles: %w", err)
	}
	for rows.Next() {
		var id, name, rate, currency string
		if err := rows.Scan(&id, &name, &rate, &currency); err != nil {
			rows.Close()
			return card, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		m, err := parseRate(rate, generic.Currency(currency))
		if err != nil {
			rows.Close()
			return card, fmt.Errorf("vehicle %s: %w", id, err)
		}
		card.Vehicles = append(card.Vehicles, rental.VehicleRate{ID: id, Name: name, DailyRate: m})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return card, err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT id, name, daily_rate, currency FROM extras ORDER BY id")
	if err != nil {
		return card, fmt.Errorf("failed to query extras: %w", err)
	}
	for rows.Next() {
		var id, name, rate, currency string
		if err := rows.Scan(&id, &name, &rate, &currency); err != nil {
			rows.Close()
			return card, fmt.Errorf("failed to scan extra: %w", err)
		}
		m, err := parseRate(rate, generic.Currency(currency))
		if err != nil {
			rows.Close()
			return card, fmt.Errorf("extra %s: %w", id, err)
		}
		card.Extras = append(card.Extras, rental.ExtraRate{ID: id, Name: name, DailyRate: m})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return card, err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT id, name, flat_fee, tax_rate, currency FROM payment_policies ORDER BY id")
	if err != nil {
		return card, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name, fee, taxRate, currency string
		if err := rows.Scan(&id, &name, &fee, &taxRate, &currency); err != nil {
			return card, fmt.Errorf("failed to scan policy: %w", err)
		}
		m, err := parseRate(fee, generic.Currency(currency))
		if err != nil {
			return card, fmt.Errorf("policy %s: %w", id, err)
		}
		rate, err := decimal.NewFromString(taxRate)
		if err != nil {
			return card, fmt.Errorf("corrupt tax rate %q: %w", taxRate, err)
		}
		card.Policies = append(card.Policies, rental.PolicyRate{ID: id, Name: name, FlatFee: m, TaxRate: rate})
	}
	return card, rows.Err()
}

func checkRate(what string, m generic.Money) error {
	if m.IsNegative() || !m.WholeCents() {
		return &generic.InvalidFieldError{Field: what, Reason: fmt.Sprintf("rate %s must be a non-negative amount in whole cents", m.Value)}
	}
	return nil
}

// parseRate refuses stored rates that SeedCatalog would have rejected.
func parseRate(value string, currency generic.Currency) (generic.Money, error) {
	m, err := parseMoney(value, currency)
	if err != nil {
		return generic.Money{}, err
	}
	if !m.WholeCents() {
		return generic.Money{}, fmt.Errorf("corrupt rate %q: more than 2 decimal places", value)
	}
	return m, nil
}
