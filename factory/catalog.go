/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON rate catalog (vehicles, extras, payment policies) into a
  Catalog that implements rental.PricingDataProvider. The fixture catalog
  serves local development, demo scenarios and tests; the same JSON seeds
  the sqlite catalog tables of a live deployment.

JSON SCHEMA:
  {
    "currency": "EUR",
    "vehicles": [
      {"id": "v-compact", "name": "Seat Ibiza", "daily_rate": "79.00"}
    ],
    "extras": [
      {"id": "gps", "name": "GPS", "daily_rate": "10.00"}
    ],
    "policies": [
      {"id": "standard", "name": "Pay online", "flat_fee": "0", "tax_rate": "0.21"}
    ]
  }

  Rates may be JSON strings or numbers. Strings are preferred because they
  survive the round trip without float noise.

VALIDATION:
  - every entry needs an id, duplicates are rejected
  - daily rates and fees must not be negative
  - daily rates and fees are whole cents ("33.333" is rejected), so a
    breakdown total differs from the sum of its components only by the
    rounding of the tax
  - tax rates must be within [0, 1)

USAGE:
  catalog, err := factory.ParseCatalog(factory.DefaultCatalogJSON)
  calc := rental.NewPriceCalculator(catalog, catalog.Currency)

SEE ALSO:
  - rental/collaborators.go: PricingDataProvider
  - store/sqlite/catalog.go: live provider seeded from the same catalog
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Currency string        `json:"currency,omitempty"`
	Vehicles []VehicleJSON `json:"vehicles"`
	Extras   []ExtraJSON   `json:"extras"`
	Policies []PolicyJSON  `json:"policies"`
}

type VehicleJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DailyRate decimal.Decimal `json:"daily_rate"`
}

type ExtraJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DailyRate decimal.Decimal `json:"daily_rate"`
}

type PolicyJSON struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	FlatFee decimal.Decimal `json:"flat_fee"`
	TaxRate decimal.Decimal `json:"tax_rate"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an immutable in-memory PricingDataProvider.
type Catalog struct {
	Currency generic.Currency

	vehicles map[string]rental.VehicleRate
	extras   map[string]rental.ExtraRate
	policies map[string]rental.PolicyRate
}

var (
	_ rental.PricingDataProvider = (*Catalog)(nil)
	_ rental.RateLister          = (*Catalog)(nil)
)

// ParseCatalog parses a JSON catalog document.
func ParseCatalog(jsonStr string) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return FromJSON(cj)
}

// FromJSON validates cj and builds a Catalog.
func FromJSON(cj CatalogJSON) (*Catalog, error) {
	currency := generic.Currency(strings.ToUpper(strings.TrimSpace(cj.Currency)))
	if currency == "" {
		currency = generic.DefaultCurrency
	}
	c := &Catalog{
		Currency: currency,
		vehicles: make(map[string]rental.VehicleRate, len(cj.Vehicles)),
		extras:   make(map[string]rental.ExtraRate, len(cj.Extras)),
		policies: make(map[string]rental.PolicyRate, len(cj.Policies)),
	}

	for i, v := range cj.Vehicles {
		field := fmt.Sprintf("vehicles[%d]", i)
		if err := checkEntry(field, v.ID, c.vehicles); err != nil {
			return nil, err
		}
		if err := checkRate(field+".daily_rate", v.DailyRate); err != nil {
			return nil, err
		}
		c.vehicles[v.ID] = rental.VehicleRate{ID: v.ID, Name: v.Name, DailyRate: generic.NewMoneyFromDecimal(v.DailyRate, currency)}
	}

	for i, e := range cj.Extras {
		field := fmt.Sprintf("extras[%d]", i)
		if err := checkEntry(field, e.ID, c.extras); err != nil {
			return nil, err
		}
		if err := checkRate(field+".daily_rate", e.DailyRate); err != nil {
			return nil, err
		}
		c.extras[e.ID] = rental.ExtraRate{ID: e.ID, Name: e.Name, DailyRate: generic.NewMoneyFromDecimal(e.DailyRate, currency)}
	}

	for i, p := range cj.Policies {
		field := fmt.Sprintf("policies[%d]", i)
		if err := checkEntry(field, p.ID, c.policies); err != nil {
			return nil, err
		}
		if err := checkRate(field+".flat_fee", p.FlatFee); err != nil {
			return nil, err
		}
		if p.TaxRate.IsNegative() || p.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, &generic.InvalidFieldError{Field: field + ".tax_rate", Reason: "must be within [0, 1)"}
		}
		c.policies[p.ID] = rental.PolicyRate{
			ID:      p.ID,
			Name:    p.Name,
			FlatFee: generic.NewMoneyFromDecimal(p.FlatFee, currency),
			TaxRate: p.TaxRate,
		}
	}

	return c, nil
}

func checkEntry[T any](field, id string, seen map[string]T) error {
	if strings.TrimSpace(id) == "" {
		return &generic.MissingFieldError{Field: field + ".id"}
	}
	if _, dup := seen[id]; dup {
		return &generic.InvalidFieldError{Field: field + ".id", Reason: fmt.Sprintf("duplicate id %q", id)}
	}
	return nil
}

// checkRate rejects negative amounts and amounts below cent precision.
func checkRate(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &generic.InvalidFieldError{Field: field, Reason: "must not be negative"}
	}
	if !d.Equal(generic.Round2(d)) {
		return &generic.InvalidFieldError{Field: field, Reason: fmt.Sprintf("%s has more than 2 decimal places", d)}
	}
	return nil
}

// MustParseCatalog is ParseCatalog for package-level fixtures.
func MustParseCatalog(jsonStr string) *Catalog {
	c, err := ParseCatalog(jsonStr)
	if err != nil {
		panic(err)
	}
	return c
}

// =============================================================================
// PricingDataProvider
// =============================================================================

func (c *Catalog) Vehicle(_ context.Context, id string) (rental.VehicleRate, error) {
	v, ok := c.vehicles[id]
	if !ok {
		return rental.VehicleRate{}, fmt.Errorf("vehicle %q: %w", id, generic.ErrNotFound)
	}
	return v, nil
}

func (c *Catalog) Extra(_ context.Context, id string) (rental.ExtraRate, error) {
	e, ok := c.extras[id]
	if !ok {
		return rental.ExtraRate{}, fmt.Errorf("extra %q: %w", id, generic.ErrNotFound)
	}
	return e, nil
}

func (c *Catalog) Policy(_ context.Context, id string) (rental.PolicyRate, error) {
	p, ok := c.policies[id]
	if !ok {
		return rental.PolicyRate{}, fmt.Errorf("policy %q: %w", id, generic.ErrNotFound)
	}
	return p, nil
}

// =============================================================================
// LISTING
// =============================================================================

// Vehicles returns all vehicles ordered by id.
func (c *Catalog) Vehicles() []rental.VehicleRate {
	out := make([]rental.VehicleRate, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Extras returns all extras ordered by id.
func (c *Catalog) Extras() []rental.ExtraRate {
	out := make([]rental.ExtraRate, 0, len(c.extras))
	for _, e := range c.extras {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Policies returns all payment policies ordered by id.
func (c *Catalog) Policies() []rental.PolicyRate {
	out := make([]rental.PolicyRate, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListRates implements rental.RateLister.
func (c *Catalog) ListRates(_ context.Context) (rental.RateCard, error) {
	return rental.RateCard{Vehicles: c.Vehicles(), Extras: c.Extras(), Policies: c.Policies()}, nil
}

// ToJSON converts the catalog back to its JSON form.
func (c *Catalog) ToJSON() CatalogJSON {
	cj := CatalogJSON{Currency: string(c.Currency)}
	for _, v := range c.Vehicles() {
		cj.Vehicles = append(cj.Vehicles, VehicleJSON{ID: v.ID, Name: v.Name, DailyRate: v.DailyRate.Value})
	}
	for _, e := range c.Extras() {
		cj.Extras = append(cj.Extras, ExtraJSON{ID: e.ID, Name: e.Name, DailyRate: e.DailyRate.Value})
	}
	for _, p := range c.Policies() {
		cj.Policies = append(cj.Policies, PolicyJSON{ID: p.ID, Name: p.Name, FlatFee: p.FlatFee.Value, TaxRate: p.TaxRate})
	}
	return cj
}

// =============================================================================
// DEFAULT FIXTURE
// =============================================================================

// DefaultCatalogJSON is the development catalog. The demo reservations in
// api/scenarios.go are priced against it.
const DefaultCatalogJSON = `{
  "currency": "EUR",
  "vehicles": [
    {"id": "v-compact", "name": "Seat Ibiza or similar", "daily_rate": "79.00"},
    {"id": "v-family",  "name": "Skoda Octavia Combi or similar", "daily_rate": "95.50"},
    {"id": "v-suv",     "name": "Kia Sportage or similar", "daily_rate": "120.00"},
    {"id": "v-van",     "name": "Ford Transit 9 seats", "daily_rate": "149.90"}
  ],
  "extras": [
    {"id": "gps",          "name": "GPS navigator", "daily_rate": "10.00"},
    {"id": "child-seat",   "name": "Child seat", "daily_rate": "7.45"},
    {"id": "extra-driver", "name": "Additional driver", "daily_rate": "12.00"},
    {"id": "snow-chains",  "name": "Snow chains", "daily_rate": "4.50"}
  ],
  "policies": [
    {"id": "standard", "name": "Pay online", "flat_fee": "0", "tax_rate": "0.21"},
    {"id": "flex",     "name": "Flexible cancellation", "flat_fee": "25.00", "tax_rate": "0.21"},
    {"id": "canarias", "name": "Canary Islands (IGIC)", "flat_fee": "0", "tax_rate": "0.07"}
  ]
}`
