/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built reservations for demos and manual testing. Each
  scenario resets the database, seeds the catalog and inserts one
  reservation whose paid snapshot sets up a specific reconciliation.

AVAILABLE SCENARIOS:
  standard:        Paid amount equals the current price. Upgrading the
                   vehicle produces a PAY settlement.
  price-increase:  Rates went up since booking. Recalculating without
                   changes already shows an amount to pay.
  refund:          Customer overpaid. Recalculating shows a credit.
  cancelled:       Cancelled reservation; opening an edit fails.

HOW SCENARIOS WORK:
 1. Reset database (reservations, ledger, catalog)
 2. Seed catalog from the handler's catalog
 3. Price the reservation with the live calculator
 4. Adjust the paid snapshot and insert it

  Dates are relative to the service clock so the reservations stay in the
  future.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "refund"}

  Then POST /api/reservations/access with the scenario's
  reservation_number and email.

NOTE:
  Scenarios reset the database. Mounted only when RENTAL_FEATURE_SCENARIOS
  is set.

SEE ALSO:
  - handlers.go: access and edit endpoints
  - factory/catalog.go: DefaultCatalogJSON
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const scenarioEmail = "ana.garcia@example.com"

var scenarios = []ScenarioDTO{
	{
		ID:          "standard",
		Name:        "Standard Booking",
		Description: "Compact car with GPS, fully paid at current rates",
		Number:      "RES-1001",
		Email:       scenarioEmail,
	},
	{
		ID:          "price-increase",
		Name:        "Price Increase",
		Description: "Family car booked before a rate increase, 40.00 outstanding on recalculation",
		Number:      "RES-1002",
		Email:       scenarioEmail,
	},
	{
		ID:          "refund",
		Name:        "Overpaid Booking",
		Description: "SUV with flexible policy, 60.00 overpaid, recalculation yields a refund",
		Number:      "RES-1003",
		Email:       scenarioEmail,
	},
	{
		ID:          "cancelled",
		Name:        "Cancelled Booking",
		Description: "Cancelled reservation, edits are rejected",
		Number:      "RES-1004",
		Email:       scenarioEmail,
	},
}

type scenarioSetup struct {
	vehicleID string
	policyID  string
	extras    []rental.SelectedExtra
	days      int
	paidDelta decimal.Decimal // added to the computed price
	status    rental.Status
}

var scenarioSetups = map[string]scenarioSetup{
	"standard": {
		vehicleID: "v-compact",
		policyID:  "standard",
		extras:    []rental.SelectedExtra{{ExtraID: "gps", Quantity: 1}},
		days:      4,
		status:    rental.StatusConfirmed,
	},
	"price-increase": {
		vehicleID: "v-family",
		policyID:  "standard",
		extras:    []rental.SelectedExtra{{ExtraID: "child-seat", Quantity: 2}},
		days:      7,
		paidDelta: decimal.NewFromInt(-40),
		status:    rental.StatusConfirmed,
	},
	"refund": {
		vehicleID: "v-suv",
		policyID:  "flex",
		extras:    []rental.SelectedExtra{{ExtraID: "extra-driver", Quantity: 1}},
		days:      5,
		paidDelta: decimal.NewFromInt(60),
		status:    rental.StatusConfirmed,
	},
	"cancelled": {
		vehicleID: "v-compact",
		policyID:  "standard",
		days:      3,
		status:    rental.StatusCancelled,
	},
}

var errUnknownScenario = errors.New("unknown scenario")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ScenarioID == "" {
		h.fail(w, r, &generic.MissingFieldError{Field: "scenario_id"})
		return
	}

	res, err := h.loadScenario(r.Context(), req.ScenarioID)
	if errors.Is(err, errUnknownScenario) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "loaded",
		"scenario":    req.ScenarioID,
		"reservation": toReservationDTO(res),
	})
}

// ResetDatabase clears reservations, the ledger and live sessions, then
// reseeds the catalog.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.Sessions.Reset()
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if h.Catalog == nil {
		return nil
	}
	return h.Store.SeedCatalog(ctx, h.Catalog)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, id string) (*rental.Reservation, error) {
	setup, ok := scenarioSetups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownScenario, id)
	}
	var info ScenarioDTO
	for _, s := range scenarios {
		if s.ID == id {
			info = s
		}
	}

	if err := h.reset(ctx); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	now := h.Service.Clock.Now()
	day := now.Truncate(24 * time.Hour)
	pickup := day.AddDate(0, 0, 14).Add(10 * time.Hour)
	dropoff := pickup.AddDate(0, 0, setup.days)

	breakdown, err := h.Service.Calculator.Calculate(ctx, rental.PriceInput{
		VehicleID: setup.vehicleID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Extras:    setup.extras,
		PolicyID:  setup.policyID,
	})
	if err != nil {
		return nil, fmt.Errorf("price scenario %s: %w", id, err)
	}

	cur := breakdown.Currency
	zero := generic.ZeroMoney(cur)
	delta := generic.NewMoneyFromDecimal(setup.paidDelta, cur)
	res := &rental.Reservation{
		ID:                 "res-" + id,
		Number:             info.Number,
		Email:              info.Email,
		CustomerName:       "Ana García",
		VehicleID:          setup.vehicleID,
		PickupLocation:     "MAD-T4",
		DropoffLocation:    "MAD-T4",
		Pickup:             pickup,
		Dropoff:            dropoff,
		PolicyID:           setup.policyID,
		Extras:             rental.CloneExtras(setup.extras),
		PaidBase:           breakdown.Base.Add(delta),
		PaidExtras:         breakdown.Extras,
		PaidTax:            breakdown.TaxAmount.Add(breakdown.PolicyFee),
		PaidDiscount:       zero,
		PaidTotal:          breakdown.Total.Add(delta),
		AmountPaidExtra:    zero,
		AmountDueAtCounter: zero,
		AmountCredited:     zero,
		Currency:           cur,
		Status:             setup.status,
		Version:            1,
		CreatedAt:          now.AddDate(0, 0, -10),
		UpdatedAt:          now.AddDate(0, 0, -10),
	}
	if err := res.CheckInvariant(); err != nil {
		return nil, err
	}
	if err := h.Store.SaveReservation(ctx, res); err != nil {
		return nil, fmt.Errorf("save scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()

	h.Logger.Info("scenario loaded",
		zap.String("scenario", id),
		zap.String("reservation_number", res.Number),
		zap.String("paid_total", res.PaidTotal.String()))
	return res, nil
}
