/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the rental core from the external contract: money goes out as fixed
  two-decimal strings, instants as RFC3339 UTC.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Access:       AccessRequest, AccessResponse
  Reservation:  ReservationDTO, SettlementHistoryDTO, LedgerEntryDTO
  Edit:         ProposalDTO, BreakdownDTO (PATCH bodies: mapping.go)
  Settlement:   FlowDTO, SelectMethodRequest, CommitResponse
  Catalog:      CatalogDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - mapping.go: Inbound edit payload normalization
*/
package api

import (
	"time"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// ACCESS
// =============================================================================

type AccessRequest struct {
	ReservationNumber string `json:"reservation_number"`
	Email             string `json:"email"`
}

type AccessResponse struct {
	Token       string         `json:"token"`
	ExpiresAt   string         `json:"expires_at"`
	Reservation ReservationDTO `json:"reservation"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ExtraDTO struct {
	ExtraID  string `json:"extra_id"`
	Quantity int    `json:"quantity"`
}

type ReservationDTO struct {
	ID                 string     `json:"id"`
	Number             string     `json:"number"`
	Email              string     `json:"email"`
	CustomerName       string     `json:"customer_name,omitempty"`
	VehicleID          string     `json:"vehicle_id"`
	PickupLocation     string     `json:"pickup_location"`
	DropoffLocation    string     `json:"dropoff_location"`
	Pickup             string     `json:"pickup"`
	Dropoff            string     `json:"dropoff"`
	PolicyID           string     `json:"policy_id"`
	Extras             []ExtraDTO `json:"extras"`
	PaidBase           string     `json:"paid_base"`
	PaidExtras         string     `json:"paid_extras"`
	PaidTax            string     `json:"paid_tax"`
	PaidDiscount       string     `json:"paid_discount"`
	PaidTotal          string     `json:"paid_total"`
	AmountPaidExtra    string     `json:"amount_paid_extra"`
	AmountDueAtCounter string     `json:"amount_due_at_counter"`
	AmountCredited     string     `json:"amount_credited"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	Version            int64      `json:"version"`
	UpdatedAt          string     `json:"updated_at,omitempty"`
}

type LedgerEntryDTO struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Method        string            `json:"method,omitempty"`
	Amount        string            `json:"amount"`
	PreviousTotal string            `json:"previous_total"`
	NewTotal      string            `json:"new_total"`
	FlowID        string            `json:"flow_id,omitempty"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	RecordedAt    string            `json:"recorded_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type SettlementHistoryDTO struct {
	ReservationID string           `json:"reservation_id"`
	Charged       string           `json:"charged"`
	DueAtCounter  string           `json:"due_at_counter"`
	Credited      string           `json:"credited"`
	Entries       []LedgerEntryDTO `json:"entries"`
}

// =============================================================================
// EDITS
// =============================================================================

type ExtraLineDTO struct {
	ExtraID   string `json:"extra_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	DailyRate string `json:"daily_rate"`
	Amount    string `json:"amount"`
}

type BreakdownDTO struct {
	Base      string         `json:"base"`
	Extras    string         `json:"extras"`
	PolicyFee string         `json:"policy_fee"`
	TaxAmount string         `json:"tax_amount"`
	Total     string         `json:"total"`
	Days      int64          `json:"days"`
	Hours     string         `json:"hours"`
	TaxRate   string         `json:"tax_rate"`
	Currency  string         `json:"currency"`
	Lines     []ExtraLineDTO `json:"lines"`
}

type WarningDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SettlementRecordDTO struct {
	Disposition string `json:"disposition"`
	Amount      string `json:"amount"`
	Difference  string `json:"difference"`
	Method      string `json:"method,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type ProposalDTO struct {
	ID              string               `json:"id"`
	ReservationID   string               `json:"reservation_id"`
	Status          string               `json:"status"`
	VehicleID       string               `json:"vehicle_id"`
	PickupLocation  string               `json:"pickup_location"`
	DropoffLocation string               `json:"dropoff_location"`
	Pickup          string               `json:"pickup"`
	Dropoff         string               `json:"dropoff"`
	PolicyID        string               `json:"policy_id"`
	Extras          []ExtraDTO           `json:"extras"`
	OriginalTotal   string               `json:"original_total"`
	Breakdown       *BreakdownDTO        `json:"breakdown,omitempty"`
	Difference      *string              `json:"difference,omitempty"`
	Settlement      *SettlementRecordDTO `json:"settlement,omitempty"`
	Warnings        []WarningDTO         `json:"warnings,omitempty"`
	Stale           bool                 `json:"stale"`
	Busy            bool                 `json:"busy"`
	FlowID          string               `json:"flow_id,omitempty"`
	UpdatedAt       string               `json:"updated_at"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

type BillingDTO struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	PostalCode    string `json:"postal_code"`
	Country       string `json:"country"`
	PaymentMethod string `json:"payment_method"`
}

type SelectMethodRequest struct {
	Method  string     `json:"method"`
	Billing BillingDTO `json:"billing"`
}

type FlowDTO struct {
	ID              string              `json:"id"`
	ProposalID      string              `json:"proposal_id"`
	ReservationID   string              `json:"reservation_id"`
	State           string              `json:"state"`
	Settlement      SettlementRecordDTO `json:"settlement"`
	Breakdown       BreakdownDTO        `json:"breakdown"`
	Attempts        int                 `json:"attempts"`
	ChargeReference string              `json:"charge_reference,omitempty"`
	AwaitingWrite   bool                `json:"awaiting_write"`
	LastError       string              `json:"last_error,omitempty"`
	Reservation     *ReservationDTO     `json:"reservation,omitempty"`
	SettledAt       string              `json:"settled_at,omitempty"`
}

type CommitResponse struct {
	Settled     bool                 `json:"settled"`
	Rebased     bool                 `json:"rebased"`
	Reservation *ReservationDTO      `json:"reservation,omitempty"`
	Settlement  *SettlementRecordDTO `json:"settlement,omitempty"`
	Flow        *FlowDTO             `json:"flow,omitempty"`
}

// =============================================================================
// CATALOG & SCENARIOS
// =============================================================================

type CatalogItemDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DailyRate string `json:"daily_rate"`
}

type PolicyDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	FlatFee string `json:"flat_fee"`
	TaxRate string `json:"tax_rate"`
}

type CatalogDTO struct {
	Vehicles []CatalogItemDTO `json:"vehicles"`
	Extras   []CatalogItemDTO `json:"extras"`
	Policies []PolicyDTO      `json:"policies"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Number      string `json:"reservation_number"`
	Email       string `json:"email"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Details string   `json:"details,omitempty"`
	Flow    *FlowDTO `json:"flow,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(m generic.Money) string { return m.Value.StringFixed(2) }

func instant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return generic.FormatInstant(t)
}

func toExtraDTOs(extras []rental.SelectedExtra) []ExtraDTO {
	out := make([]ExtraDTO, len(extras))
	for i, e := range extras {
		out[i] = ExtraDTO{ExtraID: e.ExtraID, Quantity: e.Quantity}
	}
	return out
}

func toReservationDTO(r *rental.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:                 r.ID,
		Number:             r.Number,
		Email:              r.Email,
		CustomerName:       r.CustomerName,
		VehicleID:          r.VehicleID,
		PickupLocation:     r.PickupLocation,
		DropoffLocation:    r.DropoffLocation,
		Pickup:             instant(r.Pickup),
		Dropoff:            instant(r.Dropoff),
		PolicyID:           r.PolicyID,
		Extras:             toExtraDTOs(r.Extras),
		PaidBase:           money(r.PaidBase),
		PaidExtras:         money(r.PaidExtras),
		PaidTax:            money(r.PaidTax),
		PaidDiscount:       money(r.PaidDiscount),
		PaidTotal:          money(r.PaidTotal),
		AmountPaidExtra:    money(r.AmountPaidExtra),
		AmountDueAtCounter: money(r.AmountDueAtCounter),
		AmountCredited:     money(r.AmountCredited),
		Currency:           string(r.Currency),
		Status:             string(r.Status),
		Version:            r.Version,
		UpdatedAt:          instant(r.UpdatedAt),
	}
}

func toLedgerEntryDTO(e generic.Entry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            e.ID,
		Type:          string(e.Type),
		Method:        e.Method,
		Amount:        money(e.Amount),
		PreviousTotal: money(e.PreviousTotal),
		NewTotal:      money(e.NewTotal),
		FlowID:        e.FlowID,
		ReferenceID:   e.ReferenceID,
		RecordedAt:    instant(e.RecordedAt),
		Metadata:      e.Metadata,
	}
}

func toBreakdownDTO(b rental.PriceBreakdown) BreakdownDTO {
	lines := make([]ExtraLineDTO, len(b.Lines))
	for i, l := range b.Lines {
		lines[i] = ExtraLineDTO{
			ExtraID:   l.ExtraID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			DailyRate: money(l.DailyRate),
			Amount:    money(l.Amount),
		}
	}
	return BreakdownDTO{
		Base:      money(b.Base),
		Extras:    money(b.Extras),
		PolicyFee: money(b.PolicyFee),
		TaxAmount: money(b.TaxAmount),
		Total:     money(b.Total),
		Days:      b.Days,
		Hours:     b.Hours.StringFixed(2),
		TaxRate:   b.TaxRate.String(),
		Currency:  string(b.Currency),
		Lines:     lines,
	}
}

func toSettlementRecordDTO(r rental.SettlementRecord) SettlementRecordDTO {
	return SettlementRecordDTO{
		Disposition: string(r.Disposition),
		Amount:      money(r.Amount),
		Difference:  money(r.Difference),
		Method:      string(r.Method),
		Timestamp:   instant(r.Timestamp),
	}
}

func toProposalDTO(s rental.ProposalSnapshot) ProposalDTO {
	dto := ProposalDTO{
		ID:              s.ID,
		ReservationID:   s.ReservationID,
		Status:          string(s.Status),
		VehicleID:       s.VehicleID,
		PickupLocation:  s.PickupLocation,
		DropoffLocation: s.DropoffLocation,
		Pickup:          instant(s.Pickup),
		Dropoff:         instant(s.Dropoff),
		PolicyID:        s.PolicyID,
		Extras:          toExtraDTOs(s.Extras),
		OriginalTotal:   money(s.Original.PaidTotal),
		Stale:           s.Stale(),
		Busy:            s.Busy,
		FlowID:          s.FlowID,
		UpdatedAt:       instant(s.UpdatedAt),
	}
	if s.Breakdown != nil {
		b := toBreakdownDTO(*s.Breakdown)
		dto.Breakdown = &b
	}
	if s.Difference != nil {
		d := money(*s.Difference)
		dto.Difference = &d
	}
	if s.Record != nil {
		r := toSettlementRecordDTO(*s.Record)
		dto.Settlement = &r
	}
	for _, w := range s.Warnings {
		dto.Warnings = append(dto.Warnings, WarningDTO{Code: string(w.Code), Message: w.Message})
	}
	return dto
}

func toFlowDTO(s rental.FlowSnapshot) FlowDTO {
	dto := FlowDTO{
		ID:              s.ID,
		ProposalID:      s.ProposalID,
		ReservationID:   s.ReservationID,
		State:           string(s.State),
		Settlement:      toSettlementRecordDTO(s.Record),
		Breakdown:       toBreakdownDTO(s.Breakdown),
		Attempts:        s.Attempts,
		ChargeReference: s.ChargeReference,
		AwaitingWrite:   s.AwaitingWrite,
		LastError:       s.LastError,
		SettledAt:       instant(s.SettledAt),
	}
	if s.Reservation != nil {
		r := toReservationDTO(s.Reservation)
		dto.Reservation = &r
	}
	return dto
}

func toCatalogDTO(card rental.RateCard) CatalogDTO {
	dto := CatalogDTO{
		Vehicles: []CatalogItemDTO{},
		Extras:   []CatalogItemDTO{},
		Policies: []PolicyDTO{},
	}
	for _, v := range card.Vehicles {
		dto.Vehicles = append(dto.Vehicles, CatalogItemDTO{ID: v.ID, Name: v.Name, DailyRate: money(v.DailyRate)})
	}
	for _, e := range card.Extras {
		dto.Extras = append(dto.Extras, CatalogItemDTO{ID: e.ID, Name: e.Name, DailyRate: money(e.DailyRate)})
	}
	for _, p := range card.Policies {
		dto.Policies = append(dto.Policies, PolicyDTO{ID: p.ID, Name: p.Name, FlatFee: money(p.FlatFee), TaxRate: p.TaxRate.String()})
	}
	return dto
}
