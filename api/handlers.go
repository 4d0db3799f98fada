/*
handlers.go - HTTP API handlers for reservation edits and settlements

PURPOSE:
  Exposes the rental edit engine via REST API. Handles HTTP
  request/response, JSON serialization, token checks, and delegates to
  rental.EditService and SettlementFlow.

ENDPOINTS:
  Access:
    POST   /api/reservations/access            Exchange number + email for a token

  Reservations (token required):
    GET    /api/reservations/{id}               Current reservation
    GET    /api/reservations/{id}/settlements   Ledger entries and totals
    POST   /api/reservations/{id}/edits         Open an edit session

  Edits (token required):
    GET    /api/edits/{sid}                     Proposal state
    PATCH  /api/edits/{sid}                     Change fields (mapping.go)
    DELETE /api/edits/{sid}                     Discard
    POST   /api/edits/{sid}/calculate           Price and reconcile
    POST   /api/edits/{sid}/rebase              Reload reservation and recalculate
    POST   /api/edits/{sid}/commit              Apply or hand off to a settlement

  Settlements (token required):
    GET    /api/settlements/{fid}               Flow state
    POST   /api/settlements/{fid}/method        Pay by card or cash
    POST   /api/settlements/{fid}/confirm       Accept a refund credit
    POST   /api/settlements/{fid}/retry         FAILED -> AWAITING_METHOD
    POST   /api/settlements/{fid}/resume        Repeat a failed write after a charge
    POST   /api/settlements/{fid}/cancel        Abandon

  Catalog:
    GET    /api/catalog                         Vehicles, extras, policies

COMMIT RETRY:
  A direct commit that hits CONCURRENT_MODIFICATION is rebased once and
  committed again if the price difference did not change. If it changed,
  the client gets 409 and the recalculated proposal is left open for review.
  A conflict caused by another settlement's hold is returned as is.

ERROR HANDLING:
  Errors are returned as JSON {error, code, details} with:
  - 202: CANCEL_PENDING (cancel or discard while a charge is in flight)
  - 400: MISSING_FIELD, INVALID_FIELD
  - 401: UNAUTHORIZED
  - 402: DECLINED
  - 404: NOT_FOUND
  - 409: CONCURRENT_MODIFICATION, STALE_CALCULATION, INVALID_TRANSITION,
         NOT_EDITABLE, DUPLICATE_ENTRY
  - 422: date validation, INVALID_QUANTITY, UNKNOWN_VEHICLE/EXTRA/POLICY
  - 423: BUSY
  - 502: NETWORK_ERROR
  - 500: anything else (details withheld, logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - mapping.go: PATCH body normalization
  - sessions.go: Live session registry
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/auth"
	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/observability"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/store/sqlite"
)

const (
	maxBodyBytes         = 1 << 20
	defaultChargeTimeout = 60 * time.Second
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CatalogLister is the fixture catalog that scenario resets seed into the
// store. factory.Catalog implements it.
type CatalogLister interface {
	Vehicles() []rental.VehicleRate
	Extras() []rental.ExtraRate
	Policies() []rental.PolicyRate
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Service  *rental.EditService
	Catalog  CatalogLister
	Tokens   *auth.Issuer
	Sessions *SessionRegistry
	Logger   *zap.Logger

	// ChargeTimeout bounds a card charge. Charges outlive the request that
	// started them so a dropped connection cannot abort a payment midway.
	ChargeTimeout time.Duration

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, svc *rental.EditService, catalog CatalogLister, tokens *auth.Issuer, sessions *SessionRegistry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessions == nil {
		sessions = NewSessionRegistry(nil, 0, logger)
	}
	return &Handler{
		Store:         store,
		Service:       svc,
		Catalog:       catalog,
		Tokens:        tokens,
		Sessions:      sessions,
		Logger:        logger,
		ChargeTimeout: defaultChargeTimeout,
	}
}

// =============================================================================
// ACCESS
// =============================================================================

// RequestAccess issues a token for a reservation number + email pair.
func (h *Handler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ReservationNumber) == "" {
		h.fail(w, r, &generic.MissingFieldError{Field: "reservation_number"})
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.fail(w, r, &generic.MissingFieldError{Field: "email"})
		return
	}

	ctx := r.Context()
	found, err := h.Store.FindByNumber(ctx, strings.TrimSpace(req.ReservationNumber))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// unknown numbers and wrong emails look the same to the caller
	if found == nil {
		h.fail(w, r, fmt.Errorf("reservation %s: %w", req.ReservationNumber, generic.ErrUnauthorized))
		return
	}
	res, err := h.Store.LoadReservation(ctx, found.ID, rental.Credentials{Email: req.Email})
	if err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			err = fmt.Errorf("reservation %s: %w", req.ReservationNumber, generic.ErrUnauthorized)
		}
		h.fail(w, r, err)
		return
	}

	token, exp, err := h.Tokens.Issue(res.ID, res.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccessResponse{
		Token:       token,
		ExpiresAt:   instant(exp),
		Reservation: toReservationDTO(res),
	})
}

// credentials verifies the bearer token against reservationID.
func (h *Handler) credentials(r *http.Request, reservationID string) (rental.Credentials, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return rental.Credentials{}, fmt.Errorf("missing bearer token: %w", generic.ErrUnauthorized)
	}
	return h.Tokens.Authorize(header, reservationID)
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// GetReservation returns the current reservation.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	creds, err := h.credentials(r, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Store.LoadReservation(r.Context(), id, creds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// GetSettlementHistory returns the ledger of a reservation.
func (h *Handler) GetSettlementHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	creds, err := h.credentials(r, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()
	res, err := h.Store.LoadReservation(ctx, id, creds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := generic.NewLedger(h.Store).Entries(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	summary := generic.SummarizeEntries(entries, res.Currency)
	dto := SettlementHistoryDTO{
		ReservationID: id,
		Charged:       money(summary.Charged),
		DueAtCounter:  money(summary.DueAtCounter),
		Credited:      money(summary.Credited),
		Entries:       make([]LedgerEntryDTO, len(entries)),
	}
	for i, e := range entries {
		dto.Entries[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dto)
}

// OpenEdit starts an edit session.
func (h *Handler) OpenEdit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	creds, err := h.credentials(r, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.Service.Open(r.Context(), id, creds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Sessions.Track(r.Context(), p)
	writeJSON(w, http.StatusCreated, toProposalDTO(p.Snapshot()))
}

// =============================================================================
// EDIT HANDLERS
// =============================================================================

// editSession resolves {sid} and checks the token against its reservation.
func (h *Handler) editSession(w http.ResponseWriter, r *http.Request) (*rental.EditProposal, bool) {
	p, err := h.Sessions.Proposal(r.Context(), h.Service, chi.URLParam(r, "sid"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if _, err := h.credentials(r, p.ReservationID()); err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return p, true
}

// GetEdit returns the proposal.
func (h *Handler) GetEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.editSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p.Snapshot()))
}

// PatchEdit applies field changes. ?calculate=true prices the result.
func (h *Handler) PatchEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.editSession(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, &generic.InvalidFieldError{Field: "body", Reason: err.Error()})
		return
	}
	changes, err := DecodeEditRequest(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	for _, c := range changes {
		if err := h.Service.SetField(p, c.Field, c.Value); err != nil {
			h.Sessions.Sync(r.Context(), p)
			h.fail(w, r, err)
			return
		}
	}

	if r.URL.Query().Get("calculate") == "true" {
		if _, err := h.Service.Calculate(r.Context(), p); err != nil {
			h.Sessions.Sync(r.Context(), p)
			h.fail(w, r, err)
			return
		}
	}
	h.Sessions.Sync(r.Context(), p)
	writeJSON(w, http.StatusOK, toProposalDTO(p.Snapshot()))
}

// DiscardEdit abandons the proposal and any pending settlement.
func (h *Handler) DiscardEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.editSession(w, r)
	if !ok {
		return
	}
	if err := h.Service.Discard(p); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Sessions.Forget(r.Context(), p)
	w.WriteHeader(http.StatusNoContent)
}

// CalculateEdit prices the proposal and reconciles it against the reservation.
func (h *Handler) CalculateEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.editSession(w, r)
	if !ok {
		return
	}
	_, err := h.Service.Calculate(r.Context(), p)
	h.Sessions.Sync(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p.Snapshot()))
}

// RebaseEdit reloads the reservation under the proposal and recalculates.
func (h *Handler) RebaseEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.editSession(w, r)
	if !ok {
		return
	}
	_, err := h.Service.Rebase(r.Context(), p)
	h.Sessions.Sync(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalDTO(p.Snapshot()))
}

// CommitEdit applies a zero-difference proposal or returns a settlement flow.
func (h *Handler) CommitEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := h.editSession(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	before := p.Snapshot()
	res, err := h.Service.Commit(ctx, p)
	rebased := false
	var cme *generic.ConcurrentModificationError
	if errors.As(err, &cme) && cme.HeldBy == "" && before.Difference != nil {
		observability.FromContext(ctx).Info("commit conflict, rebasing",
			zap.String("proposal_id", p.ID()),
			zap.Int64("version", before.Original.Version))

		if _, rerr := h.Service.Rebase(ctx, p); rerr != nil {
			h.Sessions.Sync(ctx, p)
			h.fail(w, r, rerr)
			return
		}
		after := p.Snapshot()
		if after.Difference == nil || !after.Difference.Equal(*before.Difference) {
			h.Sessions.Sync(ctx, p)
			h.fail(w, r, fmt.Errorf("price difference changed from %s after reload, review and commit again: %w",
				money(*before.Difference), err))
			return
		}
		res, err = h.Service.Commit(ctx, p)
		rebased = true
	}
	if err != nil {
		h.Sessions.Sync(ctx, p)
		h.fail(w, r, err)
		return
	}

	resp := CommitResponse{Settled: res.Settled, Rebased: rebased}
	rec := toSettlementRecordDTO(res.Record)
	resp.Settlement = &rec
	if res.Settled {
		dto := toReservationDTO(res.Reservation)
		resp.Reservation = &dto
		h.Sessions.Sync(ctx, p)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.Sessions.TrackFlow(ctx, p, res.Flow)
	flow := toFlowDTO(res.Flow.Snapshot())
	resp.Flow = &flow
	writeJSON(w, http.StatusAccepted, resp)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// settlement resolves {fid} to a live flow and checks the token.
func (h *Handler) settlement(w http.ResponseWriter, r *http.Request) (*rental.SettlementFlow, bool) {
	flow, err := h.Sessions.LiveFlow(r.Context(), h.Service, chi.URLParam(r, "fid"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if _, err := h.credentials(r, flow.Snapshot().ReservationID); err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return flow, true
}

// GetSettlement returns the flow state, live or from its snapshot.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	snap, _, err := h.Sessions.FlowSnapshot(r.Context(), chi.URLParam(r, "fid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.credentials(r, snap.ReservationID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowDTO(snap))
}

// SelectMethod pays a PAY difference by card or cash.
func (h *Handler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.settlement(w, r)
	if !ok {
		return
	}
	var req SelectMethodRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		h.fail(w, r, &generic.MissingFieldError{Field: "method"})
		return
	}
	billing := rental.BillingDetails{
		Name:          req.Billing.Name,
		Email:         req.Billing.Email,
		Phone:         req.Billing.Phone,
		PostalCode:    req.Billing.PostalCode,
		Country:       req.Billing.Country,
		PaymentMethod: req.Billing.PaymentMethod,
	}

	ctx, cancel := h.chargeContext(r)
	defer cancel()
	err := flow.SelectMethod(ctx, rental.Method(strings.ToLower(strings.TrimSpace(req.Method))), billing)
	h.settled(w, r, flow, err)
}

// ConfirmRefund applies a refund credit.
func (h *Handler) ConfirmRefund(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.settlement(w, r)
	if !ok {
		return
	}
	h.settled(w, r, flow, flow.Confirm(r.Context()))
}

// RetrySettlement returns a failed flow to AWAITING_METHOD.
func (h *Handler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.settlement(w, r)
	if !ok {
		return
	}
	h.settled(w, r, flow, flow.Retry())
}

// ResumeSettlement repeats the reservation write after a captured charge.
func (h *Handler) ResumeSettlement(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.settlement(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.chargeContext(r)
	defer cancel()
	h.settled(w, r, flow, flow.ResumeCommit(ctx))
}

// CancelSettlement abandons the flow and discards its proposal.
func (h *Handler) CancelSettlement(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.settlement(w, r)
	if !ok {
		return
	}
	h.settled(w, r, flow, flow.Cancel())
}

func (h *Handler) chargeContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.ChargeTimeout
	if timeout <= 0 {
		timeout = defaultChargeTimeout
	}
	return context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
}

// settled syncs snapshots and writes the flow, or the error with the flow attached.
func (h *Handler) settled(w http.ResponseWriter, r *http.Request, flow *rental.SettlementFlow, err error) {
	if p, perr := h.Sessions.Proposal(r.Context(), h.Service, flow.ProposalID()); perr == nil {
		h.Sessions.Sync(r.Context(), p)
	}
	snap := toFlowDTO(flow.Snapshot())
	if err != nil {
		status, resp := h.errorResponse(r, err)
		resp.Flow = &snap
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// =============================================================================
// CATALOG & HEALTH
// =============================================================================

// GetCatalog lists vehicles, extras and payment policies from the provider
// that prices edits, so clients see the rates they will be charged.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	var card rental.RateCard
	if h.Service != nil && h.Service.Calculator != nil {
		if lister, ok := h.Service.Calculator.Provider.(rental.RateLister); ok {
			var err error
			if card, err = lister.ListRates(r.Context()); err != nil {
				h.fail(w, r, err)
				return
			}
		}
	} else if h.Catalog != nil {
		card = rental.RateCard{Vehicles: h.Catalog.Vehicles(), Extras: h.Catalog.Extras(), Policies: h.Catalog.Policies()}
	}
	writeJSON(w, http.StatusOK, toCatalogDTO(card))
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.Sessions.Len()})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: string(generic.CodeOf(err))}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &generic.InvalidFieldError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// fail maps err to a status and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := h.errorResponse(r, err)
	writeJSON(w, status, resp)
}

func (h *Handler) errorResponse(r *http.Request, err error) (int, ErrorResponse) {
	code := generic.CodeOf(err)
	status := StatusFor(err)
	resp := ErrorResponse{Error: messageFor(code), Code: string(code), Details: err.Error()}

	logger := observability.FromContext(r.Context())
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
		resp.Details = ""
	} else {
		logger.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	return status, resp
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch generic.CodeOf(err) {
	case generic.CodeMissingField, generic.CodeInvalidField:
		return http.StatusBadRequest
	case generic.CodeInvalidDate, generic.CodePastDate, generic.CodeInvertedRange,
		generic.CodeTooShort, generic.CodeInvalidQuantity,
		generic.CodeUnknownVehicle, generic.CodeUnknownExtra, generic.CodeUnknownPolicy:
		return http.StatusUnprocessableEntity
	case generic.CodeNotFound:
		return http.StatusNotFound
	case generic.CodeUnauthorized:
		return http.StatusUnauthorized
	case generic.CodeConcurrentModification, generic.CodeStaleCalculation,
		generic.CodeInvalidTransition, generic.CodeNotEditable, generic.CodeDuplicateEntry:
		return http.StatusConflict
	case generic.CodeBusy:
		return http.StatusLocked
	case generic.CodeCancelPending:
		return http.StatusAccepted
	case generic.CodeDeclined:
		return http.StatusPaymentRequired
	case generic.CodeNetworkError:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func messageFor(code generic.Code) string {
	switch code {
	case generic.CodeMissingField, generic.CodeInvalidField:
		return "Invalid request"
	case generic.CodeInvalidDate, generic.CodePastDate, generic.CodeInvertedRange, generic.CodeTooShort:
		return "Invalid rental period"
	case generic.CodeInvalidQuantity:
		return "Invalid extra quantity"
	case generic.CodeUnknownVehicle, generic.CodeUnknownExtra, generic.CodeUnknownPolicy:
		return "Unknown catalog reference"
	case generic.CodeNotFound:
		return "Not found"
	case generic.CodeUnauthorized:
		return "Unauthorized"
	case generic.CodeConcurrentModification:
		return "Reservation changed, reload and try again"
	case generic.CodeStaleCalculation:
		return "Price must be recalculated"
	case generic.CodeInvalidTransition, generic.CodeNotEditable:
		return "Operation not allowed in current state"
	case generic.CodeDuplicateEntry:
		return "Settlement already recorded"
	case generic.CodeBusy:
		return "Another operation is in progress"
	case generic.CodeCancelPending:
		return "Cancellation requested, payment still in progress"
	case generic.CodeDeclined:
		return "Payment declined"
	case generic.CodeNetworkError:
		return "Payment provider unavailable"
	}
	return "Internal error"
}
