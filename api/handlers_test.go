package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/auth"
	"github.com/warp/rental-engine/factory"
	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/payments"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
	sandbox *payments.Sandbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := generic.FixedClock(testNow)

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	store.WithClock(clock)

	catalog := factory.MustParseCatalog(factory.DefaultCatalogJSON)
	require.NoError(t, store.SeedCatalog(context.Background(), catalog))

	sandbox := payments.NewSandbox(nil)
	svc := &rental.EditService{
		Repository: store,
		Calculator: rental.NewPriceCalculator(store, catalog.Currency),
		Validator:  &rental.DateRangeValidator{MinDurationHours: 24},
		Processor:  sandbox,
		Clock:      clock,
	}

	tokens, err := auth.NewIssuer("test-secret-0123456789", "rental-engine", 2*time.Hour)
	require.NoError(t, err)
	tokens.WithClock(clock)

	sessions := NewSessionRegistry(nil, 30*time.Minute, nil).WithClock(clock)
	h := NewHandler(store, svc, catalog, tokens, sessions, zap.NewNop())

	return &testServer{
		t:       t,
		handler: h,
		router:  NewRouter(h, RouterOptions{EnableScenarios: true}),
		store:   store,
		sandbox: sandbox,
	}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// loadScenario loads id and returns the reservation id and an access token.
func (s *testServer) loadScenario(id string) (string, string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var info ScenarioDTO
	for _, sc := range scenarios {
		if sc.ID == id {
			info = sc
		}
	}
	rec = s.do(http.MethodPost, "/api/reservations/access", "", AccessRequest{
		ReservationNumber: info.Number,
		Email:             info.Email,
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var access AccessResponse
	decode(s.t, rec, &access)
	return access.Reservation.ID, access.Token
}

func (s *testServer) openEdit(resID, token string) ProposalDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/reservations/"+resID+"/edits", token, nil)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var p ProposalDTO
	decode(s.t, rec, &p)
	return p
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp.Code
}

// =============================================================================
// ACCESS
// =============================================================================

func TestRequestAccess(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")
	assert.Equal(t, "res-standard", resID)
	assert.NotEmpty(t, token)

	tests := []struct {
		name   string
		body   AccessRequest
		status int
		code   string
	}{
		{"email is case insensitive", AccessRequest{ReservationNumber: "RES-1001", Email: "ANA.Garcia@example.com"}, http.StatusOK, ""},
		{"wrong email", AccessRequest{ReservationNumber: "RES-1001", Email: "someone@example.com"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown number", AccessRequest{ReservationNumber: "RES-9999", Email: scenarioEmail}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing email", AccessRequest{ReservationNumber: "RES-1001"}, http.StatusBadRequest, "MISSING_FIELD"},
		{"missing number", AccessRequest{Email: scenarioEmail}, http.StatusBadRequest, "MISSING_FIELD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/api/reservations/access", "", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, rec))
			}
		})
	}
}

func TestReservationRequiresMatchingToken(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")

	rec := srv.do(http.MethodGet, "/api/reservations/"+resID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, _, err := srv.handler.Tokens.Issue("res-other", scenarioEmail)
	require.NoError(t, err)
	rec = srv.do(http.MethodGet, "/api/reservations/"+resID, other, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(http.MethodGet, "/api/reservations/"+resID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dto ReservationDTO
	decode(t, rec, &dto)
	assert.Equal(t, "v-compact", dto.VehicleID)
	assert.Equal(t, int64(1), dto.Version)
}

// =============================================================================
// EDIT FLOWS
// =============================================================================

func TestEdit_ZeroDifferenceCommitsDirectly(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")
	p := srv.openEdit(resID, token)

	// GIVEN: only the pickup desk changes
	rec := srv.do(http.MethodPatch, "/api/edits/"+p.ID+"?calculate=true", token, map[string]any{"pickup_location": "MAD-T1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &p)
	require.NotNil(t, p.Difference)
	assert.Equal(t, "0.00", *p.Difference)

	// WHEN: committing
	rec = srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)

	// THEN: the reservation is written without a settlement flow
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CommitResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Settled)
	assert.Nil(t, resp.Flow)
	require.NotNil(t, resp.Reservation)
	assert.Equal(t, "MAD-T1", resp.Reservation.PickupLocation)
	assert.Equal(t, int64(2), resp.Reservation.Version)
	assert.Empty(t, srv.sandbox.Charges())
}

func TestEdit_UpgradePaidByCard(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")
	p := srv.openEdit(resID, token)

	rec := srv.do(http.MethodPatch, "/api/edits/"+p.ID, token, map[string]any{"vehiculo_id": "v-suv"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = srv.do(http.MethodPost, "/api/edits/"+p.ID+"/calculate", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &p)
	require.NotNil(t, p.Settlement)
	assert.Equal(t, "PAY", p.Settlement.Disposition)

	rec = srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var commit CommitResponse
	decode(t, rec, &commit)
	require.NotNil(t, commit.Flow)
	assert.False(t, commit.Settled)
	assert.Equal(t, "AWAITING_METHOD", commit.Flow.State)

	// edits are locked while settling
	rec = srv.do(http.MethodPatch, "/api/edits/"+p.ID, token, map[string]any{"vehicle_id": "v-compact"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(http.MethodPost, "/api/settlements/"+commit.Flow.ID+"/method", token, SelectMethodRequest{
		Method:  "card",
		Billing: BillingDTO{Name: "Ana García", Email: scenarioEmail, PaymentMethod: payments.TokenVisa},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var flow FlowDTO
	decode(t, rec, &flow)
	assert.Equal(t, "SETTLED", flow.State)
	require.NotNil(t, flow.Reservation)
	assert.Equal(t, "v-suv", flow.Reservation.VehicleID)
	assert.Equal(t, commit.Settlement.Amount, flow.Reservation.AmountPaidExtra)
	require.Len(t, srv.sandbox.Charges(), 1)

	rec = srv.do(http.MethodGet, "/api/reservations/"+resID+"/settlements", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history SettlementHistoryDTO
	decode(t, rec, &history)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, commit.Settlement.Amount, history.Charged)
	assert.Equal(t, "card", history.Entries[0].Method)
}

func TestEdit_DeclinedCardCanBeRetried(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("price-increase")
	p := srv.openEdit(resID, token)

	rec := srv.do(http.MethodPost, "/api/edits/"+p.ID+"/calculate", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &p)
	require.NotNil(t, p.Settlement)
	assert.Equal(t, "40.00", p.Settlement.Amount)

	rec = srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var commit CommitResponse
	decode(t, rec, &commit)
	fid := commit.Flow.ID

	rec = srv.do(http.MethodPost, "/api/settlements/"+fid+"/method", token, SelectMethodRequest{
		Method:  "card",
		Billing: BillingDTO{PaymentMethod: payments.TokenDeclined},
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	var failed ErrorResponse
	decode(t, rec, &failed)
	assert.Equal(t, "DECLINED", failed.Code)
	require.NotNil(t, failed.Flow)
	assert.Equal(t, "FAILED", failed.Flow.State)

	rec = srv.do(http.MethodPost, "/api/settlements/"+fid+"/retry", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(http.MethodPost, "/api/settlements/"+fid+"/method", token, SelectMethodRequest{
		Method:  "card",
		Billing: BillingDTO{PaymentMethod: payments.TokenVisa},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res, err := srv.store.GetReservation(context.Background(), resID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", money(res.AmountPaidExtra))
	assert.Equal(t, int64(2), res.Version)
}

func TestEdit_CashBooksCounterAmount(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("price-increase")
	p := srv.openEdit(resID, token)

	srv.do(http.MethodPost, "/api/edits/"+p.ID+"/calculate", token, nil)
	rec := srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var commit CommitResponse
	decode(t, rec, &commit)

	rec = srv.do(http.MethodPost, "/api/settlements/"+commit.Flow.ID+"/method", token, SelectMethodRequest{Method: "CASH"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res, err := srv.store.GetReservation(context.Background(), resID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", money(res.AmountDueAtCounter))
	assert.Equal(t, "0.00", money(res.AmountPaidExtra))
	assert.Empty(t, srv.sandbox.Charges())
}

func TestEdit_RefundConfirmed(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("refund")
	p := srv.openEdit(resID, token)

	rec := srv.do(http.MethodPost, "/api/edits/"+p.ID+"/calculate", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &p)
	assert.Equal(t, "REFUND", p.Settlement.Disposition)
	assert.Equal(t, "60.00", p.Settlement.Amount)

	rec = srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var commit CommitResponse
	decode(t, rec, &commit)
	assert.Equal(t, "AWAITING_CONFIRMATION", commit.Flow.State)

	// card payment is not an option for refunds
	rec = srv.do(http.MethodPost, "/api/settlements/"+commit.Flow.ID+"/method", token, SelectMethodRequest{Method: "card"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(http.MethodPost, "/api/settlements/"+commit.Flow.ID+"/confirm", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res, err := srv.store.GetReservation(context.Background(), resID)
	require.NoError(t, err)
	assert.Equal(t, "60.00", money(res.AmountCredited))
}

func TestEdit_CancelSettlementDiscardsProposal(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("refund")
	p := srv.openEdit(resID, token)

	srv.do(http.MethodPost, "/api/edits/"+p.ID+"/calculate", token, nil)
	rec := srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)
	var commit CommitResponse
	decode(t, rec, &commit)

	rec = srv.do(http.MethodPost, "/api/settlements/"+commit.Flow.ID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(http.MethodGet, "/api/edits/"+p.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &p)
	assert.Equal(t, string(rental.ProposalDiscarded), p.Status)

	res, err := srv.store.GetReservation(context.Background(), resID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
}

func TestEdit_CommitWithoutCalculationIsStale(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")
	p := srv.openEdit(resID, token)

	srv.do(http.MethodPost, "/api/edits/"+p.ID+"/calculate", token, nil)
	srv.do(http.MethodPatch, "/api/edits/"+p.ID, token, map[string]any{"extras": []map[string]any{{"extra_id": "gps", "quantity": 2}}})

	rec := srv.do(http.MethodPost, "/api/edits/"+p.ID+"/commit", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STALE_CALCULATION", errorCode(t, rec))
}

func TestEdit_ValidationStatuses(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown field", `{"colour": "red"}`, http.StatusBadRequest, "INVALID_FIELD"},
		{"empty body", `{}`, http.StatusBadRequest, "MISSING_FIELD"},
		{"malformed instant", `{"fecha_recogida": "next tuesday"}`, http.StatusUnprocessableEntity, "INVALID_DATE"},
		{"past pickup", `{"pickup": "2025-04-01T10:00:00Z"}`, http.StatusUnprocessableEntity, "PAST_DATE"},
		{"unknown vehicle", `{"vehicle_id": "v-tank"}`, http.StatusUnprocessableEntity, "UNKNOWN_VEHICLE"},
		{"negative quantity", `{"extras": {"gps": -1}}`, http.StatusUnprocessableEntity, "INVALID_QUANTITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := srv.openEdit(resID, token)
			rec := srv.do(http.MethodPatch, "/api/edits/"+p.ID+"?calculate=true", token, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestEdit_CancelledReservationNotEditable(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("cancelled")

	rec := srv.do(http.MethodPost, "/api/reservations/"+resID+"/edits", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_EDITABLE", errorCode(t, rec))
}

func TestEdit_Discard(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")
	p := srv.openEdit(resID, token)
	require.Equal(t, 1, srv.handler.Sessions.Len())

	rec := srv.do(http.MethodDelete, "/api/edits/"+p.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, srv.handler.Sessions.Len())

	rec = srv.do(http.MethodGet, "/api/edits/"+p.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEdit_CommitRebasesOnConcurrentWrite(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")

	first := srv.openEdit(resID, token)
	second := srv.openEdit(resID, token)

	// GIVEN: two sessions with price-neutral edits
	srv.do(http.MethodPatch, "/api/edits/"+first.ID+"?calculate=true", token, map[string]any{"pickup_location": "MAD-T1"})
	srv.do(http.MethodPatch, "/api/edits/"+second.ID+"?calculate=true", token, map[string]any{"dropoff_location": "BCN-T1"})

	rec := srv.do(http.MethodPost, "/api/edits/"+first.ID+"/commit", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: the second commits against the old version
	rec = srv.do(http.MethodPost, "/api/edits/"+second.ID+"/commit", token, nil)

	// THEN: it is rebased and committed on top of the first
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CommitResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Rebased)
	assert.Equal(t, int64(3), resp.Reservation.Version)
	assert.Equal(t, "BCN-T1", resp.Reservation.DropoffLocation)
}

func TestEdit_ConflictWithChangedPriceIsReported(t *testing.T) {
	srv := newTestServer(t)
	resID, token := srv.loadScenario("standard")

	second := srv.openEdit(resID, token)
	rec := srv.do(http.MethodPatch, "/api/edits/"+second.ID+"?calculate=true", token, map[string]any{"dropoff_location": "BCN-T1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the reservation is upgraded and paid in another session
	first := srv.openEdit(resID, token)
	srv.do(http.MethodPatch, "/api/edits/"+first.ID+"?calculate=true", token, map[string]any{"vehicle_id": "v-suv"})
	rec = srv.do(http.MethodPost, "/api/edits/"+first.ID+"/commit", token, nil)
	var commit CommitResponse
	decode(t, rec, &commit)
	rec = srv.do(http.MethodPost, "/api/settlements/"+commit.Flow.ID+"/method", token, SelectMethodRequest{Method: "cash"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(http.MethodPost, "/api/edits/"+second.ID+"/commit", token, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "CONCURRENT_MODIFICATION", errorCode(t, rec))

	// the recalculated proposal is left for review
	rec = srv.do(http.MethodGet, "/api/edits/"+second.ID, token, nil)
	var p ProposalDTO
	decode(t, rec, &p)
	assert.Equal(t, "REFUND", p.Settlement.Disposition)
	assert.False(t, p.Stale)
}

// =============================================================================
// CATALOG, HEALTH, SCENARIOS
// =============================================================================

func TestGetCatalog(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(http.MethodGet, "/api/catalog", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto CatalogDTO
	decode(t, rec, &dto)
	assert.Len(t, dto.Vehicles, 4)
	assert.Len(t, dto.Extras, 4)
	assert.Len(t, dto.Policies, 3)
}

func TestGetCatalog_ListsLiveRates(t *testing.T) {
	srv := newTestServer(t)

	// GIVEN: the live catalog diverged from the fixture it was seeded from
	repriced := factory.MustParseCatalog(`{
		"vehicles": [{"id": "v-compact", "name": "Seat Ibiza", "daily_rate": "85.00"}],
		"extras": [],
		"policies": []
	}`)
	require.NoError(t, srv.store.SeedCatalog(context.Background(), repriced))

	// WHEN: the catalog is listed
	rec := srv.do(http.MethodGet, "/api/catalog", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: it shows the rate edits are priced with
	var dto CatalogDTO
	decode(t, rec, &dto)
	var compact CatalogItemDTO
	for _, v := range dto.Vehicles {
		if v.ID == "v-compact" {
			compact = v
		}
	}
	assert.Equal(t, "85.00", compact.DailyRate)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScenarios(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodGet, "/api/scenarios/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ScenarioDTO
	decode(t, rec, &list)
	assert.Len(t, list, len(scenarios))

	rec = srv.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, sc := range scenarios {
		res, err := srv.handler.loadScenario(context.Background(), sc.ID)
		require.NoError(t, err, sc.ID)
		assert.NoError(t, res.CheckInvariant(), sc.ID)
		assert.True(t, res.Pickup.After(testNow), sc.ID)
	}

	rec = srv.do(http.MethodGet, "/api/scenarios/current", "", nil)
	var current ScenarioDTO
	decode(t, rec, &current)
	assert.Equal(t, "cancelled", current.ID)
}

func TestScenariosHiddenWhenDisabled(t *testing.T) {
	srv := newTestServer(t)
	router := NewRouter(srv.handler, RouterOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scenarios/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&generic.MissingFieldError{Field: "x"}, http.StatusBadRequest},
		{generic.ErrTooShort, http.StatusUnprocessableEntity},
		{generic.ErrNotFound, http.StatusNotFound},
		{generic.ErrBusy, http.StatusLocked},
		{generic.ErrCancelPending, http.StatusAccepted},
		{&generic.ProcessorError{Kind: generic.ErrDeclined}, http.StatusPaymentRequired},
		{&generic.ProcessorError{Kind: generic.ErrNetworkError}, http.StatusBadGateway},
		{&generic.TransitionError{Operation: "confirm", State: "SETTLED"}, http.StatusConflict},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
