package rental_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	testNow     = time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)
	testPickup  = time.Date(2025, time.May, 14, 12, 30, 0, 0, time.UTC)
	testDropoff = time.Date(2025, time.May, 18, 8, 30, 0, 0, time.UTC)
	testCreds   = rental.Credentials{Email: "ana@example.com"}
)

func eur(s string) generic.Money {
	return generic.MustMoney(s, generic.CurrencyEUR)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got generic.Money, field string) {
	t.Helper()
	if !got.Value.Equal(dec(want)) {
		t.Errorf("%s: expected %s, got %s", field, want, got.Value.StringFixed(2))
	}
}

// fakeProvider serves a fixed catalog.
type fakeProvider struct {
	vehicles map[string]rental.VehicleRate
	extras   map[string]rental.ExtraRate
	policies map[string]rental.PolicyRate

	err     error         // returned by every lookup when set
	entered chan struct{} // receives once per vehicle lookup when set
	release chan struct{} // vehicle lookups block on it when set
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		vehicles: map[string]rental.VehicleRate{
			"v-compact": {ID: "v-compact", Name: "Seat Ibiza", DailyRate: eur("79.00")},
			"v-suv":     {ID: "v-suv", Name: "Kia Sportage", DailyRate: eur("120.00")},
			"v-odd":     {ID: "v-odd", Name: "Fiat 500", DailyRate: eur("33.33")},
		},
		extras: map[string]rental.ExtraRate{
			"gps":        {ID: "gps", Name: "GPS", DailyRate: eur("10.00")},
			"child-seat": {ID: "child-seat", Name: "Child seat", DailyRate: eur("7.45")},
		},
		policies: map[string]rental.PolicyRate{
			"standard": {ID: "standard", Name: "Pay online", FlatFee: eur("0"), TaxRate: dec("0.21")},
			"flex":     {ID: "flex", Name: "Flexible", FlatFee: eur("25.00"), TaxRate: dec("0.21")},
			"reduced":  {ID: "reduced", Name: "Canary Islands", FlatFee: eur("9.99"), TaxRate: dec("0.07")},
		},
	}
}

func (p *fakeProvider) Vehicle(ctx context.Context, id string) (rental.VehicleRate, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return rental.VehicleRate{}, ctx.Err()
		}
	}
	if p.err != nil {
		return rental.VehicleRate{}, p.err
	}
	v, ok := p.vehicles[id]
	if !ok {
		return rental.VehicleRate{}, generic.ErrNotFound
	}
	return v, nil
}

func (p *fakeProvider) Extra(_ context.Context, id string) (rental.ExtraRate, error) {
	if p.err != nil {
		return rental.ExtraRate{}, p.err
	}
	e, ok := p.extras[id]
	if !ok {
		return rental.ExtraRate{}, generic.ErrNotFound
	}
	return e, nil
}

func (p *fakeProvider) Policy(_ context.Context, id string) (rental.PolicyRate, error) {
	if p.err != nil {
		return rental.PolicyRate{}, p.err
	}
	pol, ok := p.policies[id]
	if !ok {
		return rental.PolicyRate{}, generic.ErrNotFound
	}
	return pol, nil
}

// fakeProcessor records charges. failures[i] is returned by call i+1.
type fakeProcessor struct {
	mu       sync.Mutex
	requests []rental.ChargeRequest
	failures []error

	block           bool          // wait for cancellation
	started         chan struct{} // closed when a blocking charge starts
	succeedOnCancel bool          // a blocked charge still succeeds
}

func (p *fakeProcessor) Charge(ctx context.Context, req rental.ChargeRequest) (rental.ChargeResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	block := p.block
	p.mu.Unlock()

	if block {
		if p.started != nil {
			close(p.started)
		}
		<-ctx.Done()
		if p.succeedOnCancel {
			return rental.ChargeResult{Success: true, ReferenceID: fmt.Sprintf("pi_%d", n)}, nil
		}
		return rental.ChargeResult{}, &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: "request aborted", Err: ctx.Err()}
	}
	if n <= len(p.failures) && p.failures[n-1] != nil {
		return rental.ChargeResult{}, p.failures[n-1]
	}
	return rental.ChargeResult{Success: true, ReferenceID: fmt.Sprintf("pi_%d", n)}, nil
}

func (p *fakeProcessor) calls() []rental.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rental.ChargeRequest(nil), p.requests...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []rental.ReservationModified
	err    error
}

func (p *recordingPublisher) PublishReservationModified(_ context.Context, evt rental.ReservationModified) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

// flakyRepo fails the next failWrites writes without touching the store.
type flakyRepo struct {
	rental.ReservationRepository
	mu         sync.Mutex
	failWrites int
}

func (r *flakyRepo) WriteReservation(ctx context.Context, id string, patch rental.ReservationPatch, expectedVersion int64) (*rental.Reservation, error) {
	r.mu.Lock()
	if r.failWrites > 0 {
		r.failWrites--
		r.mu.Unlock()
		return nil, errors.New("database is locked")
	}
	r.mu.Unlock()
	return r.ReservationRepository.WriteReservation(ctx, id, patch, expectedVersion)
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type testEnv struct {
	repo      *memory.Reservations
	provider  *fakeProvider
	processor *fakeProcessor
	publisher *recordingPublisher
	svc       *rental.EditService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      memory.NewReservations(generic.FixedClock(testNow)),
		provider:  newFakeProvider(),
		processor: &fakeProcessor{},
		publisher: &recordingPublisher{},
	}
	env.svc = &rental.EditService{
		Repository: env.repo,
		Calculator: rental.NewPriceCalculator(env.provider, generic.CurrencyEUR),
		Validator:  &rental.DateRangeValidator{MinDurationHours: 24},
		Processor:  env.processor,
		Publisher:  env.publisher,
		Clock:      generic.FixedClock(testNow),
		NewID:      sequentialIDs("id"),
	}
	return env
}

// seed stores a compact-with-GPS reservation with the given paid total.
// Priced today it costs 430.76.
func (env *testEnv) seed(t *testing.T, id, paidTotal string) *rental.Reservation {
	t.Helper()
	r := &rental.Reservation{
		ID:                 id,
		Number:             "R-" + id,
		Email:              testCreds.Email,
		CustomerName:       "Ana Test",
		VehicleID:          "v-compact",
		PickupLocation:     "MAD-T4",
		DropoffLocation:    "MAD-T4",
		Pickup:             testPickup,
		Dropoff:            testDropoff,
		PolicyID:           "standard",
		Extras:             []rental.SelectedExtra{{ExtraID: "gps", Quantity: 1}},
		PaidBase:           eur(paidTotal),
		PaidExtras:         eur("0"),
		PaidTax:            eur("0"),
		PaidDiscount:       eur("0"),
		PaidTotal:          eur(paidTotal),
		AmountPaidExtra:    eur("0"),
		AmountDueAtCounter: eur("0"),
		AmountCredited:     eur("0"),
		Currency:           generic.CurrencyEUR,
		Status:             rental.StatusConfirmed,
		Version:            1,
		CreatedAt:          testNow.Add(-72 * time.Hour),
		UpdatedAt:          testNow.Add(-72 * time.Hour),
	}
	require.NoError(t, env.repo.Put(context.Background(), r))
	return r
}

func (env *testEnv) stored(t *testing.T, id string) *rental.Reservation {
	t.Helper()
	r, err := env.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

// openCalculated opens and calculates an unchanged proposal.
func (env *testEnv) openCalculated(t *testing.T, id string) *rental.EditProposal {
	t.Helper()
	ctx := context.Background()
	p, err := env.svc.Open(ctx, id, testCreds)
	require.NoError(t, err)
	_, err = env.svc.Calculate(ctx, p)
	require.NoError(t, err)
	return p
}

// commitToFlow opens, calculates and commits, expecting a settlement flow.
func (env *testEnv) commitToFlow(t *testing.T, id string) (*rental.EditProposal, *rental.SettlementFlow) {
	t.Helper()
	p := env.openCalculated(t, id)
	res, err := env.svc.Commit(context.Background(), p)
	require.NoError(t, err)
	require.False(t, res.Settled)
	require.NotNil(t, res.Flow)
	return p, res.Flow
}
