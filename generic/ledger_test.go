package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/generic/store"
)

func newTestLedger() generic.Ledger {
	return generic.NewLedger(store.NewMemory())
}

func entry(id, reservationID string, typ generic.EntryType, amount string, at time.Time) generic.Entry {
	return generic.Entry{
		ID:             id,
		ReservationID:  reservationID,
		Type:           typ,
		Amount:         eur(amount),
		IdempotencyKey: "key-" + id,
		RecordedAt:     at,
	}
}

func TestLedger_AppendAndOrder(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	t0 := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, ledger.Append(ctx, entry("e2", "res-1", generic.EntryCounter, "19.24", t0.Add(time.Hour))))
	require.NoError(t, ledger.Append(ctx, entry("e1", "res-1", generic.EntryCharge, "35.60", t0)))
	require.NoError(t, ledger.Append(ctx, entry("e3", "res-2", generic.EntryCharge, "5.00", t0)))

	entries, err := ledger.Entries(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.Equal(t, "e2", entries[1].ID)
}

func TestLedger_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	e := entry("e1", "res-1", generic.EntryCharge, "35.60", time.Now())

	require.NoError(t, ledger.Append(ctx, e))
	err := ledger.Append(ctx, e)
	if !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	entries, _ := ledger.Entries(ctx, "res-1")
	assert.Len(t, entries, 1)
}

func TestLedger_Summarize(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger()
	t0 := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, ledger.Append(ctx, entry("e1", "res-1", generic.EntryCharge, "35.60", t0)))
	require.NoError(t, ledger.Append(ctx, entry("e2", "res-1", generic.EntryCounter, "19.24", t0.Add(time.Minute))))
	require.NoError(t, ledger.Append(ctx, entry("e3", "res-1", generic.EntryCredit, "-54.84", t0.Add(2*time.Minute))))
	require.NoError(t, ledger.Append(ctx, entry("e4", "res-1", generic.EntryAdjustment, "0", t0.Add(3*time.Minute))))

	s, err := ledger.Summarize(ctx, "res-1", generic.CurrencyEUR)
	require.NoError(t, err)

	assert.Equal(t, 4, s.Entries)
	assert.Equal(t, "35.60 EUR", s.Charged.String())
	assert.Equal(t, "19.24 EUR", s.DueAtCounter.String())
	assert.Equal(t, "54.84 EUR", s.Credited.String())
	assert.True(t, s.Net().IsZero(), "net = %s", s.Net())
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	tx := store.NewTxMemory()
	boom := errors.New("write failed")

	err := tx.WithTx(ctx, func(s generic.Store) error {
		if err := s.Append(ctx, entry("e1", "res-1", generic.EntryCharge, "10", time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, _ := tx.Load(ctx, "res-1")
	assert.Empty(t, entries)
	exists, _ := tx.Exists(ctx, "key-e1")
	assert.False(t, exists, "idempotency key must be rolled back too")

	err = tx.WithTx(ctx, func(s generic.Store) error {
		return s.Append(ctx, entry("e1", "res-1", generic.EntryCharge, "10", time.Now()))
	})
	require.NoError(t, err)
	entries, _ = tx.Load(ctx, "res-1")
	assert.Len(t, entries, 1)
}

func TestErrors_CodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want generic.Code
	}{
		{&generic.MissingFieldError{Field: "vehicle"}, generic.CodeMissingField},
		{&generic.UnknownReferenceError{Kind: generic.ErrUnknownExtra, ID: "gps"}, generic.CodeUnknownExtra},
		{&generic.ConcurrentModificationError{ReservationID: "r", Expected: 1, Actual: 2}, generic.CodeConcurrentModification},
		{&generic.ProcessorError{Kind: generic.ErrDeclined, Reason: "card_declined"}, generic.CodeDeclined},
		{&generic.TransitionError{Operation: "confirm", State: "SETTLED"}, generic.CodeInvalidTransition},
		{errors.New("disk on fire"), generic.CodeInternal},
		{nil, ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, generic.CodeOf(c.err), "%v", c.err)
	}
}

func TestErrors_Categories(t *testing.T) {
	assert.True(t, generic.IsInputError(&generic.MissingFieldError{Field: "policy"}))
	assert.True(t, generic.IsInputError(generic.ErrTooShort))
	assert.False(t, generic.IsInputError(generic.ErrBusy))

	assert.True(t, generic.IsReferenceError(&generic.UnknownReferenceError{Kind: generic.ErrUnknownVehicle, ID: "v9"}))
	assert.True(t, generic.IsRetryable(generic.ErrStaleCalculation))
	assert.False(t, generic.IsRetryable(generic.ErrDeclined))

	netErr := &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: "timeout", Err: context.DeadlineExceeded}
	assert.True(t, generic.IsProcessorError(netErr))
	assert.ErrorIs(t, netErr, context.DeadlineExceeded)
}
