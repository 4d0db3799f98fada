package rental_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

func TestValidateDateRange_EqualInstants(t *testing.T) {
	_, err := rental.ValidateDateRange(testPickup, testPickup, testNow, 24)
	if !errors.Is(err, generic.ErrInvertedRange) {
		t.Fatalf("expected INVERTED_RANGE, got %v", err)
	}
}

func TestValidateDateRange_CheckOrder(t *testing.T) {
	past := testNow.Add(-time.Hour)

	cases := []struct {
		name    string
		pickup  time.Time
		dropoff time.Time
		minH    float64
		want    error
	}{
		{"zero pickup", time.Time{}, testDropoff, 24, generic.ErrInvalidDate},
		{"zero dropoff", testPickup, time.Time{}, 24, generic.ErrInvalidDate},
		{"pickup in the past", past, testDropoff, 24, generic.ErrPastDate},
		{"pickup equals now", testNow, testDropoff, 24, generic.ErrPastDate},
		{"past wins over inverted", past, past.Add(-time.Hour), 24, generic.ErrPastDate},
		{"inverted", testDropoff, testPickup, 24, generic.ErrInvertedRange},
		{"23 hours", testPickup, testPickup.Add(23 * time.Hour), 24, generic.ErrTooShort},
		{"default minimum applies", testPickup, testPickup.Add(23 * time.Hour), 0, generic.ErrTooShort},
		{"custom minimum", testPickup, testPickup.Add(30 * time.Hour), 48, generic.ErrTooShort},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := rental.ValidateDateRange(c.pickup, c.dropoff, testNow, c.minH)
			assert.ErrorIs(t, err, c.want)
			assert.True(t, generic.IsInputError(err))
		})
	}
}

func TestValidateDateRange_ExactMinimumPasses(t *testing.T) {
	res, err := rental.ValidateDateRange(testPickup, testPickup.Add(24*time.Hour), testNow, 24)
	require.NoError(t, err)
	assert.True(t, res.Hours.Equal(dec("24")))
	assert.Empty(t, res.Warnings)
}

func TestValidateDateRange_HoursForScenarioA(t *testing.T) {
	res, err := rental.ValidateDateRange(testPickup, testDropoff, testNow, 24)
	require.NoError(t, err)
	assert.True(t, res.Hours.Equal(dec("92")), "hours = %s", res.Hours)
	assert.Equal(t, int64(4), generic.BillableDays(res.Hours))
}

func TestValidateDateRange_Warnings(t *testing.T) {
	soon := testNow.Add(90 * time.Minute)
	res, err := rental.ValidateDateRange(soon, soon.Add(48*time.Hour), testNow, 24)
	require.NoError(t, err, "near-term pickup is a warning, not a failure")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, rental.WarningNearTermPickup, res.Warnings[0].Code)

	res, err = rental.ValidateDateRange(testPickup, testPickup.Add(31*24*time.Hour), testNow, 24)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, rental.WarningLongRental, res.Warnings[0].Code)

	res, err = rental.ValidateDateRange(testPickup, testPickup.Add(30*24*time.Hour), testNow, 24)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings, "exactly 30 days is not a long rental")
}

func TestValidateDateRange_Pure(t *testing.T) {
	pickup := testNow.Add(time.Hour)
	first, err1 := rental.ValidateDateRange(pickup, pickup.Add(40*24*time.Hour), testNow, 24)
	second, err2 := rental.ValidateDateRange(pickup, pickup.Add(40*24*time.Hour), testNow, 24)

	assert.Equal(t, err1, err2)
	assert.Equal(t, first, second)

	_, err1 = rental.ValidateDateRange(testPickup, testPickup, testNow, 24)
	_, err2 = rental.ValidateDateRange(testPickup, testPickup, testNow, 24)
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestValidateInstantStrings(t *testing.T) {
	res, err := rental.ValidateInstantStrings("2025-05-14T12:30:00", "2025-05-18T08:30:00", testNow, 24)
	require.NoError(t, err)
	assert.True(t, res.Hours.Equal(dec("92")))

	_, err = rental.ValidateInstantStrings("2025-05-14T12:30:00", "not a date", testNow, 24)
	assert.ErrorIs(t, err, generic.ErrInvalidDate)

	_, err = rental.ValidateInstantStrings("2025-02-30T10:00", "2025-03-05T10:00", testNow, 24)
	assert.ErrorIs(t, err, generic.ErrInvalidDate)
}

func TestDateRangeValidator_UsesClock(t *testing.T) {
	v := &rental.DateRangeValidator{Clock: generic.FixedClock(testPickup.Add(time.Hour))}
	_, err := v.Validate(testPickup, testDropoff)
	assert.ErrorIs(t, err, generic.ErrPastDate)

	v.Clock = generic.FixedClock(testNow)
	_, err = v.Validate(testPickup, testDropoff)
	assert.NoError(t, err)
}
