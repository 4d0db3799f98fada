package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rental-engine/generic"
)

func TestParseInstant_Layouts(t *testing.T) {
	want := time.Date(2025, time.May, 14, 12, 30, 0, 0, time.UTC)

	for _, in := range []string{
		"2025-05-14T12:30:00Z",
		"2025-05-14T14:30:00+02:00",
		"2025-05-14T12:30:00",
		"2025-05-14T12:30",
		"2025-05-14 12:30:00",
		"2025-05-14 12:30",
		"  2025-05-14T12:30  ",
	} {
		got, err := generic.ParseInstant(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), "%q parsed as %v", in, got)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestParseInstant_Invalid(t *testing.T) {
	for _, in := range []string{"", "tomorrow", "2025-02-30T10:00", "2025-13-01T10:00", "2025-05-14"} {
		_, err := generic.ParseInstant(in)
		if !errors.Is(err, generic.ErrInvalidDate) {
			t.Errorf("ParseInstant(%q): expected ErrInvalidDate, got %v", in, err)
		}
	}
}

func TestDateRange_Hours(t *testing.T) {
	r := generic.NewDateRange(
		time.Date(2025, time.May, 14, 12, 30, 0, 0, time.UTC),
		time.Date(2025, time.May, 18, 8, 30, 0, 0, time.UTC),
	)
	assert.True(t, r.Hours().Equal(decimal.NewFromInt(92)), "got %s", r.Hours())
	assert.Equal(t, int64(4), generic.BillableDays(r.Hours()))
}

func TestBillableDays(t *testing.T) {
	cases := []struct {
		hours string
		want  int64
	}{
		{"24", 1},
		{"25", 2},
		{"48", 2},
		{"0.5", 1},
		{"0", 0},
		{"-3", 0},
		{"720", 30},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, generic.BillableDays(decimal.RequireFromString(c.hours)), "hours=%s", c.hours)
	}
}

func TestDateRange_ContainsAndOverlaps(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, time.June, d, 10, 0, 0, 0, time.UTC) }
	r := generic.NewDateRange(day(1), day(5))

	assert.True(t, r.Contains(day(1)))
	assert.True(t, r.Contains(day(4)))
	assert.False(t, r.Contains(day(5)))

	assert.True(t, r.Overlaps(generic.NewDateRange(day(4), day(8))))
	assert.False(t, r.Overlaps(generic.NewDateRange(day(5), day(8))))
	assert.True(t, r.Equal(generic.NewDateRange(day(1), day(5))))
	assert.False(t, r.IsZero())
	assert.True(t, generic.DateRange{Pickup: day(1)}.IsZero())
}

func TestClock(t *testing.T) {
	fixed := time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, generic.FixedClock(fixed).Now())

	var nilClock generic.Clock
	assert.False(t, nilClock.Now().IsZero())
}
