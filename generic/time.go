package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// INSTANTS - Concrete pickup/dropoff points in time
// =============================================================================

// instantLayouts are tried in order. Inputs without a zone are read as UTC.
var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseInstant parses a pickup or dropoff instant.
// Anything that is not a real calendar date/time fails with ErrInvalidDate,
// including out-of-range components such as "2025-02-30T10:00".
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidDate)
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// FormatInstant renders an instant the way ParseInstant reads it back.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// =============================================================================
// CLOCK - Injectable "now"
// =============================================================================

// Clock returns the current instant. Services take one so tests can pin time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// Now calls c, falling back to the system clock when c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c()
}
