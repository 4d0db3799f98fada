package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rental-engine/generic"
)

const secret = "test-secret-0123456789"

var issuedAt = time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)

func newIssuer(t *testing.T, now time.Time) *Issuer {
	t.Helper()
	i, err := NewIssuer(secret, "rental-engine", time.Hour)
	require.NoError(t, err)
	return i.WithClock(generic.FixedClock(now))
}

func TestIssueAndVerify(t *testing.T) {
	i := newIssuer(t, issuedAt)

	raw, exp, err := i.Issue("res-1", " Ana@Example.com ")
	require.NoError(t, err)
	assert.True(t, exp.Equal(issuedAt.Add(time.Hour)))

	claims, err := i.Verify("Bearer " + raw)
	require.NoError(t, err)
	assert.Equal(t, "res-1", claims.ReservationID())
	assert.Equal(t, "ana@example.com", claims.Email)

	creds, err := i.Authorize(raw, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", creds.Email)
	assert.Equal(t, raw, creds.Token)
}

func TestVerify_Rejections(t *testing.T) {
	i := newIssuer(t, issuedAt)
	raw, _, err := i.Issue("res-1", "ana@example.com")
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := newIssuer(t, issuedAt.Add(2*time.Hour))
		_, err := later.Verify(raw)
		assert.ErrorIs(t, err, generic.ErrUnauthorized)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("other reservation", func(t *testing.T) {
		_, err := i.Authorize(raw, "res-2")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewIssuer("another-secret-abcdef", "rental-engine", time.Hour)
		require.NoError(t, err)
		_, err = other.WithClock(generic.FixedClock(issuedAt)).Verify(raw)
		assert.ErrorIs(t, err, generic.ErrUnauthorized)
	})

	t.Run("tampered", func(t *testing.T) {
		parts := strings.Split(raw, ".")
		require.Len(t, parts, 3)
		_, err := i.Verify(parts[0] + "." + parts[1] + ".AAAA")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "res-1",
			"exp": issuedAt.Add(time.Hour).Unix(),
		})
		unsigned, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = i.Verify(unsigned)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := i.Verify("  ")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIssue_Validation(t *testing.T) {
	i := newIssuer(t, issuedAt)

	_, _, err := i.Issue("", "ana@example.com")
	assert.ErrorIs(t, err, generic.ErrMissingField)
	_, _, err = i.Issue("res-1", "")
	assert.ErrorIs(t, err, generic.ErrMissingField)

	_, err = NewIssuer("short", "x", time.Hour)
	assert.Error(t, err)
	_, err = NewIssuer(secret, "x", 0)
	assert.Error(t, err)
}
