/*
token.go - Reservation access tokens

PURPOSE:
  A customer proves ownership of a reservation once, with its number and
  the booking email, and receives a short-lived bearer token. Later
  requests carry the token instead of the email.

CLAIMS:
  sub    reservation id
  email  booking email, lower-cased
  iss    configured issuer
  iat    issue time
  exp    iat + TTL

  Tokens are HS256. Any other signing method is rejected.

SEE ALSO:
  - api/handlers.go: POST /api/reservations/access issues, every
    reservation-scoped route verifies
  - rental.Credentials: what a verified token becomes
*/
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// ErrInvalidToken wraps generic.ErrUnauthorized so callers can map it to 401.
var ErrInvalidToken = fmt.Errorf("invalid access token: %w", generic.ErrUnauthorized)

// Claims is the JWT payload of a reservation access token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ReservationID returns the subject.
func (c *Claims) ReservationID() string { return c.Subject }

// Credentials converts verified claims into the core's credential form.
func (c *Claims) Credentials(raw string) rental.Credentials {
	return rental.Credentials{Email: c.Email, Token: raw}
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  generic.Clock
}

func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: ttl must be positive")
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: generic.SystemClock}, nil
}

// WithClock replaces the time source.
func (i *Issuer) WithClock(clock generic.Clock) *Issuer {
	i.clock = clock
	return i
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a signed token for the reservation and its expiry.
func (i *Issuer) Issue(reservationID, email string) (string, time.Time, error) {
	if reservationID == "" {
		return "", time.Time{}, &generic.MissingFieldError{Field: "reservation_id"}
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", time.Time{}, &generic.MissingFieldError{Field: "email"}
	}

	now := i.clock.Now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reservationID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses raw and checks signature, issuer and expiry.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.issuer))
	}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidToken)
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize verifies raw and checks it was issued for reservationID.
func (i *Issuer) Authorize(raw, reservationID string) (rental.Credentials, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return rental.Credentials{}, err
	}
	if claims.Subject != reservationID {
		return rental.Credentials{}, fmt.Errorf("token issued for another reservation: %w", ErrInvalidToken)
	}
	return claims.Credentials(raw), nil
}
