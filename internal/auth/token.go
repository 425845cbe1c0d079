package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aidflow/aidflow/internal/shared"
)

// ErrInvalidToken indicates a missing, malformed, expired or foreign token.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT body.
type Claims struct {
	Role       shared.Role `json:"role"`
	FacilityID int64       `json:"facility_id,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens constructs Tokens. A zero ttl defaults to 12 hours.
func NewTokens(secret, issuer string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source used for issuing and verifying.
func (t *Tokens) WithClock(now func() time.Time) *Tokens {
	t.now = now
	return t
}

// Issue signs a token for actor.
func (t *Tokens) Issue(actor shared.Actor) (string, time.Time, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return "", time.Time{}, shared.Invalid("actor", "id and a known role are required")
	}
	now := t.now()
	expires := now.Add(t.ttl)
	claims := Claims{
		Role:       actor.Role,
		FacilityID: actor.FacilityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(actor.ID, 10),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Parse verifies raw and returns its actor.
func (t *Tokens) Parse(raw string) (shared.Actor, error) {
	var claims Claims
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now)}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return shared.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return shared.Actor{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return shared.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return shared.Actor{ID: id, Role: claims.Role, FacilityID: claims.FacilityID}, nil
}
