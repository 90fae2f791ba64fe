// Package tokencodec reads claims out of access tokens without contacting the
// server. Signatures are not verified here; the backend remains the authority.
package tokencodec

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields of an access token the client relies on
type Claims struct {
	Subject   string
	FarmID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the JWT payload layout issued by the backend
type tokenClaims struct {
	FarmID string `json:"farm_id,omitempty"`
	jwt.RegisteredClaims
}

// schema is what a payload must carry to be usable
type schema struct {
	Subject   string `validate:"required"`
	IssuedAt  int64  `validate:"required,gt=0"`
	ExpiresAt int64  `validate:"required,gt=0"`
}

var (
	parser   = jwt.NewParser()
	validate = validator.New()
)

// Decode extracts claims from token. It reports false for anything that is not
// a well-formed JWT carrying subject, iat and exp.
func Decode(token string) (Claims, bool) {
	if token == "" {
		return Claims{}, false
	}

	var tc tokenClaims
	if _, _, err := parser.ParseUnverified(token, &tc); err != nil {
		return Claims{}, false
	}

	s := schema{Subject: tc.Subject}
	if tc.IssuedAt != nil {
		s.IssuedAt = tc.IssuedAt.Unix()
	}
	if tc.ExpiresAt != nil {
		s.ExpiresAt = tc.ExpiresAt.Unix()
	}
	if err := validate.Struct(s); err != nil {
		return Claims{}, false
	}

	return Claims{
		Subject:   s.Subject,
		FarmID:    tc.FarmID,
		IssuedAt:  time.Unix(s.IssuedAt, 0),
		ExpiresAt: time.Unix(s.ExpiresAt, 0),
	}, true
}

// IsExpired reports whether claims are no longer usable at now.
// A token expiring exactly at now is expired.
func IsExpired(c Claims, now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Valid decodes token and checks it against now
func Valid(token string, now time.Time) (Claims, bool) {
	c, ok := Decode(token)
	if !ok || IsExpired(c, now) {
		return c, false
	}
	return c, true
}

// Encode signs claims with HS256. The client never needs this; it backs the
// fake backend and tests.
func Encode(c Claims, secret []byte) (string, error) {
	tc := tokenClaims{
		FarmID: c.FarmID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(secret)
}
