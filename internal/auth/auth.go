// Package auth verifies the HS256 bearer tokens the external user
// service issues. The core never mints production tokens; it only
// checks the signature, expiry, and the (sub, role) claims, and makes
// the resulting principal available to handlers.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrForbidden    = errors.New("forbidden")
)

// Roles carried in the role claim.
const (
	RoleStudent  = "student"
	RoleSponsor  = "sponsor"
	RoleMerchant = "merchant"
	RoleAdmin    = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	ID   string
	Role string
}

// Verifier validates tokens against the shared HS256 secret.
type Verifier struct {
	secret []byte

	// Now is the verifier clock; tests replace it.
	Now func() time.Time
}

// NewVerifier creates a verifier over secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), Now: time.Now}
}

// Verify parses and validates a raw token string. Only HS256 is
// accepted; alg confusion attempts fail signature validation.
func (v *Verifier) Verify(raw string) (Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return v.Now() }))
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return Principal{}, ErrInvalidToken
	}
	switch role {
	case RoleStudent, RoleSponsor, RoleMerchant, RoleAdmin:
	default:
		return Principal{}, ErrInvalidToken
	}
	return Principal{ID: sub, Role: role}, nil
}

// Issue mints a token for principal p, valid for ttl. Used by tests and
// the development seed tooling; production tokens come from the user
// service.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  p.ID,
		"role": p.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}
