// internal/auth/session.go
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthDisabled is returned by CreateToken when the signer has no secret.
var ErrAuthDisabled = errors.New("store credentials are disabled")

// Claims are the store credential claims. "ro" marks a read-only client.
type Claims struct {
	ReadOnly bool `json:"ro,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 store credentials. A Signer with an empty
// secret is disabled: the store is open and every connection is accepted.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner returns a Signer for secret. A zero ttl issues tokens without exp.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether connections must present a credential.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// CreateToken signs a credential for subject.
func (s *Signer) CreateToken(subject string, readOnly bool) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	claims := Claims{
		ReadOnly: readOnly,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Authenticate verifies token and returns its claims.
func (s *Signer) Authenticate(token string) (*Claims, error) {
	if !s.Enabled() {
		return &Claims{}, nil
	}
	if token == "" {
		return nil, errors.New("missing token")
	}
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
