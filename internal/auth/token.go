// Package auth issues and verifies the signed tokens that identify users and
// recommendation systems. Recsystem tokens additionally embed the recsystem's
// rotating token_id nonce; rotating it invalidates every previously issued
// token without touching the signing key.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in token claims.
const (
	RoleUser      = "user"
	RoleRecsystem = "recsystem"
)

// Claims are the token claims the backend understands. Subject is the user or
// recsystem ID.
type Claims struct {
	Role    string `json:"role"`
	TokenID string `json:"token_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs and verifies tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner builds a signer. An empty secret is refused at construction so a
// misconfigured deployment fails at startup instead of issuing forgeable
// tokens.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign issues a token for subject with the given role. tokenID may be empty
// for user tokens.
func (s *Signer) Sign(subject, role, tokenID string) (string, error) {
	claims := Claims{
		Role:    role,
		TokenID: tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", subject, err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}
