// Package auth verifies bearer tokens on mutating routes. Token issuance
// and user management live outside this service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 signatures and expiry. A verifier without a
// secret is disabled and accepts every request.
type TokenVerifier struct {
	secretKey []byte
}

func NewTokenVerifier(secretKey string) *TokenVerifier {
	return &TokenVerifier{secretKey: []byte(secretKey)}
}

func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.secretKey) > 0
}

// Verify validates and parses a bearer token
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Issue signs a token for subject; used by operators' tooling and tests.
func (v *TokenVerifier) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "fieldpoll",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
