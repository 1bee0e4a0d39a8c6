package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Minter signs HS256 tokens the server's jwt auth mode accepts.
type Minter struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewMinter returns a Minter for the server's shared secret and issuer.
func NewMinter(secret, issuer string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Minter{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Token returns a token whose subject is userID.
func (m *Minter) Token(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", userID, err)
	}
	return signed, nil
}
