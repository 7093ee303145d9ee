package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Role  string `json:"role,omitempty"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// NewClaims builds claims for sub valid for ttl; ttl <= 0 means no expiry.
func NewClaims(sub, role, scope string, ttl time.Duration) *Claims {
	now := time.Now()
	c := &Claims{Role: role, Scope: scope, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:   "qhistdb",
		Subject:  sub,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return c
}

func SignHS256(c *Claims, key []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
}

func VerifyHS256(token string, key []byte) (*Claims, error) {
	if len(key) == 0 {
		return nil, errors.New("no signing key configured")
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return &c, nil
}
