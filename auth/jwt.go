// Package auth issues and verifies signed bearer tokens carrying the
// caller's username and role, and exposes the verified principal through the
// request context. It is the authentication collaborator for generated CRUD
// routes; the crud package itself only ever sees a role string.
package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/crudkit/crudkit/httpx"
)

// TokenData is the authenticated principal derived from a verified token.
type TokenData struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

var (
	ErrTokenExpired = fmt.Errorf("token has expired: %w", httpx.ErrUnauthorized)
	ErrTokenInvalid = fmt.Errorf("invalid token: %w", httpx.ErrUnauthorized)
	ErrMissingToken = fmt.Errorf("missing bearer token: %w", httpx.ErrUnauthorized)
)

type tokenClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTokens returns a token manager. ttl bounds how long issued tokens stay
// valid.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret is empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for the given principal.
func (t *Tokens) Issue(username, role string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a signed token and extracts its principal.
func (t *Tokens) Verify(tokenString string) (*TokenData, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := tok.Claims.(*tokenClaims)
	if !ok || !tok.Valid || claims.Username == "" {
		return nil, ErrTokenInvalid
	}
	return &TokenData{Username: claims.Username, Role: claims.Role}, nil
}
