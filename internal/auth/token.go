// Package auth supplies bearer tokens for the sync server.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no token is available and none can be fetched
var ErrNoToken = errors.New("auth: no token available")

// TokenSource yields the bearer token to attach to outgoing requests
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token, typically loaded from configuration.
// An empty StaticToken disables authentication.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// expirySkew is how long before the exp claim a token counts as stale
const expirySkew = 30 * time.Second

// JWTSource caches a JWT and refreshes it through a callback when the exp
// claim is within the skew window. Safe for concurrent use.
type JWTSource struct {
	refresh func() (string, error)

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTSource builds a source around a refresh callback
func NewJWTSource(refresh func() (string, error)) *JWTSource {
	return &JWTSource{refresh: refresh}
}

func (s *JWTSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires.Add(-expirySkew)) {
		return s.token, nil
	}

	if s.refresh == nil {
		return "", ErrNoToken
	}
	token, err := s.refresh()
	if err != nil {
		return "", fmt.Errorf("auth: token refresh failed: %w", err)
	}

	expires, err := tokenExpiry(token)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = expires
	return token, nil
}

// tokenExpiry parses the exp claim without verifying the signature; the
// device only needs the expiry, validation is the server's job.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("auth: failed to parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("auth: token has no usable exp claim")
	}
	return exp.Time, nil
}
