// Package auth issues and verifies the bearer tokens that authenticate
// ingest connections and control-plane requests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenRequired = errors.New("auth: token required")
	ErrTokenInvalid  = errors.New("auth: token invalid")
)

// TokenService signs and verifies HMAC tokens scoped to a profile.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// Claims carries the profile identity embedded in a token.
type Claims struct {
	ProfileID string `json:"profileId"`
	jwt.RegisteredClaims
}

// NewTokenService builds a token service. TTL bounds how long issued tokens
// stay valid; zero falls back to one hour.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{secret: []byte(trimmed), ttl: ttl}, nil
}

// Issue mints a token for the given profile.
func (s *TokenService) Issue(profileID string) (string, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return "", errors.New("auth: profile id is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		ProfileID: profileID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profileID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the profile it was issued for.
func (s *TokenService) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenRequired
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrTokenInvalid
	}
	profileID := strings.TrimSpace(claims.ProfileID)
	if profileID == "" {
		profileID = strings.TrimSpace(claims.Subject)
	}
	if profileID == "" {
		return "", ErrTokenInvalid
	}
	return profileID, nil
}
