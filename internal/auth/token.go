// Package auth issues and validates session tokens and drives the Twitch
// OAuth login flow.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "jwt"

var (
	// ErrTokenInvalid reports a token that failed signature or claim checks.
	ErrTokenInvalid = errors.New("invalid session token")
	// ErrTokenExpired reports a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("session token expired")
)

// TokenConfig holds the HMAC key and lifetime for session tokens.
type TokenConfig struct {
	Key []byte
	TTL time.Duration
}

type sessionClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// EncodeSession signs a session token for the given user id.
func EncodeSession(cfg TokenConfig, userID string) (string, error) {
	if len(cfg.Key) == 0 {
		return "", fmt.Errorf("session token key required")
	}
	now := time.Now()
	claims := sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// DecodeSession validates the token and returns the user id it carries.
func DecodeSession(cfg TokenConfig, raw string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.Key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !token.Valid || claims.UserID == "" {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}
