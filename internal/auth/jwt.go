// Package auth verifies the bearer tokens WebSocket clients present in the
// in-band authenticate{} message. Token issuance lives upstream of the
// gateway, so only verification is implemented here.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the minimal claim set the gateway trusts.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTManager verifies HS256-signed tokens against a shared secret.
type JWTManager struct {
	secretKey []byte
}

// NewJWTManager builds a JWTManager. An empty secretKey disables
// verification entirely (Verify always fails), which the caller should
// treat as "WebSocket auth not configured" rather than silently accepting
// unauthenticated connections.
func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{secretKey: []byte(secretKey)}
}

// Verify validates tokenString and returns the userId and email it names,
// satisfying internal/hub.AuthVerifier. Email is optional in the token and
// returned as an empty string when absent.
func (m *JWTManager) Verify(tokenString string) (userID, email string, err error) {
	if len(m.secretKey) == 0 {
		return "", "", errors.New("websocket authentication is not configured")
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	)
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", "", errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		return "", "", errors.New("token missing userId claim")
	}

	return claims.UserID, claims.Email, nil
}
