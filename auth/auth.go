package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Auth issues and verifies the HMAC-signed tokens that identify WebSocket
// clients. There is no user store behind this; the subject claim is taken as
// the client identity.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token for the given client ID.
func (a *Auth) Issue(clientID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": clientID,
		"exp": now.Add(a.ttl).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signedToken, nil
}

// Verify parses the token and returns the client ID it identifies.
func (a *Auth) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	clientID, ok := claims["sub"].(string)
	if !ok || clientID == "" {
		return "", ErrInvalidToken
	}
	return clientID, nil
}
