// Package auth identifies the caller of a request. Principals arrive as
// HS256 JWTs issued by the host application; this package only parses them.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid principal token")
	ErrMissingClaim = errors.New("principal token missing subject or session")
)

// Principal is the authenticated caller. The zero value is anonymous.
type Principal struct {
	ID        string
	SessionID string
	Role      string
}

// Authenticated reports whether the principal carries an identity.
func (p Principal) Authenticated() bool {
	return p.ID != "" && p.SessionID != ""
}

func (p Principal) IsAdmin() bool {
	return p.Authenticated() && p.Role == RoleAdmin
}

// Fingerprint is the session binding placed into access tokens: the first
// 16 hex characters of SHA-256 over the session id. Empty for anonymous
// principals.
func (p Principal) Fingerprint() string {
	if p.SessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(p.SessionID))
	return hex.EncodeToString(sum[:])[:16]
}

// Claims are the JWT claims carried by a principal token.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
}

// GenerateToken signs a principal token valid for ttl.
func GenerateToken(p Principal, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: p.SessionID,
		Role:      p.Role,
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign principal token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a principal token and returns its principal.
func ParseToken(tokenString string, secret []byte) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return Principal{}, ErrMissingClaim
	}

	role := claims.Role
	if role == "" {
		role = RoleViewer
	}
	return Principal{ID: claims.Subject, SessionID: claims.SessionID, Role: role}, nil
}
