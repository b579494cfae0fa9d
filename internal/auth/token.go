package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the claims carried by operator access tokens
type Claims struct {
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenInfo describes a token without vouching for it
type TokenInfo struct {
	Subject   string
	Username  string
	ExpiresAt time.Time // zero when the token has no expiry
}

// Expired reports whether the token expiry is before now
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && i.ExpiresAt.Before(now)
}

// Inspect decodes a JWT without verifying its signature. The client
// never holds the signing key; this only lets the CLI warn about
// tokens that have obviously expired.
func Inspect(tokenString string) (TokenInfo, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("failed to parse token: %w", err)
	}
	info := TokenInfo{Subject: claims.Subject, Username: claims.Username}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Issuer signs and verifies HS256 tokens for the development backend
type Issuer struct {
	secretKey []byte
	// TokenDuration is the lifetime of issued tokens
	TokenDuration time.Duration
}

// NewIssuer creates an Issuer for secret
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	return &Issuer{secretKey: []byte(secret), TokenDuration: 24 * time.Hour}, nil
}

// IssueToken creates a signed access token
func (is *Issuer) IssueToken(userID int64, username string, isAdmin bool) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("user_%d", userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(is.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(is.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its claims
func (is *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return is.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
