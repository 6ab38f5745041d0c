package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User represents a storefront or admin account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Role groups permissions under a stable identifier.
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a fine-grained capability.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// Assignment gives a user a role.
type Assignment struct {
	UserID    string
	RoleID    string
	CreatedAt time.Time
}

// Session represents one authenticated device or browser context.
// RevokedAt is nil while the session has not been explicitly revoked.
type Session struct {
	ID                string
	UserID            string
	RefreshSecretHash string
	Fingerprint       string
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the session may still back token issuance at the
// given instant. Revocation and expiry are both terminal.
func (s *Session) Active(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// RoleClaim is the role shape embedded into tokens at mint time.
type RoleClaim struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Token type discriminator carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the payload carried by both access and refresh tokens.
// Refresh tokens additionally carry the opaque secret whose hash is stored
// on the session row; access tokens leave Secret empty.
type Claims struct {
	SessionID   string      `json:"sid"`
	Roles       []RoleClaim `json:"roles,omitempty"`
	Permissions []string    `json:"permissions,omitempty"`
	TokenType   string      `json:"token_type"`
	Secret      string      `json:"secret,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair bundles a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
