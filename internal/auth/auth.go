package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type RevocationReason string

const (
	ReasonRotated       RevocationReason = "rotated"
	ReasonReuseDetected RevocationReason = "reuse_detected"
	ReasonLogout        RevocationReason = "logout"
	ReasonRevokeAll     RevocationReason = "revoke_all"
)

// RefreshToken is one stored member of a rotation family. Only the hash of the
// bearer token is ever kept.
type RefreshToken struct {
	ID            string
	UserID        string
	TokenHash     string
	FamilyID      string
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason RevocationReason
	ReplacedBy    *string
	LastUsedAt    *time.Time
	UserAgent     string
	IPAddress     string
	CreatedAt     time.Time
}

func (t *RefreshToken) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// ClientInfo describes the device presenting a token.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type Claims struct {
	Role     string `json:"role"`
	FamilyID string `json:"family,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string {
	return c.Subject
}
