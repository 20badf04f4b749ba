package auth

import (
	"time"

	"crm-backend/internal/geo"
)

// Identity is the canonical user record used by every auth path, whichever
// identifier field the client logged in with.
type Identity struct {
	ID             string
	Email          string
	Username       string
	Name           string
	Role           string
	PasswordHash   string
	Active         bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
}

// ClientInfo describes the caller of an auth operation.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Session is one stored refresh token. The raw secret is never part of it.
type Session struct {
	ID                string
	IdentityID        string
	TokenHash         string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
	IP                string
	Device            string
	Location          *geo.Location
	CreatedAt         time.Time
}

// SessionOwner is a stored session joined with the identity that owns it.
type SessionOwner struct {
	Session  Session
	Identity Identity
}

type NewSession struct {
	IdentityID string
	IP         string
	Device     string
	Location   *geo.Location
}

// FailedAttempt is the identity's lock state right after a failure was
// recorded.
type FailedAttempt struct {
	FailedAttempts int
	LockedUntil    *time.Time
	JustLocked     bool
}

type Tokens struct {
	AccessToken         string `json:"access_token"`
	AccessTokenTTL      int64  `json:"access_token_ttl"`
	RefreshToken        string `json:"refresh_token"`
	RefreshTokenTTLDays int    `json:"refresh_token_ttl_days"`
	TokenType           string `json:"token_type"`
}

type LoginResult struct {
	Tokens   Tokens
	Identity Identity
	Session  Session
}

type LoginRequest struct {
	Identifier string
	Password   string
	Client     ClientInfo
}

// SessionView is the listing shape of a session. It carries no secret.
type SessionView struct {
	ID                string        `json:"id"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	AbsoluteExpiresAt time.Time     `json:"absolute_expires_at"`
	IP                string        `json:"ip_address"`
	Device            string        `json:"user_agent"`
	Location          *geo.Location `json:"location,omitempty"`
	IsCurrent         bool          `json:"is_current"`
}

type TokenStats struct {
	ActiveTokens  int64 `json:"active_tokens"`
	ExpiredTokens int64 `json:"expired_tokens"`
	ActiveUsers   int64 `json:"active_users"`
}
