package auth

import (
	"context"
	"time"

	"crm-backend/internal/geo"
)

// IdentityRepository is the identity store as seen by login.
type IdentityRepository interface {
	// FindIdentity matches identifier case-insensitively against email and
	// username. It returns ErrIdentityNotFound when neither matches.
	FindIdentity(ctx context.Context, identifier string) (Identity, error)
	// RecordFailedAttempt increments the failure counter in one atomic
	// statement and locks the identity once the counter reaches maxAttempts.
	RecordFailedAttempt(ctx context.Context, identityID string, maxAttempts int, lockDuration time.Duration, now time.Time) (FailedAttempt, error)
	ResetFailedAttempts(ctx context.Context, identityID string, now time.Time) error
}

// SessionRepository persists refresh-token rows keyed by token hash.
type SessionRepository interface {
	InsertSession(ctx context.Context, session Session) error
	// FindSessionOwner returns ErrInvalidRefreshToken when no row matches.
	FindSessionOwner(ctx context.Context, tokenHash string) (SessionOwner, error)
	// DeleteSession returns the owning identity id, or "" if nothing was
	// deleted.
	DeleteSession(ctx context.Context, tokenHash string) (string, error)
	DeleteSessionsForIdentity(ctx context.Context, identityID string) (int64, error)
	DeleteDeviceSessions(ctx context.Context, identityID, device string, now time.Time) (int64, error)
	ListSessions(ctx context.Context, identityID string, now time.Time) ([]Session, error)
	UpdateSessionLocation(ctx context.Context, sessionID string, location geo.Location) error
	// ReplaceSession deletes the live row for oldHash and inserts the session
	// built by next from the deleted row's absolute expiry, in one
	// transaction. It returns ErrInvalidRefreshToken when no live row matched.
	ReplaceSession(ctx context.Context, oldHash, identityID string, now time.Time, next func(storedAbsolute time.Time) Session) (Session, error)
}
