package auth

import (
	"context"
	"time"

	"crm-backend/internal/geo"
)

type RotateRequest struct {
	OldSecret  string
	IdentityID string
	IP         string
	Device     string
	Location   *geo.Location
	// PreservedAbsoluteExpiry is the chain's hard cap as the caller last saw
	// it. When zero, the cap stored on the row being replaced is used.
	PreservedAbsoluteExpiry time.Time
}

// SessionRotator swaps a refresh secret for a new one in a single
// transaction, keeping the chain's absolute expiry.
type SessionRotator struct {
	repo    SessionRepository
	sliding time.Duration
	now     func() time.Time
}

func NewSessionRotator(repo SessionRepository, sliding time.Duration) *SessionRotator {
	if sliding <= 0 {
		sliding = defaultRefreshSliding
	}
	return &SessionRotator{
		repo:    repo,
		sliding: sliding,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Rotate deletes the old session and inserts its replacement. Exactly one of
// several concurrent rotations of the same secret succeeds; the others get
// ErrInvalidRefreshToken. On any failure the old secret stays valid.
func (r *SessionRotator) Rotate(ctx context.Context, req RotateRequest) (Session, string, error) {
	if req.OldSecret == "" {
		return Session{}, "", ErrInvalidRefreshToken
	}

	creds, err := newCredentials()
	if err != nil {
		return Session{}, "", err
	}

	now := r.now().Truncate(time.Microsecond)
	session, err := r.repo.ReplaceSession(ctx, hashSecret(req.OldSecret), req.IdentityID, now, func(storedAbsolute time.Time) Session {
		absolute := storedAbsolute
		if !req.PreservedAbsoluteExpiry.IsZero() && req.PreservedAbsoluteExpiry.Before(absolute) {
			absolute = req.PreservedAbsoluteExpiry.UTC()
		}
		return creds.session(req.IdentityID, req.IP, req.Device, req.Location, now, now.Add(r.sliding), absolute)
	})
	if err != nil {
		return Session{}, "", err
	}

	return session, creds.secret, nil
}
