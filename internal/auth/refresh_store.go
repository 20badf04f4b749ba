package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm-backend/internal/geo"
)

const (
	refreshSecretBytes     = 40
	defaultRefreshSliding  = 30 * 24 * time.Hour
	defaultRefreshAbsolute = 90 * 24 * time.Hour
)

// RefreshTokenStore issues, validates and revokes opaque refresh secrets.
// Only the sha256 of a secret is persisted.
type RefreshTokenStore struct {
	repo     SessionRepository
	sliding  time.Duration
	absolute time.Duration
	now      func() time.Time
}

func NewRefreshTokenStore(repo SessionRepository, sliding, absolute time.Duration) *RefreshTokenStore {
	if sliding <= 0 {
		sliding = defaultRefreshSliding
	}
	if absolute <= 0 {
		absolute = defaultRefreshAbsolute
	}
	if sliding > absolute {
		sliding = absolute
	}
	return &RefreshTokenStore{
		repo:     repo,
		sliding:  sliding,
		absolute: absolute,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *RefreshTokenStore) SlidingTTL() time.Duration {
	return s.sliding
}

// Create starts a new session chain and returns the raw secret once.
func (s *RefreshTokenStore) Create(ctx context.Context, input NewSession) (Session, string, error) {
	now := s.now().Truncate(time.Microsecond)
	creds, err := newCredentials()
	if err != nil {
		return Session{}, "", err
	}
	session := creds.session(input.IdentityID, input.IP, input.Device, input.Location, now, now.Add(s.sliding), now.Add(s.absolute))

	if err := s.repo.InsertSession(ctx, session); err != nil {
		return Session{}, "", err
	}
	return session, creds.secret, nil
}

// Validate returns the session and its identity when the secret exists,
// neither expiry has passed and the identity is active. Any other case is
// ErrInvalidRefreshToken.
func (s *RefreshTokenStore) Validate(ctx context.Context, secret string) (SessionOwner, error) {
	if secret == "" {
		return SessionOwner{}, ErrInvalidRefreshToken
	}

	owner, err := s.repo.FindSessionOwner(ctx, hashSecret(secret))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return SessionOwner{}, ErrInvalidRefreshToken
		}
		return SessionOwner{}, err
	}

	now := s.now()
	if !now.Before(owner.Session.ExpiresAt) || !now.Before(owner.Session.AbsoluteExpiresAt) || !owner.Identity.Active {
		return SessionOwner{}, ErrInvalidRefreshToken
	}
	return owner, nil
}

// Delete removes the session for secret. Deleting an unknown secret is not
// an error and yields an empty identity id.
func (s *RefreshTokenStore) Delete(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	return s.repo.DeleteSession(ctx, hashSecret(secret))
}

func (s *RefreshTokenStore) DeleteAllForIdentity(ctx context.Context, identityID string) (int64, error) {
	return s.repo.DeleteSessionsForIdentity(ctx, identityID)
}

func (s *RefreshTokenStore) DeleteStaleForDevice(ctx context.Context, identityID, device string) (int64, error) {
	return s.repo.DeleteDeviceSessions(ctx, identityID, device, s.now())
}

func (s *RefreshTokenStore) ListActive(ctx context.Context, identityID string) ([]Session, error) {
	return s.repo.ListSessions(ctx, identityID, s.now())
}

func (s *RefreshTokenStore) UpdateLocation(ctx context.Context, sessionID string, location geo.Location) error {
	return s.repo.UpdateSessionLocation(ctx, sessionID, location)
}

type sessionCredentials struct {
	id     string
	secret string
}

func newCredentials() (sessionCredentials, error) {
	secret, err := randomToken(refreshSecretBytes)
	if err != nil {
		return sessionCredentials{}, fmt.Errorf("generate refresh token: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return sessionCredentials{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	return sessionCredentials{id: id.String(), secret: secret}, nil
}

func (c sessionCredentials) session(identityID, ip, device string, location *geo.Location, now, expiresAt, absoluteExpiresAt time.Time) Session {
	if expiresAt.After(absoluteExpiresAt) {
		expiresAt = absoluteExpiresAt
	}

	return Session{
		ID:                c.id,
		IdentityID:        identityID,
		TokenHash:         hashSecret(c.secret),
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
		IP:                ip,
		Device:            device,
		Location:          location,
		CreatedAt:         now,
	}
}

func hashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}
