package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"crm-backend/internal/audit"
	"crm-backend/internal/background"
	"crm-backend/internal/geo"
	"crm-backend/internal/notify"
)

// memoryRepo mirrors the Postgres repository's semantics in memory. Every
// method holds the mutex for its whole body, which stands in for the single
// statement or transaction the real queries use.
type memoryRepo struct {
	mu         sync.Mutex
	identities map[string]*Identity
	sessions   map[string]Session

	failInsert       bool
	failDeviceDelete bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		identities: map[string]*Identity{},
		sessions:   map[string]Session{},
	}
}

func (m *memoryRepo) addIdentity(identity Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := identity
	m.identities[identity.ID] = &copied
}

func (m *memoryRepo) identity(id string) Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.identities[id]
}

func (m *memoryRepo) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[id].Active = active
}

func (m *memoryRepo) sessionByID(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.ID == id {
			return session, true
		}
	}
	return Session{}, false
}

func (m *memoryRepo) sessionCount(identityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, session := range m.sessions {
		if session.IdentityID == identityID {
			count++
		}
	}
	return count
}

func (m *memoryRepo) FindIdentity(_ context.Context, identifier string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if strings.EqualFold(identity.Email, identifier) || strings.EqualFold(identity.Username, identifier) {
			return *identity, nil
		}
	}
	return Identity{}, ErrIdentityNotFound
}

func (m *memoryRepo) RecordFailedAttempt(_ context.Context, identityID string, maxAttempts int, lockDuration time.Duration, now time.Time) (FailedAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return FailedAttempt{}, ErrIdentityNotFound
	}

	identity.FailedAttempts++
	justLocked := false
	if identity.FailedAttempts >= maxAttempts && (identity.LockedUntil == nil || !identity.LockedUntil.After(now)) {
		until := now.Add(lockDuration)
		identity.LockedUntil = &until
		justLocked = true
	}

	return FailedAttempt{
		FailedAttempts: identity.FailedAttempts,
		LockedUntil:    identity.LockedUntil,
		JustLocked:     justLocked,
	}, nil
}

func (m *memoryRepo) ResetFailedAttempts(_ context.Context, identityID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity := m.identities[identityID]
	identity.FailedAttempts = 0
	identity.LockedUntil = nil
	identity.LastLoginAt = &now
	return nil
}

func (m *memoryRepo) InsertSession(_ context.Context, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert {
		return errors.New("insert refresh token: connection reset")
	}
	m.sessions[session.TokenHash] = session
	return nil
}

func (m *memoryRepo) FindSessionOwner(_ context.Context, tokenHash string) (SessionOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[tokenHash]
	if !ok {
		return SessionOwner{}, ErrInvalidRefreshToken
	}
	return SessionOwner{Session: session, Identity: *m.identities[session.IdentityID]}, nil
}

func (m *memoryRepo) DeleteSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[tokenHash]
	if !ok {
		return "", nil
	}
	delete(m.sessions, tokenHash)
	return session.IdentityID, nil
}

func (m *memoryRepo) DeleteSessionsForIdentity(_ context.Context, identityID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for hash, session := range m.sessions {
		if session.IdentityID == identityID {
			delete(m.sessions, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memoryRepo) DeleteDeviceSessions(_ context.Context, identityID, device string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDeviceDelete {
		return 0, errors.New("delete device refresh tokens: timeout")
	}
	var deleted int64
	for hash, session := range m.sessions {
		if session.IdentityID == identityID && session.Device == device && session.ExpiresAt.After(now) {
			delete(m.sessions, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memoryRepo) ListSessions(_ context.Context, identityID string, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, session := range m.sessions {
		if session.IdentityID == identityID && session.ExpiresAt.After(now) && session.AbsoluteExpiresAt.After(now) {
			out = append(out, session)
		}
	}
	return out, nil
}

func (m *memoryRepo) UpdateSessionLocation(_ context.Context, sessionID string, location geo.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, session := range m.sessions {
		if session.ID == sessionID {
			copied := location
			session.Location = &copied
			m.sessions[hash] = session
		}
	}
	return nil
}

func (m *memoryRepo) ReplaceSession(_ context.Context, oldHash, identityID string, now time.Time, next func(storedAbsolute time.Time) Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.sessions[oldHash]
	if !ok || old.IdentityID != identityID || !old.ExpiresAt.After(now) || !old.AbsoluteExpiresAt.After(now) {
		return Session{}, ErrInvalidRefreshToken
	}
	delete(m.sessions, oldHash)

	session := next(old.AbsoluteExpiresAt)
	if m.failInsert {
		m.sessions[oldHash] = old
		return Session{}, errors.New("insert refresh token: connection reset")
	}
	m.sessions[session.TokenHash] = session
	return session, nil
}

var (
	_ IdentityRepository = (*memoryRepo)(nil)
	_ SessionRepository  = (*memoryRepo)(nil)
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (e *recordingEmitter) Emit(_ context.Context, event audit.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) types() []audit.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audit.EventType, 0, len(e.events))
	for _, event := range e.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.LockoutAlert
}

func (n *recordingNotifier) AccountLocked(_ context.Context, alert notify.LockoutAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      *Service
	repo     *memoryRepo
	emitter  *recordingEmitter
	notifier *recordingNotifier
	runner   *background.Runner
	clock    *testClock
	issuer   *TokenIssuer
	identity Identity
	password string
}

type envOption func(*ServiceDeps)

func withGeo(locator GeoLocator, anomalies AnomalyChecker) envOption {
	return func(deps *ServiceDeps) {
		deps.Geo = locator
		deps.Anomalies = anomalies
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	repo := newMemoryRepo()

	credentials, err := NewCredentialVerifier(bcrypt.MinCost)
	require.NoError(t, err)
	password := "correct horse battery staple"
	hash, err := credentials.Hash(password)
	require.NoError(t, err)

	identity := Identity{
		ID:           "0190f6a4-0000-7000-8000-000000000001",
		Email:        "agent@realty.example",
		Username:     "agent",
		Name:         "Jordan Agent",
		Role:         "agent",
		PasswordHash: hash,
		Active:       true,
	}
	repo.addIdentity(identity)

	issuer, err := NewTokenIssuer("test-secret", 15*time.Minute)
	require.NoError(t, err)
	issuer.now = clock.Now

	tokens := NewRefreshTokenStore(repo, 30*24*time.Hour, 90*24*time.Hour)
	tokens.now = clock.Now
	rotator := NewSessionRotator(repo, 30*24*time.Hour)
	rotator.now = clock.Now

	emitter := &recordingEmitter{}
	notifier := &recordingNotifier{}
	runner := background.NewRunner(zap.NewNop(), time.Second)

	deps := ServiceDeps{
		Identities:  repo,
		Credentials: credentials,
		LockGuard:   NewAccountLockGuard(repo, 5, 30*time.Minute),
		Tokens:      tokens,
		Rotator:     rotator,
		Devices:     NewDeviceSessionGuard(tokens, zap.NewNop()),
		Issuer:      issuer,
		Audit:       emitter,
		Notifier:    notifier,
		Runner:      runner,
		Logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc := NewService(deps)
	svc.now = clock.Now

	return &testEnv{
		svc:      svc,
		repo:     repo,
		emitter:  emitter,
		notifier: notifier,
		runner:   runner,
		clock:    clock,
		issuer:   issuer,
		identity: identity,
		password: password,
	}
}

var desktop = ClientInfo{IP: "203.0.113.10", UserAgent: "Mozilla/5.0 (Macintosh) Chrome/126"}

func (e *testEnv) login(t *testing.T, client ClientInfo) LoginResult {
	t.Helper()
	result, err := e.svc.Login(context.Background(), LoginRequest{
		Identifier: e.identity.Email,
		Password:   e.password,
		Client:     client,
	})
	require.NoError(t, err)
	return result
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, code, authErr.Code)
	return authErr
}
