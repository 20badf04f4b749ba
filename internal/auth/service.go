package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crm-backend/internal/audit"
	"crm-backend/internal/background"
	"crm-backend/internal/geo"
	"crm-backend/internal/notify"
)

type loginStage string

const (
	stageValidatingInput   loginStage = "validating_input"
	stageLookingUpIdentity loginStage = "looking_up_identity"
	stageCheckingActive    loginStage = "checking_active"
	stageCheckingLock      loginStage = "checking_lock"
	stageVerifyingPassword loginStage = "verifying_password"
	stageRecordingFailure  loginStage = "recording_failure"
	stageIssuingTokens     loginStage = "issuing_tokens"
)

const (
	MethodPassword = "password"
	MethodOAuth    = "oauth"
)

type GeoLocator interface {
	Lookup(ctx context.Context, ip string) *geo.Location
	Cached(ctx context.Context, ip string) *geo.Location
}

type AnomalyChecker interface {
	Check(ctx context.Context, login geo.Login) (geo.Assessment, error)
}

type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event)
}

type LockoutNotifier interface {
	AccountLocked(ctx context.Context, alert notify.LockoutAlert) error
}

// TaskRunner runs fire-and-forget work off the request path.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type IdentityUpserter interface {
	UpsertIdentity(ctx context.Context, identity Identity) (string, error)
}

type ServiceDeps struct {
	Identities  IdentityRepository
	Credentials *CredentialVerifier
	LockGuard   *AccountLockGuard
	Tokens      *RefreshTokenStore
	Rotator     *SessionRotator
	Devices     *DeviceSessionGuard
	Issuer      *TokenIssuer

	Geo       GeoLocator
	Anomalies AnomalyChecker
	Audit     AuditEmitter
	Notifier  LockoutNotifier
	Runner    TaskRunner
	Logger    *zap.Logger
}

// Service orchestrates login, refresh, logout and session listing.
type Service struct {
	identities  IdentityRepository
	credentials *CredentialVerifier
	lockGuard   *AccountLockGuard
	tokens      *RefreshTokenStore
	rotator     *SessionRotator
	devices     *DeviceSessionGuard
	issuer      *TokenIssuer
	geo         GeoLocator
	anomalies   AnomalyChecker
	audit       AuditEmitter
	notifier    LockoutNotifier
	runner      TaskRunner
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(deps ServiceDeps) *Service {
	s := &Service{
		identities:  deps.Identities,
		credentials: deps.Credentials,
		lockGuard:   deps.LockGuard,
		tokens:      deps.Tokens,
		rotator:     deps.Rotator,
		devices:     deps.Devices,
		issuer:      deps.Issuer,
		geo:         deps.Geo,
		anomalies:   deps.Anomalies,
		audit:       deps.Audit,
		notifier:    deps.Notifier,
		runner:      deps.Runner,
		logger:      deps.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.audit == nil {
		s.audit = nopEmitter{}
	}
	if s.runner == nil {
		s.runner = background.NewRunner(s.logger, 0)
	}
	return s
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	identifier := strings.TrimSpace(req.Identifier)
	password := req.Password

	stage := stageValidatingInput
	if identifier == "" || password == "" {
		return LoginResult{}, errMissingCredentials()
	}

	now := s.now()

	stage = stageLookingUpIdentity
	identity, err := s.identities.FindIdentity(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			s.credentials.VerifyUnknown(password)
			s.emit(ctx, s.loginEvent(audit.EventLoginFailed, Identity{Email: identifier}, req.Client).
				WithMetadata("reason", "unknown_identifier"))
			return LoginResult{}, errInvalidCredentials()
		}
		return LoginResult{}, s.internal(stage, identifier, err)
	}

	stage = stageCheckingActive
	if !identity.Active {
		s.emit(ctx, s.loginEvent(audit.EventLoginFailed, identity, req.Client).
			WithMetadata("reason", "account_disabled"))
		return LoginResult{}, errAccountDisabled()
	}

	stage = stageCheckingLock
	if err := s.lockGuard.CheckAllowed(identity, now); err != nil {
		event := s.loginEvent(audit.EventLoginWhileLocked, identity, req.Client).
			WithMetadata("locked_until", identity.LockedUntil)
		s.emit(ctx, event)
		return LoginResult{}, err
	}

	stage = stageVerifyingPassword
	if !s.credentials.Verify(password, identity.PasswordHash) {
		stage = stageRecordingFailure
		attempt, err := s.lockGuard.OnFailure(ctx, identity, now)
		if err != nil {
			return LoginResult{}, s.internal(stage, identifier, err)
		}

		s.emit(ctx, s.loginEvent(audit.EventLoginFailed, identity, req.Client).
			WithMetadata("reason", "invalid_password").
			WithMetadata("failed_attempts", attempt.FailedAttempts))
		if attempt.JustLocked && attempt.LockedUntil != nil {
			s.onAccountLocked(ctx, identity, attempt, req.Client, now)
		}
		return LoginResult{}, errInvalidCredentials()
	}

	stage = stageIssuingTokens
	if err := s.lockGuard.OnSuccess(ctx, identity, now); err != nil {
		return LoginResult{}, s.internal(stage, identifier, err)
	}

	result, err := s.StartSession(ctx, identity, req.Client, MethodPassword)
	if err != nil {
		return LoginResult{}, s.internal(stage, identifier, err)
	}
	return result, nil
}

// StartSession issues a token pair for an identity that has already been
// authenticated, by password or by an external sign-in provider.
func (s *Service) StartSession(ctx context.Context, identity Identity, client ClientInfo, method string) (LoginResult, error) {
	if !identity.Active {
		return LoginResult{}, errAccountDisabled()
	}

	s.devices.BeforeNewSession(ctx, identity.ID, client.UserAgent, client.IP)

	location := s.cachedLocation(ctx, client.IP)
	session, secret, err := s.tokens.Create(ctx, NewSession{
		IdentityID: identity.ID,
		IP:         client.IP,
		Device:     client.UserAgent,
		Location:   location,
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("create refresh token: %w", err)
	}

	tokens, err := s.tokenPair(identity, secret)
	if err != nil {
		return LoginResult{}, err
	}

	s.emit(ctx, s.loginEvent(audit.EventLoginSuccess, identity, client).
		WithMetadata("method", method).
		WithMetadata("session_id", session.ID))
	s.afterLogin(identity, session, client)

	return LoginResult{Tokens: tokens, Identity: identity, Session: session}, nil
}

func (s *Service) Refresh(ctx context.Context, secret string, client ClientInfo) (LoginResult, error) {
	secret = strings.TrimSpace(secret)

	owner, err := s.tokens.Validate(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.emit(ctx, s.sessionEvent(audit.EventTokenRefreshFailed, "", client))
			return LoginResult{}, errInvalidRefreshToken()
		}
		return LoginResult{}, fmt.Errorf("validate refresh token: %w", err)
	}

	session, newSecret, err := s.rotator.Rotate(ctx, RotateRequest{
		OldSecret:               secret,
		IdentityID:              owner.Identity.ID,
		IP:                      client.IP,
		Device:                  client.UserAgent,
		Location:                s.cachedLocation(ctx, client.IP),
		PreservedAbsoluteExpiry: owner.Session.AbsoluteExpiresAt,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.emit(ctx, s.sessionEvent(audit.EventTokenRefreshFailed, owner.Identity.ID, client).
				WithMetadata("reason", "already_rotated"))
			return LoginResult{}, errInvalidRefreshToken()
		}
		return LoginResult{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	tokens, err := s.tokenPair(owner.Identity, newSecret)
	if err != nil {
		return LoginResult{}, err
	}

	s.emit(ctx, s.sessionEvent(audit.EventTokenRefresh, owner.Identity.ID, client).
		WithMetadata("session_id", session.ID))

	return LoginResult{Tokens: tokens, Identity: owner.Identity, Session: session}, nil
}

// Logout deletes the session for secret. A missing or unknown secret is a
// successful no-op. caller may be nil.
func (s *Service) Logout(ctx context.Context, secret string, client ClientInfo, caller *AccessClaims) error {
	secret = strings.TrimSpace(secret)

	identityID, err := s.tokens.Delete(ctx, secret)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	if identityID == "" && caller != nil {
		identityID = caller.ID
	}

	if identityID != "" {
		s.emit(ctx, s.sessionEvent(audit.EventLogout, identityID, client))
	}
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, identityID string, client ClientInfo) (int64, error) {
	deleted, err := s.tokens.DeleteAllForIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("delete identity refresh tokens: %w", err)
	}

	s.emit(ctx, s.sessionEvent(audit.EventLogoutAll, identityID, client).
		WithMetadata("sessions_revoked", deleted))
	return deleted, nil
}

// Sessions lists the identity's live sessions, flagging the one that
// currentSecret belongs to.
func (s *Service) Sessions(ctx context.Context, identityID, currentSecret string) ([]SessionView, error) {
	sessions, err := s.tokens.ListActive(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}

	currentHash := ""
	if currentSecret = strings.TrimSpace(currentSecret); currentSecret != "" {
		currentHash = hashSecret(currentSecret)
	}

	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, SessionView{
			ID:                session.ID,
			CreatedAt:         session.CreatedAt,
			ExpiresAt:         session.ExpiresAt,
			AbsoluteExpiresAt: session.AbsoluteExpiresAt,
			IP:                session.IP,
			Device:            session.Device,
			Location:          session.Location,
			IsCurrent:         currentHash != "" && session.TokenHash == currentHash,
		})
	}
	return views, nil
}

// BootstrapAdmin creates or updates the administrator account from
// configuration. Both email and password must be set, or neither.
func (s *Service) BootstrapAdmin(ctx context.Context, upserter IdentityUpserter, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := s.credentials.Hash(password)
	if err != nil {
		return err
	}

	username := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		username = email[:at]
	}
	id, err := upserter.UpsertIdentity(ctx, Identity{
		Email:        email,
		Username:     username,
		Name:         "Administrator",
		Role:         "admin",
		PasswordHash: hash,
	})
	if err != nil {
		return err
	}

	s.logger.Info("admin_bootstrapped", zap.String("user_id", id))
	return nil
}

func (s *Service) tokenPair(identity Identity, secret string) (Tokens, error) {
	access, ttl, err := s.issuer.Issue(AccessClaims{
		ID:    identity.ID,
		Email: identity.Email,
		Role:  identity.Role,
	})
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:         access,
		AccessTokenTTL:      int64(ttl.Seconds()),
		RefreshToken:        secret,
		RefreshTokenTTLDays: int(s.tokens.SlidingTTL() / (24 * time.Hour)),
		TokenType:           "Bearer",
	}, nil
}

func (s *Service) onAccountLocked(ctx context.Context, identity Identity, attempt FailedAttempt, client ClientInfo, now time.Time) {
	until := *attempt.LockedUntil
	s.emit(ctx, s.loginEvent(audit.EventAccountLocked, identity, client).
		WithMetadata("failed_attempts", attempt.FailedAttempts).
		WithMetadata("locked_until", until))

	if s.notifier == nil {
		return
	}
	alert := notify.LockoutAlert{
		UserID:           identity.ID,
		Email:            identity.Email,
		Name:             identity.Name,
		FailedAttempts:   attempt.FailedAttempts,
		IP:               client.IP,
		UserAgent:        client.UserAgent,
		LockedUntil:      until,
		MinutesRemaining: minutesRemaining(until, now),
		OccurredAt:       now,
	}
	s.runner.Go("lockout_alert", func(ctx context.Context) error {
		return s.notifier.AccountLocked(ctx, alert)
	})
}

// afterLogin enriches the new session with its location and runs the geo
// anomaly check, both in the background.
func (s *Service) afterLogin(identity Identity, session Session, client ClientInfo) {
	if s.geo == nil {
		return
	}

	s.runner.Go("login_geo", func(ctx context.Context) error {
		if session.Location == nil {
			if location := s.geo.Lookup(ctx, client.IP); location != nil && !location.IsLocal {
				if err := s.tokens.UpdateLocation(ctx, session.ID, *location); err != nil {
					s.logger.Warn("session_geo_update_failed", zap.String("session_id", session.ID), zap.Error(err))
				}
			}
		}

		if s.anomalies == nil {
			return nil
		}
		_, err := s.anomalies.Check(ctx, geo.Login{
			UserID:    identity.ID,
			Email:     identity.Email,
			IP:        client.IP,
			UserAgent: client.UserAgent,
		})
		return err
	})
}

func (s *Service) cachedLocation(ctx context.Context, ip string) *geo.Location {
	if s.geo == nil {
		return nil
	}
	location := s.geo.Cached(ctx, ip)
	if location == nil || location.IsLocal {
		return nil
	}
	return location
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	s.audit.Emit(context.WithoutCancel(ctx), event)
}

func (s *Service) loginEvent(eventType audit.EventType, identity Identity, client ClientInfo) audit.Event {
	event := audit.NewEvent(eventType)
	event.UserID = identity.ID
	event.Email = identity.Email
	event.IP = client.IP
	event.UserAgent = client.UserAgent
	return event
}

func (s *Service) sessionEvent(eventType audit.EventType, identityID string, client ClientInfo) audit.Event {
	event := audit.NewEvent(eventType)
	event.UserID = identityID
	event.IP = client.IP
	event.UserAgent = client.UserAgent
	return event
}

func (s *Service) internal(stage loginStage, identifier string, err error) error {
	s.logger.Error("login_failed",
		zap.String("stage", string(stage)),
		zap.String("identifier", identifier),
		zap.Error(err),
	)
	return fmt.Errorf("login %s: %w", stage, err)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, audit.Event) {}
