package auth

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 30 * time.Minute
)

// AccountLockGuard tracks consecutive failed logins per identity and
// refuses logins while a lock window is active.
type AccountLockGuard struct {
	repo         IdentityRepository
	maxAttempts  int
	lockDuration time.Duration
}

func NewAccountLockGuard(repo IdentityRepository, maxAttempts int, lockDuration time.Duration) *AccountLockGuard {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if lockDuration <= 0 {
		lockDuration = defaultLockWindow
	}
	return &AccountLockGuard{repo: repo, maxAttempts: maxAttempts, lockDuration: lockDuration}
}

// CheckAllowed returns an ACCOUNT_LOCKED error while identity is locked.
func (g *AccountLockGuard) CheckAllowed(identity Identity, now time.Time) error {
	if identity.LockedUntil != nil && now.Before(*identity.LockedUntil) {
		return errAccountLocked(*identity.LockedUntil, now)
	}
	return nil
}

func (g *AccountLockGuard) OnFailure(ctx context.Context, identity Identity, now time.Time) (FailedAttempt, error) {
	attempt, err := g.repo.RecordFailedAttempt(ctx, identity.ID, g.maxAttempts, g.lockDuration, now)
	if err != nil {
		return FailedAttempt{}, fmt.Errorf("record failed login: %w", err)
	}
	return attempt, nil
}

func (g *AccountLockGuard) OnSuccess(ctx context.Context, identity Identity, now time.Time) error {
	if err := g.repo.ResetFailedAttempts(ctx, identity.ID, now); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}
