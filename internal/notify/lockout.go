package notify

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"crm-backend/internal/messaging"
)

// LockoutAlert asks the mail service to tell a user their account was
// locked after repeated failed logins.
type LockoutAlert struct {
	Kind             string    `json:"kind"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email"`
	Name             string    `json:"name,omitempty"`
	FailedAttempts   int       `json:"failed_attempts"`
	IP               string    `json:"ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	LockedUntil      time.Time `json:"locked_until"`
	MinutesRemaining int       `json:"minutes_remaining"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// LockoutNotifier publishes alerts to the notification topic, or only logs
// them when no broker is configured.
type LockoutNotifier struct {
	publisher messaging.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewLockoutNotifier(publisher messaging.Publisher, logger *zap.Logger) *LockoutNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockoutNotifier{
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (n *LockoutNotifier) AccountLocked(ctx context.Context, alert LockoutAlert) error {
	alert.Kind = "account_locked"
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = n.now()
	}
	if alert.MinutesRemaining == 0 {
		alert.MinutesRemaining = int(math.Ceil(alert.LockedUntil.Sub(alert.OccurredAt).Minutes()))
	}

	if n.publisher == nil {
		n.logger.Info("lockout_alert_skipped",
			zap.String("user_id", alert.UserID),
			zap.Time("locked_until", alert.LockedUntil),
		)
		return nil
	}

	if err := n.publisher.Publish(ctx, alert.UserID, alert); err != nil {
		return err
	}
	n.logger.Info("lockout_alert_published", zap.String("user_id", alert.UserID))
	return nil
}
