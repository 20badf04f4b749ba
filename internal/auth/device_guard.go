package auth

import (
	"context"

	"go.uber.org/zap"
)

type deviceSessionDeleter interface {
	DeleteStaleForDevice(ctx context.Context, identityID, device string) (int64, error)
}

// DeviceSessionGuard drops an identity's live sessions for the same device
// string before a new one is issued. Devices are matched on the exact
// user-agent string only.
type DeviceSessionGuard struct {
	sessions deviceSessionDeleter
	logger   *zap.Logger
}

func NewDeviceSessionGuard(sessions deviceSessionDeleter, logger *zap.Logger) *DeviceSessionGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceSessionGuard{sessions: sessions, logger: logger}
}

// BeforeNewSession never fails; cleanup errors are logged and login
// continues.
func (g *DeviceSessionGuard) BeforeNewSession(ctx context.Context, identityID, device, ip string) {
	deleted, err := g.sessions.DeleteStaleForDevice(ctx, identityID, device)
	if err != nil {
		g.logger.Warn("device_session_cleanup_failed",
			zap.String("user_id", identityID),
			zap.String("ip", ip),
			zap.Error(err),
		)
		return
	}
	if deleted > 0 {
		g.logger.Info("device_sessions_replaced",
			zap.String("user_id", identityID),
			zap.Int64("deleted", deleted),
		)
	}
}
