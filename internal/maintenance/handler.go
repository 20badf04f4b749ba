package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"crm-backend/internal/auth"
)

type SessionStore interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time, batchSize int) (int64, error)
	TokenStats(ctx context.Context, now time.Time) (auth.TokenStats, error)
}

type AuditStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedAuditEvents   int64 `json:"deleted_audit_events"`
}

// CleanupHandler serves the cron-triggered sweep of expired refresh tokens
// and aged security events. Every route requires the cron secret as a
// bearer token and is hidden entirely when no secret is configured.
type CleanupHandler struct {
	sessions       SessionStore
	audit          AuditStore
	logger         *zap.Logger
	cronSecret     string
	auditRetention time.Duration
	batchSize      int
	now            func() time.Time
}

func NewCleanupHandler(
	sessions SessionStore,
	audit AuditStore,
	logger *zap.Logger,
	cronSecret string,
	auditRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupHandler{
		sessions:       sessions,
		audit:          audit,
		logger:         logger,
		cronSecret:     strings.TrimSpace(cronSecret),
		auditRetention: auditRetention,
		batchSize:      batchSize,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	now := h.now()
	result, err := h.cleanup(r.Context(), now)
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("auth_cleanup_failed",
			zap.Int64("deleted_refresh_tokens", result.DeletedRefreshTokens),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed",
		zap.Int64("deleted_refresh_tokens", result.DeletedRefreshTokens),
		zap.Int64("deleted_audit_events", result.DeletedAuditEvents),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func (h *CleanupHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	stats, err := h.sessions.TokenStats(r.Context(), h.now())
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("token_stats_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *CleanupHandler) cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	var result CleanupResult

	deleted, err := h.sessions.PurgeExpiredSessions(ctx, now, h.batchSize)
	result.DeletedRefreshTokens = deleted
	if err != nil {
		return result, err
	}

	if h.audit == nil || h.auditRetention <= 0 {
		return result, nil
	}
	deleted, err = h.audit.DeleteOlderThan(ctx, now.Add(-h.auditRetention), h.batchSize)
	result.DeletedAuditEvents = deleted
	return result, err
}

func (h *CleanupHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
