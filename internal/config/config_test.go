package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crm-backend/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/crm")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/crm")
	t.Setenv("JWT_SECRET", "   ")

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")

	_, err := config.Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, 5, cfg.Auth.MaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.Auth.LockDuration)
	require.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshSliding)
	require.Equal(t, 90*24*time.Hour, cfg.Auth.RefreshAbsolute)
	require.Equal(t, 10, cfg.Auth.BcryptCost)
	require.True(t, cfg.Cookie.Secure)
	require.Equal(t, "refresh_token", cfg.Cookie.Name)
	require.Equal(t, 45, cfg.Geo.RatePerMinute)
	require.Equal(t, 24*time.Hour, cfg.Geo.CacheTTL)
	require.Equal(t, 3*time.Second, cfg.Geo.Timeout)
	require.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("LOGIN_LOCK_MINUTES", "10")
	t.Setenv("COOKIE_SECURE", "off")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("GEO_RATE_PER_MINUTE", "not-a-number")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Auth.MaxAttempts)
	require.Equal(t, 10*time.Minute, cfg.Auth.LockDuration)
	require.False(t, cfg.Cookie.Secure)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 45, cfg.Geo.RatePerMinute)
}

func TestLoadRejectsSlidingBeyondAbsolute(t *testing.T) {
	setRequired(t)
	t.Setenv("REFRESH_SLIDING_DAYS", "120")

	_, err := config.Load()
	require.Error(t, err)
}
