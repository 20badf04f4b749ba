package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	SentryDSN   string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	RunMigrations     bool

	Auth     AuthConfig
	Cookie   CookieConfig
	Geo      GeoConfig
	Audit    AuditConfig
	Kafka    KafkaConfig
	RedisURL string

	AdminEmail    string
	AdminPassword string

	CronSecret         string
	CleanupBatchSize   int
	AuditRetention     time.Duration
	LoginRateLimitMax  int
	LoginRateLimitSpan time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	BcryptCost      int
	MaxAttempts     int
	LockDuration    time.Duration
	AccessTTL       time.Duration
	RefreshSliding  time.Duration
	RefreshAbsolute time.Duration
}

type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

type GeoConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerMinute int
	CacheSize     int
	CacheTTL      time.Duration
}

type AuditConfig struct {
	BufferSize int
	DropIfFull bool
}

type KafkaConfig struct {
	Brokers     []string
	AuditTopic  string
	NotifyTopic string
}

// Load reads configuration from the process environment. DATABASE_URL and
// JWT_SECRET are required.
func Load() (Config, error) {
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:      envOrDefault("APP_ENV", "development"),
		Port:        envOrDefault("PORT", "8080"),
		DatabaseURL: databaseURL,
		SentryDSN:   strings.TrimSpace(os.Getenv("SENTRY_DSN")),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:     EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),

		Auth: AuthConfig{
			JWTSecret:       jwtSecret,
			BcryptCost:      envIntOrDefault("BCRYPT_COST", 10),
			MaxAttempts:     envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			LockDuration:    envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
			AccessTTL:       envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
			RefreshSliding:  envDaysOrDefault("REFRESH_SLIDING_DAYS", 30),
			RefreshAbsolute: envDaysOrDefault("REFRESH_ABSOLUTE_DAYS", 90),
		},
		Cookie: CookieConfig{
			Name:   envOrDefault("REFRESH_COOKIE_NAME", "refresh_token"),
			Domain: strings.TrimSpace(os.Getenv("COOKIE_DOMAIN")),
			Secure: EnvBoolOrDefault("COOKIE_SECURE", true),
		},
		Geo: GeoConfig{
			BaseURL:       envOrDefault("GEO_BASE_URL", "http://ip-api.com"),
			Timeout:       envSecondsOrDefault("GEO_TIMEOUT_SECONDS", 3),
			RatePerMinute: envIntOrDefault("GEO_RATE_PER_MINUTE", 45),
			CacheSize:     envIntOrDefault("GEO_CACHE_SIZE", 10000),
			CacheTTL:      envHoursOrDefault("GEO_CACHE_TTL_HOURS", 24),
		},
		Audit: AuditConfig{
			BufferSize: envIntOrDefault("AUDIT_BUFFER_SIZE", 1024),
			DropIfFull: EnvBoolOrDefault("AUDIT_DROP_IF_FULL", true),
		},
		Kafka: KafkaConfig{
			Brokers:     envList("KAFKA_BROKERS"),
			AuditTopic:  envOrDefault("AUDIT_KAFKA_TOPIC", "crm.security-events"),
			NotifyTopic: envOrDefault("NOTIFY_KAFKA_TOPIC", "crm.notifications"),
		},
		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),

		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		CronSecret:         strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupBatchSize:   envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
		AuditRetention:     envDaysOrDefault("AUDIT_RETENTION_DAYS", 180),
		LoginRateLimitMax:  envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitSpan: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	}

	if cfg.Auth.RefreshSliding > cfg.Auth.RefreshAbsolute {
		return Config{}, fmt.Errorf("REFRESH_SLIDING_DAYS must not exceed REFRESH_ABSOLUTE_DAYS")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envList(name string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
