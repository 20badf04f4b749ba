package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crm-backend/internal/audit"
	"crm-backend/internal/auth"
	"crm-backend/internal/background"
	"crm-backend/internal/config"
	"crm-backend/internal/db"
	"crm-backend/internal/geo"
	"crm-backend/internal/maintenance"
	"crm-backend/internal/messaging"
	"crm-backend/internal/notify"
	"crm-backend/internal/observability"
)

const backgroundTaskTimeout = 10 * time.Second

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Addr    string
	Logger  *zap.Logger
	Close   func() error
}

// closers runs shutdown steps in reverse registration order.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) closeAll() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.AppEnv)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	var shutdown closers
	shutdown.add(func() error {
		observability.FlushSentry()
		_ = logger.Sync()
		return nil
	})
	fail := func(err error) (*Runtime, error) {
		_ = shutdown.closeAll()
		return nil, err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return fail(err)
	}
	shutdown.add(database.Close)

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(context.Background(), database, logger); err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
	}

	redisClient := openRedis(cfg, logger)
	if redisClient != nil {
		shutdown.add(redisClient.Close)
	}

	var auditPublisher, notifyPublisher messaging.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		auditKafka := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		notifyKafka := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.NotifyTopic)
		shutdown.add(auditKafka.Close)
		shutdown.add(notifyKafka.Close)
		auditPublisher, notifyPublisher = auditKafka, notifyKafka
	}

	auditRepo := audit.NewRepository(database)
	sinks := audit.MultiSink{auditRepo, audit.NewLogSink(logger)}
	if auditPublisher != nil {
		sinks = append(sinks, audit.NewKafkaSink(auditPublisher))
	}
	dispatcher := audit.NewDispatcher(audit.Config{
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sinks, logger)
	shutdown.add(func() error {
		dispatcher.Close()
		return nil
	})

	runner := background.NewRunner(logger, backgroundTaskTimeout)
	shutdown.add(func() error {
		runner.Wait()
		return nil
	})

	geoClient, err := geo.NewClient(cfg.Geo.BaseURL, cfg.Geo.Timeout, cfg.Geo.RatePerMinute)
	if err != nil {
		return fail(fmt.Errorf("init geo client: %w", err))
	}
	localGeo := geo.NewLRUCache(cfg.Geo.CacheSize, cfg.Geo.CacheTTL)
	var geoCache geo.Cache = localGeo
	if redisClient != nil {
		geoCache = geo.NewTieredCache(localGeo, geo.NewRedisCache(redisClient, cfg.Geo.CacheTTL))
	}
	geoService := geo.NewService(geoClient, geoCache, logger)
	anomalies := geo.NewAnomalyDetector(geoService, auditRepo, dispatcher)

	authRepo := auth.NewRepository(database)
	credentials, err := auth.NewCredentialVerifier(cfg.Auth.BcryptCost)
	if err != nil {
		return fail(err)
	}
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)
	if err != nil {
		return fail(err)
	}
	tokens := auth.NewRefreshTokenStore(authRepo, cfg.Auth.RefreshSliding, cfg.Auth.RefreshAbsolute)

	authService := auth.NewService(auth.ServiceDeps{
		Identities:  authRepo,
		Credentials: credentials,
		LockGuard:   auth.NewAccountLockGuard(authRepo, cfg.Auth.MaxAttempts, cfg.Auth.LockDuration),
		Tokens:      tokens,
		Rotator:     auth.NewSessionRotator(authRepo, cfg.Auth.RefreshSliding),
		Devices:     auth.NewDeviceSessionGuard(tokens, logger),
		Issuer:      issuer,
		Geo:         geoService,
		Anomalies:   anomalies,
		Audit:       dispatcher,
		Notifier:    notify.NewLockoutNotifier(notifyPublisher, logger),
		Runner:      runner,
		Logger:      logger,
	})

	if err := authService.BootstrapAdmin(context.Background(), authRepo, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	authHandler := auth.NewHandler(authService, auth.CookieSettings{
		Name:   cfg.Cookie.Name,
		Domain: cfg.Cookie.Domain,
		Secure: cfg.Cookie.Secure,
		MaxAge: cfg.Auth.RefreshSliding,
	}, logger)
	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		auditRepo,
		logger,
		cfg.CronSecret,
		cfg.AuditRetention,
		cfg.CleanupBatchSize,
	)
	loginLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitSpan)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("POST /auth/logout", auth.OptionalMiddleware(issuer, http.HandlerFunc(authHandler.Logout)))
	mux.Handle("POST /auth/logout-all", auth.Middleware(issuer, http.HandlerFunc(authHandler.LogoutAll)))
	mux.Handle("GET /auth/sessions", auth.Middleware(issuer, http.HandlerFunc(authHandler.Sessions)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /internal/maintenance/token-stats", cleanupHandler.Stats)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Addr:    ":" + cfg.Port,
		Logger:  logger,
		Close:   shutdown.closeAll,
	}, nil
}

func openDatabase(cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return database, nil
}

// openRedis returns nil when REDIS_URL is unset or unreachable; the geo
// cache then stays process-local.
func openRedis(cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis_url_invalid", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis_unavailable", zap.Error(err))
		_ = client.Close()
		return nil
	}

	return client
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
