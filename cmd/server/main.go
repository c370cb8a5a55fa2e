// Command blacklake-server runs the REST API: commit engine, branch
// protection, policy evaluation, webhooks, quotas, and the event stream.
// Job execution itself lives in blacklake-worker (cmd/worker); this process
// only enqueues jobs and serves the queue for operator inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blacklake-io/blacklake/internal/api"
	"github.com/blacklake-io/blacklake/internal/audit"
	"github.com/blacklake-io/blacklake/internal/auth"
	"github.com/blacklake-io/blacklake/internal/cache"
	"github.com/blacklake-io/blacklake/internal/commit"
	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/eventstream"
	"github.com/blacklake-io/blacklake/internal/jobs"
	"github.com/blacklake-io/blacklake/internal/metrics"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/policy"
	"github.com/blacklake-io/blacklake/internal/repository"
	"github.com/blacklake-io/blacklake/internal/retention"
)

var (
	version = "dev"
	commit_ = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	metricsAddr   string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	secureCookies bool
	workers       int
	ownerID       string

	s3Endpoint  string
	s3Region    string
	s3Bucket    string
	s3AccessKey string
	s3SecretKey string
	s3PathStyle bool

	redisAddr     string
	redisPassword string
	redisDB       int

	retentionTick time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "blacklake-server",
		Short: "BlackLake server — content-addressed repository API",
		Long: `BlackLake server exposes the REST API for repositories, commits,
branch protection, policies, quotas, webhooks, and the live event stream.
Background job execution is handled by a separate blacklake-worker process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BLACKLAKE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("BLACKLAKE_METRICS_ADDR", ":9100"), "Prometheus scrape listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BLACKLAKE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BLACKLAKE_DB_DSN", "./blacklake.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("BLACKLAKE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BLACKLAKE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BLACKLAKE_DATA_DIR", "./data"), "Directory for server data (JWT keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("BLACKLAKE_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")
	root.PersistentFlags().IntVar(&cfg.workers, "enqueue-workers", 0, "Worker-slot pool size for the enqueue-only pipeline (0 = runtime.NumCPU())")
	root.PersistentFlags().StringVar(&cfg.ownerID, "owner-id", envOrDefault("BLACKLAKE_SERVER_ID", hostnameOrDefault()), "This process's lease-owner identity, used only if it ever drains its own pipeline")

	root.PersistentFlags().StringVar(&cfg.s3Endpoint, "s3-endpoint", envOrDefault("BLACKLAKE_S3_ENDPOINT", ""), "S3-compatible endpoint (empty = real AWS)")
	root.PersistentFlags().StringVar(&cfg.s3Region, "s3-region", envOrDefault("BLACKLAKE_S3_REGION", "us-east-1"), "S3 region")
	root.PersistentFlags().StringVar(&cfg.s3Bucket, "s3-bucket", envOrDefault("BLACKLAKE_S3_BUCKET", "blacklake"), "S3 bucket for content-addressed storage")
	root.PersistentFlags().StringVar(&cfg.s3AccessKey, "s3-access-key", envOrDefault("BLACKLAKE_S3_ACCESS_KEY", ""), "S3 access key id")
	root.PersistentFlags().StringVar(&cfg.s3SecretKey, "s3-secret-key", envOrDefault("BLACKLAKE_S3_SECRET_KEY", ""), "S3 secret access key")
	root.PersistentFlags().BoolVar(&cfg.s3PathStyle, "s3-path-style", envOrDefault("BLACKLAKE_S3_PATH_STYLE", "false") == "true", "Use path-style S3 addressing (required for most non-AWS endpoints)")

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("BLACKLAKE_REDIS_ADDR", "localhost:6379"), "Redis address for the read-through metadata cache")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("BLACKLAKE_REDIS_PASSWORD", ""), "Redis password (empty = no auth)")
	root.PersistentFlags().IntVar(&cfg.redisDB, "redis-db", 0, "Redis logical DB index")

	root.PersistentFlags().DurationVar(&cfg.retentionTick, "retention-tick", envDurationOrDefault("BLACKLAKE_RETENTION_TICK", time.Hour), "How often the tombstone/hard-delete sweeper runs")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blacklake-server %s (commit: %s, built: %s)\n", version, commit_, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or BLACKLAKE_SECRET_KEY")
	}

	logger.Info("starting blacklake server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields (webhook secrets, OIDC client secrets) can
	// encrypt/decrypt transparently on read/write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	breaker := db.NewBreaker("commits", logger)

	// --- 3. Object store ---
	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        cfg.s3Endpoint,
		Region:          cfg.s3Region,
		Bucket:          cfg.s3Bucket,
		AccessKeyID:     cfg.s3AccessKey,
		SecretAccessKey: cfg.s3SecretKey,
		UsePathStyle:    cfg.s3PathStyle,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure object store bucket: %w", err)
	}

	// --- 4. Repositories ---
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	repoRepo := repository.NewRepoRepository(gormDB)
	refRepo := repository.NewRefRepository(gormDB)
	commitRepo := repository.NewCommitRepository(gormDB)
	entryRepo := repository.NewEntryRepository(gormDB)
	blobRefRepo := repository.NewBlobRefRepository(gormDB)
	policyRepo := repository.NewPolicyRepository(gormDB)
	protectedRefRepo := repository.NewProtectedRefRepository(gormDB)
	checkResultRepo := repository.NewCheckResultRepository(gormDB)
	quotaRepo := repository.NewQuotaRepository(gormDB)
	jobRepo := repository.NewJobRepository(gormDB)
	webhookRepo := repository.NewWebhookRepository(gormDB)
	deliveryRepo := repository.NewWebhookDeliveryRepository(gormDB)
	oidcProviderRepo := repository.NewOIDCProviderRepository(gormDB)
	auditRepo := repository.NewAuditRepository(gormDB)

	// --- 5. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderRepo, userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenRepo, jwtManager)

	// --- 6. Cache, audit, policy evaluator ---
	metaCache := cache.New(cache.Config{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	}, logger)
	defer metaCache.Close() //nolint:errcheck

	auditWriter := audit.New(auditRepo, logger)
	go auditWriter.Run(ctx)

	evaluator := policy.New()

	// --- 7. Enqueue-only job pipeline ---
	// The server never drains this pipeline's queue itself — blacklake-worker
	// does that — but commit.Engine needs a JobEnqueuer to schedule indexing,
	// sampling, antivirus, and webhook-delivery jobs as commits land. It is
	// constructed here with zero registered handlers and never started, so
	// AcquireNext is never called from this process.
	enqueuer, err := jobs.New(jobRepo, cfg.ownerID, cfg.workers, logger)
	if err != nil {
		return fmt.Errorf("failed to create job enqueuer: %w", err)
	}

	// --- 8. Commit engine ---
	engine := commit.New(commit.Deps{
		DB:         gormDB,
		Breaker:    breaker,
		Store:      store,
		Policies:   policyRepo,
		Protected:  protectedRefRepo,
		Checks:     checkResultRepo,
		Repos:      repoRepo,
		Refs:       refRepo,
		Commits:    commitRepo,
		Entries:    entryRepo,
		BlobRefs:   blobRefRepo,
		Quotas:     quotaRepo,
		Webhooks:   webhookRepo,
		Deliveries: deliveryRepo,
		Evaluator:  evaluator,
		Enqueuer:   enqueuer,
		Cache:      metaCache,
		Audit:      auditWriter,
		Logger:     logger,
	})

	// --- 9. Retention sweeper ---
	sweeper, err := retention.New(repoRepo, entryRepo, blobRefRepo, store, cfg.retentionTick, logger)
	if err != nil {
		return fmt.Errorf("failed to create retention sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("retention sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Event stream hub ---
	hub := eventstream.NewHub()
	go hub.Run(ctx)

	// --- 11. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		Engine:        engine,
		Hub:           hub,
		Logger:        logger,
		Users:         userRepo,
		Repos:         repoRepo,
		Refs:          refRepo,
		Policies:      policyRepo,
		ProtectedRefs: protectedRefRepo,
		Quotas:        quotaRepo,
		Jobs:          jobRepo,
		Webhooks:      webhookRepo,
		Deliveries:    deliveryRepo,
		OIDCProviders: oidcProviderRepo,
		Secure:        cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 12. Metrics server ---
	metricsSrv := &http.Server{
		Addr:    cfg.metricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down blacklake server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("blacklake server stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "blacklake-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("blacklake-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "server"
	}
	return h
}
