// Command blacklake-worker runs the background job pipeline standalone,
// separate from the API server process so job throughput scales
// independently of request throughput (spec C5).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/jobs"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/repository"
	"github.com/blacklake-io/blacklake/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	dbDriver     string
	dbDSN        string
	secretKey    string
	logLevel     string
	workers      int
	ownerID      string
	s3Endpoint   string
	s3Region     string
	s3Bucket     string
	s3AccessKey  string
	s3SecretKey  string
	s3PathStyle  bool
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
		Use:   "blacklake-worker",
		Short: "BlackLake worker — drains the background job pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BLACKLAKE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BLACKLAKE_DB_DSN", "./blacklake.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("BLACKLAKE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BLACKLAKE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.workers, "workers", 0, "Worker-slot pool size (0 = runtime.NumCPU())")
	root.PersistentFlags().StringVar(&cfg.ownerID, "owner-id", envOrDefault("BLACKLAKE_WORKER_ID", hostnameOrDefault()), "This worker's lease-owner identity")
	root.PersistentFlags().StringVar(&cfg.s3Endpoint, "s3-endpoint", envOrDefault("BLACKLAKE_S3_ENDPOINT", ""), "S3-compatible endpoint (empty = real AWS)")
	root.PersistentFlags().StringVar(&cfg.s3Region, "s3-region", envOrDefault("BLACKLAKE_S3_REGION", "us-east-1"), "S3 region")
	root.PersistentFlags().StringVar(&cfg.s3Bucket, "s3-bucket", envOrDefault("BLACKLAKE_S3_BUCKET", "blacklake"), "S3 bucket for content-addressed storage")
	root.PersistentFlags().StringVar(&cfg.s3AccessKey, "s3-access-key", envOrDefault("BLACKLAKE_S3_ACCESS_KEY", ""), "S3 access key id")
	root.PersistentFlags().StringVar(&cfg.s3SecretKey, "s3-secret-key", envOrDefault("BLACKLAKE_S3_SECRET_KEY", ""), "S3 secret access key")
	root.PersistentFlags().BoolVar(&cfg.s3PathStyle, "s3-path-style", envOrDefault("BLACKLAKE_S3_PATH_STYLE", "false") == "true", "Use path-style S3 addressing (required for most non-AWS endpoints)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blacklake-worker %s (commit: %s, built: %s)\n", version, commit, date)
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

	logger.Info("starting blacklake worker",
		zap.String("version", version),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("owner_id", cfg.ownerID),
		zap.Int("workers", cfg.workers),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

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

	entryRepo := repository.NewEntryRepository(gormDB)
	commitRepo := repository.NewCommitRepository(gormDB)
	jobRepo := repository.NewJobRepository(gormDB)
	webhookRepo := repository.NewWebhookRepository(gormDB)
	deliveryRepo := repository.NewWebhookDeliveryRepository(gormDB)
	exportRepo := repository.NewExportRecordRepository(gormDB)

	pipeline, err := jobs.New(jobRepo, cfg.ownerID, cfg.workers, logger)
	if err != nil {
		return fmt.Errorf("failed to create job pipeline: %w", err)
	}

	searchSink := jobs.NewLoggingSearchSink(logger)
	scanner := jobs.AlwaysCleanScanner{}
	dispatcher := webhook.NewDispatcher()

	pipeline.RegisterHandler(jobs.ClassIndexEntry, jobs.NewIndexEntryHandler(entryRepo, searchSink, logger))
	pipeline.RegisterHandler(jobs.ClassSampling, jobs.NewSamplingHandler(store, logger))
	pipeline.RegisterHandler(jobs.ClassRDFEmit, jobs.NewRDFEmitHandler(store, logger))
	pipeline.RegisterHandler(jobs.ClassAntivirus, jobs.NewAntivirusHandler(store, entryRepo, scanner, logger))
	pipeline.RegisterHandler(jobs.ClassExport, jobs.NewExportHandler(commitRepo, entryRepo, exportRepo, store, logger))
	pipeline.RegisterHandler(jobs.ClassFullReindex, jobs.NewFullReindexHandler(commitRepo, entryRepo, pipeline, logger))
	pipeline.RegisterHandler(jobs.ClassWebhookDelivery, jobs.NewWebhookDeliveryHandler(webhookRepo, deliveryRepo, dispatcher, logger))

	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job pipeline: %w", err)
	}

	logger.Info("blacklake worker running")
	<-ctx.Done()
	logger.Info("shutting down blacklake worker")

	if err := pipeline.Stop(); err != nil {
		logger.Warn("job pipeline shutdown error", zap.Error(err))
	}

	logger.Info("blacklake worker stopped")
	return nil
}

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

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
