// Package main is the entry point for reminderd, the reminder scheduling
// and delivery daemon.
//
// It loads configuration, opens the configured reminder store, builds the
// delivery providers and pipeline, starts the scheduling service (timers,
// reconciliation sweep, retention) and serves the ops endpoints until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reminders/internal/archive"
	"reminders/internal/config"
	"reminders/internal/db"
	"reminders/internal/delivery"
	"reminders/internal/external"
	"reminders/internal/ops"
	"reminders/internal/reminder"
	"reminders/internal/scheduler"
	"reminders/internal/types"
)

// startupTimeout bounds store connection and migration at boot.
const startupTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("reminderd starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"store_driver", cfg.Store.Driver,
		"email_provider", cfg.Email.Provider,
		"sms_provider", cfg.SMS.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ":"+cfg.Ops.Port)
	if err != nil {
		_ = a.shutdown(context.Background())
		return fmt.Errorf("listening on ops port %s: %w", cfg.Ops.Port, err)
	}
	return a.run(ctx, ln, cfg.Ops.ShutdownTimeout)
}

// app is the fully wired process.
type app struct {
	logger    *slog.Logger
	store     types.ReminderStore
	pipeline  *delivery.Pipeline
	scheduler *scheduler.Service
	reminders *reminder.Service
	ops       *ops.Server

	closers []func() error
}

// newApp builds every component from cfg. Nothing is started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	store, err := a.openStore(startCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		awsCfg, err = loadAWSConfig(startCtx, cfg.AWS)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	registry, err := external.NewProviderRegistry(cfg, awsCfg, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initializing providers: %w", err)
	}
	senders := delivery.NewSenders(registry, external.SenderAddress{
		Address: cfg.Email.FromAddress,
		Name:    cfg.Email.FromName,
	})

	typedLogger := &slogAdapter{logger: logger}

	var metrics delivery.Metrics = delivery.NopMetrics{}
	if cfg.Observability.MetricsEnabled {
		metrics = delivery.NewCloudWatchMetrics(
			cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace,
			typedLogger.With("component", "metrics"),
		)
	}

	var archiver scheduler.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWS.EndpointURL != ""
		})
		s3Archiver, err := archive.NewS3Archiver(s3Client, archive.Config{
			Bucket: cfg.AWS.ArchiveBucket,
			Prefix: cfg.AWS.ArchivePrefix,
		}, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("initializing archiver: %w", err)
		}
		archiver = s3Archiver
	}

	a.pipeline = delivery.NewPipeline(store, senders, delivery.Config{
		Policy: delivery.RetryPolicy{
			MaxAttempts:   cfg.Delivery.MaxAttempts,
			BaseDelay:     cfg.Delivery.BaseDelay,
			MaxDelay:      cfg.Delivery.MaxDelay,
			BackoffFactor: delivery.DefaultRetryPolicy.BackoffFactor,
		},
		SendTimeout: cfg.Delivery.SendTimeout,
	}, typedLogger, delivery.WithMetrics(metrics))

	a.scheduler, err = scheduler.NewService(scheduler.Config{
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		RetentionSchedule: cfg.Scheduler.RetentionSchedule,
		RetentionWindow:   cfg.Scheduler.RetentionWindow,
		RetentionBatch:    cfg.Scheduler.RetentionBatch,
		Workers:           cfg.Delivery.Workers,
	}, scheduler.Deps{
		Store:     store,
		Deliverer: a.pipeline,
		Archiver:  archiver,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}

	a.reminders = reminder.NewService(store, a.scheduler, types.RealClock{}, logger)

	a.ops, err = ops.NewServer(logger, a.scheduler, cfg.Build, ops.StoreProbe(store))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initializing ops server: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (types.ReminderStore, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:               cfg.Store.URL.Unmask(),
			MaxConns:          cfg.Store.MaxConns,
			MinConns:          cfg.Store.MinConns,
			MaxConnLifetime:   cfg.Store.MaxConnLifetime,
			HealthCheckPeriod: cfg.Store.HealthCheckPeriod,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := db.Migrate(ctx, pool); err != nil {
			a.close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		return db.NewReminderRepository(pool), nil

	case config.DriverSQLite:
		store, err := db.OpenSQLite(ctx, db.SQLiteConfig{
			Path:        cfg.Store.SQLitePath,
			BusyTimeout: cfg.Store.SQLiteBusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.DriverMemory:
		a.logger.Warn("using in-memory store; reminders will not survive a restart")
		return db.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	// LocalStack
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

// run starts the scheduler and ops server and blocks until ctx is done or
// the ops server fails, then shuts down within shutdownTimeout.
func (a *app) run(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	a.scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.ops.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("ops server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr == nil {
		a.logger.Info("reminderd stopped cleanly")
	}
	return runErr
}

// shutdown stops the ops server first so no trigger races the scheduler
// stop, then drains in-flight deliveries before closing the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLogger creates a JSON slog.Logger for the given level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// slogAdapter wraps *slog.Logger to implement types.Logger, whose With
// returns the interface rather than *slog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}
