package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/cluster"
	"github.com/Ramsey-B/fern/internal/repositories/duplicatematch"
	"github.com/Ramsey-B/fern/internal/repositories/entityrecord"
	"github.com/Ramsey-B/fern/internal/repositories/mergehistory"
	"github.com/Ramsey-B/fern/pkg/automerge"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/settings"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

func main() {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, cfg.AppName, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
			Timeout:  time.Duration(cfg.OTLPTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to shut down tracing")
			}
		}()
	}

	dbDep := &databaseDependency{cfg: cfg, logger: logger}
	snap, err := settings.NewStore(settings.FromConfig(cfg))
	if err != nil {
		return fmt.Errorf("invalid resolution settings: %w", err)
	}

	var producer *kafka.Producer
	var emitter *events.Emitter
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close()

		emitter = events.NewEmitter(producer, logger, cfg.EventBufferSize)
		defer emitter.Close()
	}

	boot := startup.New(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(dbDep)
	if err := boot.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := boot.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("Shutdown finished with errors")
		}
	}()

	db := dbDep.db

	service := resolution.NewService(
		logger,
		snap,
		entityrecord.NewRepository(db, logger),
		duplicatematch.NewRepository(db, logger),
		cluster.NewRepository(db, logger),
		mergehistory.NewRepository(db, logger),
		emitter,
	)

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("port", cfg.MetricsPort).Info("Serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if cfg.AutoMergeEnabled {
		go runAutoMergeLoop(ctx, cfg, logger, service)
	}

	logger.WithField("app", cfg.AppName).Info("Resolution engine started")
	<-ctx.Done()
	logger.Info("Shutting down")

	return nil
}

// runAutoMergeLoop merges eligible clusters on a fixed interval until the
// context is cancelled.
func runAutoMergeLoop(ctx context.Context, cfg *config.Config, logger logging.Logger, service *resolution.Service) {
	ticker := time.NewTicker(cfg.AutoMergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := service.AutoMerge(ctx, cfg.AutoMergeTenantID, automerge.Options{
				DryRun: cfg.AutoMergeDryRun,
			})
			if err != nil {
				logger.WithContext(ctx).WithError(err).Error("Auto-merge run failed")
				continue
			}
			logger.WithContext(ctx).WithFields(map[string]any{
				"considered": report.Considered,
				"eligible":   report.Eligible,
				"merged":     report.Merged,
				"failed":     report.Failed,
				"dry_run":    report.DryRun,
			}).Info("Auto-merge run finished")
		}
	}
}

// databaseDependency connects to PostgreSQL and applies migrations as a
// startup dependency, so connection failures retry with backoff.
type databaseDependency struct {
	cfg    *config.Config
	logger logging.Logger
	db     database.DB
}

func (d *databaseDependency) GetName() string     { return "postgres" }
func (d *databaseDependency) DependsOn() []string { return nil }

func (d *databaseDependency) Start(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.cfg.DatabaseHost, d.cfg.DatabasePort, d.cfg.DatabaseUserName,
		d.cfg.DatabasePassword, d.cfg.DatabaseName, d.cfg.DatabaseSSLMode,
	)

	sqlxDB, err := sqlx.ConnectContext(ctx, d.cfg.DatabaseDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlxDB.SetMaxOpenConns(d.cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(d.cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(d.cfg.DatabaseConnMaxLifetime)

	driver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrations := database.NewMigrationService(d.logger, &database.MigrationConfig{
		MigrationFolderPath: d.cfg.DatabaseMigrationFolderPath,
		Version:             uint(d.cfg.DatabaseMigrationVersion),
		Force:               d.cfg.DatabaseMigrationForce,
		AutoRollback:        d.cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(d.cfg.DatabaseName, driver); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.db = database.NewDatabaseInstance(sqlxDB, d.logger)
	return nil
}

func (d *databaseDependency) Stop(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}
