package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rackoot/racky.app-sub000/internal/config"
	"github.com/rackoot/racky.app-sub000/internal/health"
	"github.com/rackoot/racky.app-sub000/internal/jobs"
	"github.com/rackoot/racky.app-sub000/internal/queue"
	"github.com/rackoot/racky.app-sub000/internal/syncer"
	"github.com/rackoot/racky.app-sub000/shared/logger"
	"github.com/rackoot/racky.app-sub000/shared/postgresql"
	"github.com/rackoot/racky.app-sub000/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	jobStore := jobs.NewStore(dbClient.GetDB(), appLogger.Logger)

	manager := queue.NewManager(rabbitClient, jobStore, queue.Config{
		DefaultAttempts:   cfg.Worker.DefaultAttempts,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}

	registry := syncer.NewRegistry(syncer.NewShopifyAdapter(nil))

	coordinator := syncer.NewCoordinator(
		jobStore,
		manager,
		syncer.NewConnectionStore(dbClient.GetDB(), appLogger.Logger),
		syncer.NewCatalogStore(dbClient.GetDB(), appLogger.Logger),
		registry,
		syncer.Config{
			BatchSize:      cfg.Sync.BatchSize,
			PageSize:       cfg.Sync.PageSize,
			ScanCeiling:    cfg.Sync.ScanCeiling,
			AdapterRPS:     cfg.Sync.AdapterRPS,
			AdapterBurst:   cfg.Sync.AdapterBurst,
			RequestTimeout: cfg.Sync.RequestTimeout,
		},
		appLogger.Logger,
	)

	manager.SetChildCallback(coordinator.RecomputeParent)

	if err := registerHandlers(cfg, manager, coordinator, appLogger.Logger); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	// Republish queued work whose broker message may have been lost before
	// this process started. Duplicates are harmless: the optimistic claim
	// accepts only one delivery per job.
	if err := manager.RecoverQueued(ctx, cfg.Worker.RecoveryCutoff); err != nil {
		appLogger.Error("Recovery sweep failed", slog.Any("error", err))
	}

	monitor := health.NewMonitor(
		manager, jobStore, rabbitClient, dbClient,
		health.NewSnapshotStore(dbClient.GetDB()),
		queue.Names(),
		cfg.Health.MonitorConfig(),
		appLogger.Logger,
	)

	go monitor.Run(ctx)
	go reaperLoop(ctx, manager, cfg.Worker, appLogger.Logger)
	go retentionLoop(ctx, manager, cfg.Worker, appLogger.Logger)

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	manager.Shutdown(shutdownCtx)

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// registerHandlers wires every job type to its handler pool.
func registerHandlers(cfg *config.Config, manager *queue.Manager, coordinator *syncer.Coordinator, logger *slog.Logger) error {
	if err := manager.Process(queue.MarketplaceSyncQueue, jobs.TypeMarketplaceSync, cfg.Worker.SyncConcurrency, coordinator.RunSync); err != nil {
		return err
	}

	if err := manager.Process(queue.ProductBatchQueue, jobs.TypeProductBatch, cfg.Worker.BatchConcurrency, coordinator.RunBatch); err != nil {
		return err
	}

	if err := manager.Process(queue.ProductBatchQueue, jobs.TypeProductIndividual, cfg.Worker.BatchConcurrency, coordinator.RunIndividual); err != nil {
		return err
	}

	// ai-scan jobs finish through the webhook callback: the handler hands
	// the work to the external scanner and leaves the job processing.
	return manager.Process(queue.AIProcessingQueue, jobs.TypeAIScan, cfg.Worker.AIConcurrency, func(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
		env, err := jobs.DecodeEnvelope(job.Payload)
		if err != nil {
			return nil, err
		}
		var payload jobs.AIScanPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, jobs.ErrInvalidPayload
		}

		logger.Info("AI scan dispatched, awaiting callback",
			slog.String("job_id", job.JobID),
			slog.String("product_id", payload.ProductID),
			slog.String("scan_kind", payload.ScanKind),
		)

		return nil, queue.ErrDeferred
	})
}

// reaperLoop periodically returns stalled jobs to their queues.
func reaperLoop(ctx context.Context, manager *queue.Manager, cfg config.WorkerConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.RequeueStalled(ctx, cfg.StalledAfter); err != nil {
				logger.Error("Stalled-job sweep failed", slog.Any("error", err))
			}
		}
	}
}

// retentionLoop periodically removes finished jobs past the grace period.
func retentionLoop(ctx context.Context, manager *queue.Manager, cfg config.WorkerConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range queue.Names() {
				removed, err := manager.CleanQueue(ctx, name, cfg.RetentionGrace)
				if err != nil {
					logger.Error("Retention sweep failed",
						slog.String("queue", name),
						slog.Any("error", err),
					)
					continue
				}
				if removed > 0 {
					logger.Info("Retention sweep removed finished jobs",
						slog.String("queue", name),
						slog.Int64("removed", removed),
					)
				}
			}
		}
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
