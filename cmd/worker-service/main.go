package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/taskflow/internal/config"
	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/lifecycle"
	"github.com/cuongbtq/taskflow/internal/notify"
	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/cuongbtq/taskflow/internal/scanner"
	"github.com/cuongbtq/taskflow/internal/storage"
	"github.com/cuongbtq/taskflow/internal/storage/postgres"
	"github.com/cuongbtq/taskflow/internal/worker"
	"github.com/cuongbtq/taskflow/shared/logger"
	"github.com/cuongbtq/taskflow/shared/postgresql"
	"github.com/cuongbtq/taskflow/shared/rabbitmq"
	"github.com/cuongbtq/taskflow/shared/redis"
	"github.com/joho/godotenv"
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

	appLogger, err := logger.New(cfg.Logging.Logger())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	dbClient, err := postgresql.NewClient(cfg.Database.PostgreSQL(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	jobs, err := initQueue(cfg, workerID, appLogger.Component("queue"))
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}
	defer jobs.close()

	appLogger.Info("Job queue connection established")

	store := postgres.NewTaskStore(dbClient.GetDB(), appLogger.Component("task_store"))
	tasks := lifecycle.NewService(store, jobs.publisher, appLogger.Logger)

	registry, err := initRegistry(cfg, tasks, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to register job handlers: %w", err)
	}

	var ledger storage.JobLedger
	if cfg.Worker.RecordRuns {
		ledger = postgres.NewJobLedger(dbClient.GetDB(), appLogger.Component("job_ledger"))
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Source:      jobs.source,
		Registry:    registry,
		Ledger:      ledger,
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	if cfg.Scanner.Enabled {
		overdue := scanner.NewOverdue(store, jobs.publisher, nil, appLogger.Logger)
		go func() {
			if cfg.Scanner.RunOnStart {
				if _, err := overdue.ScanOnce(ctx); err != nil {
					appLogger.Error("Initial overdue scan failed", slog.Any("error", err))
				}
			}
			overdue.Run(ctx, cfg.Scanner.Interval)
		}()
	}

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		// Start returns before cancel only when consuming has stopped
		if err == nil {
			err = worker.ErrSourceClosed
		}
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	}

	// Stop consuming and wait for in-flight jobs to settle
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker stopped with error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("shutdown_timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	return nil
}

// jobQueue is the configured queue backend, used both to consume jobs and to
// submit follow-up and overdue jobs
type jobQueue struct {
	publisher queue.Publisher
	source    queue.Source
	close     func() error
}

// initQueue connects to the configured queue backend
func initQueue(cfg *config.Config, workerID string, logger *slog.Logger) (*jobQueue, error) {
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		client, err := redis.NewClient(cfg.Redis.Client(), logger)
		if err != nil {
			return nil, err
		}
		q := queue.NewRedisQueue(client.GetClient(), queue.NewRedisKeys(cfg.Redis.KeyPrefix), workerID, cfg.Queue.MaxAttempts, logger)
		return &jobQueue{publisher: q, source: q, close: client.Close}, nil

	default:
		client, err := rabbitmq.NewClient(cfg.RabbitMQ.Client(), logger)
		if err != nil {
			return nil, err
		}
		tag := cfg.RabbitMQ.Consumer.Tag
		if tag == "" {
			tag = workerID
		}
		q := queue.NewRabbitQueue(client, cfg.Queue.MaxAttempts, tag, logger)
		return &jobQueue{publisher: q, source: q, close: client.Close}, nil
	}
}

// initRegistry binds a handler to every job kind
func initRegistry(cfg *config.Config, tasks *lifecycle.Service, logger *slog.Logger) (*worker.Registry, error) {
	registry := worker.NewRegistry()

	if err := registry.Register(domain.JobKindStatusUpdate, worker.NewStatusUpdateHandler(tasks, logger)); err != nil {
		return nil, err
	}

	notifier := notify.NewLogNotifier(logger)
	overdue := worker.NewOverdueHandler(tasks, notifier, cfg.Worker.NotifyConcurrency, logger)
	if err := registry.Register(domain.JobKindOverdueNotification, overdue); err != nil {
		return nil, err
	}

	return registry, nil
}
