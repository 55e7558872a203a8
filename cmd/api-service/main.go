package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/taskflow/internal/api/handler"
	"github.com/cuongbtq/taskflow/internal/api/router"
	"github.com/cuongbtq/taskflow/internal/config"
	"github.com/cuongbtq/taskflow/internal/lifecycle"
	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/cuongbtq/taskflow/internal/storage/postgres"
	"github.com/cuongbtq/taskflow/shared/logger"
	"github.com/cuongbtq/taskflow/shared/postgresql"
	"github.com/cuongbtq/taskflow/shared/rabbitmq"
	"github.com/cuongbtq/taskflow/shared/redis"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging.Logger())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	dbClient, err := postgresql.NewClient(cfg.Database.PostgreSQL(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	jobs, err := initPublisher(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}
	defer jobs.close()

	appLogger.Info("Job queue connection established")

	store := postgres.NewTaskStore(dbClient.GetDB(), appLogger.Component("task_store"))
	tasks := lifecycle.NewService(store, jobs.publisher, appLogger.Logger)

	r := initRouter(cfg, appLogger.Logger, tasks, map[string]handler.HealthCheck{
		"postgres": dbClient.HealthCheck,
		"queue":    jobs.health,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// jobPublisher is the submit side of the configured queue backend
type jobPublisher struct {
	publisher queue.Publisher
	health    handler.HealthCheck
	close     func() error
}

// initPublisher connects to the configured queue backend
func initPublisher(cfg *config.Config, logger *slog.Logger) (*jobPublisher, error) {
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		client, err := redis.NewClient(cfg.Redis.Client(), logger)
		if err != nil {
			return nil, err
		}
		q := queue.NewRedisQueue(client.GetClient(), queue.NewRedisKeys(cfg.Redis.KeyPrefix), "", cfg.Queue.MaxAttempts, logger)
		return &jobPublisher{publisher: q, health: client.HealthCheck, close: client.Close}, nil

	default:
		client, err := rabbitmq.NewClient(cfg.RabbitMQ.Client(), logger)
		if err != nil {
			return nil, err
		}
		q := queue.NewRabbitQueue(client, cfg.Queue.MaxAttempts, "", logger)
		health := func(context.Context) error {
			if !client.IsConnected() {
				return errors.New("not connected to RabbitMQ")
			}
			return nil
		}
		return &jobPublisher{publisher: q, health: health, close: client.Close}, nil
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, tasks handler.TaskService, checks map[string]handler.HealthCheck) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Tasks:       tasks,
		ServiceName: cfg.App.Name,
		Checks:      checks,
	})
}
