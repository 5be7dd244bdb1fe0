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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/quangdm/mediaq-be/internal/analysis"
	"github.com/quangdm/mediaq-be/internal/api/handler"
	"github.com/quangdm/mediaq-be/internal/api/router"
	"github.com/quangdm/mediaq-be/internal/bridge"
	"github.com/quangdm/mediaq-be/internal/config"
	"github.com/quangdm/mediaq-be/internal/durable"
	"github.com/quangdm/mediaq-be/internal/events"
	"github.com/quangdm/mediaq-be/internal/job"
	"github.com/quangdm/mediaq-be/internal/queue"
	"github.com/quangdm/mediaq-be/internal/transfer"
	workerstorage "github.com/quangdm/mediaq-be/internal/worker/storage"
	"github.com/quangdm/mediaq-be/shared/logger"
	"github.com/quangdm/mediaq-be/shared/postgresql"
	"github.com/quangdm/mediaq-be/shared/rabbitmq"
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

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// Durable job records and media items share the same database.
	durableStorage := durable.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if err := durableStorage.EnsureSchema(startupCtx); err != nil {
		return fmt.Errorf("failed to ensure job schema: %w", err)
	}

	mediaStore := workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if err := mediaStore.EnsureSchema(startupCtx); err != nil {
		return fmt.Errorf("failed to ensure media schema: %w", err)
	}

	durableQueue := durable.NewQueue(durable.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		MaxWorkers: cfg.Queue.MaxWorkers,
		StaleAfter: cfg.Durable.StaleAfter,
	}, durableStorage, appLogger.Logger)

	if cfg.Durable.RecoverOnStart {
		if err := durableQueue.Recover(startupCtx); err != nil {
			return fmt.Errorf("failed to recover abandoned jobs: %w", err)
		}
	}

	// The snapshot closure reads the local queue, which is built after the
	// manager because the queue emits through it. Connections only open
	// once the server is serving, so the late bind is safe.
	var localQueue *queue.Queue
	eventManager := events.NewManager(events.Config{
		ConnectionTTL: cfg.Events.ConnectionTTL,
		SendBuffer:    cfg.Events.SendBuffer,
		SweepInterval: cfg.Events.SweepInterval,
	}, func(projectID string) map[string]any {
		snap := localQueue.Status()
		return map[string]any{
			"queue_length": snap.QueueLength,
			"processing":   snap.Processing,
		}
	}, appLogger.Logger)

	analyzer := analysis.NewHTTPAnalyzer(cfg.Analysis, appLogger.Logger)

	localHandler := func(ctx context.Context, j *job.Job) error {
		result, err := analyzer.Analyze(ctx, analysis.Request{
			ResourceKey: j.Payload.ResourceID,
			ProjectID:   j.Payload.ProjectID,
			SizeBytes:   j.Payload.EstimatedSize,
		})
		if err != nil {
			return err
		}
		if err := mediaStore.MarkAnalyzed(ctx, j.Payload.ResourceID, result.Labels); err != nil && !errors.Is(err, job.ErrNotFound) {
			return job.NewTransientError(err)
		}
		return nil
	}

	localQueue = queue.New(queue.Config{
		MaxWorkers:  cfg.Queue.MaxWorkers,
		MaxRetries:  cfg.Queue.MaxRetries,
		Tick:        cfg.Queue.Tick,
		BaseBackoff: cfg.Queue.BaseBackoff,
	}, localHandler, eventManager, durableQueue.WriteThrough, appLogger.Logger)

	// Outcomes reported over the event exchange land in the durable
	// records so transfer status stays truthful for remote processing.
	eventManager.Subscribe(events.EventProcessingCompleted, events.HandlerFunc(func(name string, data events.Data) {
		jobID, _ := data.Fields["job_id"].(string)
		if jobID == "" {
			return
		}

		state := job.StateCompleted
		lastError := ""
		if s, _ := data.Fields["state"].(string); s == "failed" {
			state = job.StateFailed
			lastError, _ = data.Fields["error"].(string)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := durableQueue.MarkOutcome(ctx, jobID, state, lastError); err != nil && !errors.Is(err, job.ErrNotFound) {
			appLogger.Warn("Failed to record remote job outcome",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventManager.Start()
	localQueue.Start(ctx)

	go pruneLoop(ctx, durableQueue, cfg.Durable, appLogger.Logger)

	listener := bridge.NewListener(rabbitClient, eventManager, appLogger.Logger)
	if err := listener.Start(ctx, cfg.App.Name+"-events"); err != nil {
		return fmt.Errorf("failed to start event listener: %w", err)
	}

	producer := bridge.NewProducer(rabbitClient, appLogger.Logger)

	deps := &handler.Dependencies{
		Logger:     appLogger.Logger,
		Durable:    durableQueue,
		Local:      localQueue,
		Producer:   producer,
		Aggregator: transfer.NewAggregator(durableQueue),
		Events:     eventManager,
	}

	r := initRouter(cfg, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		shutdownCancel()
		cancel()
		localQueue.Stop()
		eventManager.Stop()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// pruneLoop periodically drops finished job records that are past the
// retention window.
func pruneLoop(ctx context.Context, q *durable.Queue, cfg config.DurableConfig, logger *slog.Logger) {
	retain := cfg.RetainTerminal
	if retain <= 0 {
		retain = 24 * time.Hour
	}
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := q.Prune(pruneCtx, retain); err != nil {
				logger.Warn("Failed to prune finished jobs", slog.Any("error", err))
			}
			cancel()
		}
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
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
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		EventExchangeName:  cfg.EventExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
	}

	return router.SetupRouter(deps, metricsPath)
}
