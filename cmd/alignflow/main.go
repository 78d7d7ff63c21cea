package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/alignflow/internal/application/orchestrator"
	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/aescanero/alignflow/internal/application/workers"
	"github.com/aescanero/alignflow/internal/config"
	memoryevents "github.com/aescanero/alignflow/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/alignflow/pkg/adapters/events/redis"
	"github.com/aescanero/alignflow/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/aescanero/alignflow/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/alignflow/pkg/adapters/storage/redis"
	"github.com/aescanero/alignflow/pkg/adapters/tools/process"
	"github.com/aescanero/alignflow/pkg/api/grpc"
	"github.com/aescanero/alignflow/pkg/api/http"
	"github.com/aescanero/alignflow/pkg/api/websocket"
	"github.com/aescanero/alignflow/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

const usage = `usage: alignflow <command> [flags]

commands:
  serve    run the orchestrator service (default)
  run      execute one pipeline and print its report
  version  print the version
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		serve()
	case "run":
		os.Exit(runOnce(args))
	case "version":
		fmt.Printf("alignflow %s (built %s)\n", Version, BuildTime)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// components is the orchestrator stack shared by serve and run
type components struct {
	pool     *workers.Pool
	manager  *orchestrator.Manager
	eventBus ports.EventBus
	storage  ports.RunStorage
	registry *promclient.Registry
	redis    goredis.UniversalClient
	logger   *zap.Logger
}

func newComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	c.registry = promclient.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := prometheus.NewCollector(c.registry)

	switch cfg.Storage.Backend {
	case config.StorageRedis:
		c.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := c.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		bus, err := redisevents.NewStreamsEventBus(
			c.redis,
			consumerGroup(cfg.Redis.ConsumerGroup, os.Getpid()),
			fmt.Sprintf("alignflow-%d", os.Getpid()),
			cfg.Redis.StreamMaxLen,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		c.eventBus = bus
		c.storage = redisstorage.NewRunStorage(c.redis, cfg.Storage.RunTTL, logger)
	default:
		c.eventBus = memoryevents.NewInMemoryEventBus(logger)
		c.storage = memorystorage.NewInMemoryRunStorage()
	}

	c.pool = workers.NewPool(
		cfg.Workers.PoolSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	if err := c.pool.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	runner := process.NewRunner(logger, process.WithMaxDiagnostics(cfg.Tools.MaxDiagnostics))
	builder := pipeline.NewBuilder(cfg.ToolPaths(), cfg.Tools.Threads, cfg.OutputDir, pipeline.NewValidator())
	scheduler := orchestrator.NewScheduler(
		c.pool,
		runner,
		c.eventBus,
		c.storage,
		metricsCollector,
		logger,
		cfg.Timeouts.StageTimeout,
	)
	c.manager = orchestrator.NewManager(
		builder,
		scheduler,
		c.eventBus,
		c.storage,
		metricsCollector,
		logger,
		cfg.Timeouts.RunTimeout,
		cfg.Workers.RunConcurrency,
	)

	return c, nil
}

// consumerGroup returns the configured Redis consumer group, or one
// private to this process so it reads every event for its own WebSocket
// clients.
func consumerGroup(configured string, pid int) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf("alignflow-%d", pid)
}

// close stops the run manager before the pool so cancelled stages drain
func (c *components) close(ctx context.Context) {
	if err := c.manager.Shutdown(ctx); err != nil {
		c.logger.Error("run manager shutdown error", zap.Error(err))
	}
	if err := c.pool.Shutdown(ctx); err != nil {
		c.logger.Error("worker pool shutdown error", zap.Error(err))
	}
	if err := c.eventBus.Close(); err != nil {
		c.logger.Error("event bus close error", zap.Error(err))
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("Redis close error", zap.Error(err))
		}
	}
}

func serve() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting alignflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	c, err := newComponents(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Runs:     c.manager,
		Health:   c.pool.Health(),
		Gatherer: c.registry,
		Logger:   logger,
	})

	wsHandler := websocket.NewHandler(c.eventBus, c.manager, logger)
	if err := wsHandler.Start(ctx); err != nil {
		logger.Fatal("failed to subscribe to events", zap.Error(err))
	}
	httpServer.SetupWebSocket(wsHandler.HandleRunStream)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:          cfg.GRPCPort,
		Checker:       c.pool.Health(),
		CheckInterval: cfg.Workers.HealthCheckInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("alignflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("output_dir", cfg.OutputDir),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	stop()
	c.close(shutdownCtx)

	logger.Info("alignflow shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
