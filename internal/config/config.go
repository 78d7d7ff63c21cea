package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config holds all configuration for alignflow
type Config struct {
	// Server configuration
	HTTPPort int    `env:"ALIGNFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"ALIGNFLOW_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Directory receiving index and alignment outputs
	OutputDir string `env:"ALIGNFLOW_OUTPUT_DIR" envDefault:"./alignflow-out"`

	Storage  StorageConfig
	Redis    RedisConfig
	Tools    ToolConfig
	Workers  WorkerConfig
	Timeouts TimeoutConfig
}

// StorageConfig selects where run reports and events live
type StorageConfig struct {
	Backend string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	RunTTL  time.Duration `env:"STORAGE_RUN_TTL" envDefault:"168h"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Event streams
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP"`
	StreamMaxLen  int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
}

// ToolConfig maps logical tool names to executables. Bare names are
// resolved through PATH when a stage runs.
type ToolConfig struct {
	BWA      string `env:"TOOL_BWA" envDefault:"bwa"`
	Minimap2 string `env:"TOOL_MINIMAP2" envDefault:"minimap2"`
	Samtools string `env:"TOOL_SAMTOOLS" envDefault:"samtools"`
	Threads  int    `env:"TOOL_THREADS" envDefault:"4"`

	MaxDiagnostics int `env:"TOOL_MAX_DIAGNOSTICS" envDefault:"65536"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	RunConcurrency      int           `env:"RUN_CONCURRENCY" envDefault:"0"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds timeouts. Zero disables the run and stage bounds.
type TimeoutConfig struct {
	RunTimeout      time.Duration `env:"TIMEOUT_RUN" envDefault:"24h"`
	StageTimeout    time.Duration `env:"TIMEOUT_STAGE" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("HTTP and gRPC ports must differ: %d", c.HTTPPort)
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis storage backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory or redis)", c.Storage.Backend)
	}
	if c.Storage.RunTTL < 0 {
		return fmt.Errorf("run TTL must not be negative")
	}

	if c.Tools.BWA == "" || c.Tools.Minimap2 == "" || c.Tools.Samtools == "" {
		return fmt.Errorf("tool paths must not be empty")
	}
	if c.Tools.Threads < 1 {
		return fmt.Errorf("tool threads must be at least 1")
	}
	if c.Tools.MaxDiagnostics < 1 {
		return fmt.Errorf("tool diagnostics limit must be at least 1")
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.RunConcurrency < 0 {
		return fmt.Errorf("run concurrency must not be negative")
	}

	if c.Timeouts.RunTimeout < 0 || c.Timeouts.StageTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// ToolPaths returns the logical tool name to executable mapping
func (c *Config) ToolPaths() map[string]string {
	return map[string]string{
		"bwa":      c.Tools.BWA,
		"minimap2": c.Tools.Minimap2,
		"samtools": c.Tools.Samtools,
	}
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
