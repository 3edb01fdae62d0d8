package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/livinlefevreloca/stocksync/internal/batch"
	"github.com/livinlefevreloca/stocksync/internal/db"
	"github.com/livinlefevreloca/stocksync/internal/ingest"
	"github.com/livinlefevreloca/stocksync/internal/syncer"
	"github.com/livinlefevreloca/stocksync/internal/worker"
)

// Queue backends
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	Database db.Config     `toml:"database"`
	Engine   EngineConfig  `toml:"engine"`
	Ingest   IngestConfig  `toml:"ingest"`
	Syncer   syncer.Config `toml:"syncer"`
	Worker   worker.Config `toml:"worker"`
	Queue    QueueConfig   `toml:"queue"`
	Metrics  MetricsConfig `toml:"metrics"`
	Logging  LoggingConfig `toml:"logging"`
}

// EngineConfig holds the batch defaults used when a request sets none.
// Concurrency also caps the per-class recommended concurrency of parallel runs.
type EngineConfig struct {
	Strategy      batch.Strategy `toml:"strategy"`
	Concurrency   int            `toml:"concurrency"`
	ScheduleQueue string         `toml:"schedule_queue"`
}

// IngestConfig holds the SKU ingestion pool settings
type IngestConfig struct {
	ChunkSize int `toml:"chunk_size"`
	Workers   int `toml:"workers"`
}

// QueueConfig selects and configures the job queue backend
type QueueConfig struct {
	Backend   string `toml:"backend"`
	Address   string `toml:"address"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver: "sqlite3",
			DSN:    "stocksync.db",
			// SQLite has a single writer
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 0,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Engine: EngineConfig{
			Strategy:      batch.Sequential,
			Concurrency:   batch.DefaultConcurrency,
			ScheduleQueue: "scheduled-sync",
		},
		Ingest: IngestConfig{
			ChunkSize: ingest.DefaultChunkSize,
			Workers:   ingest.DefaultWorkers,
		},
		Syncer: syncer.DefaultConfig(),
		Worker: worker.DefaultConfig(),
		Queue: QueueConfig{
			Backend:   QueueMemory,
			Address:   "localhost:6379",
			KeyPrefix: "stocksync",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables, including an optional .env file
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath, envFile string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	// Variables already set in the process win over the .env file
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides file values with STOCKSYNC_* environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("STOCKSYNC_DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup("STOCKSYNC_QUEUE_BACKEND"); ok {
		c.Queue.Backend = v
	}
	if v, ok := lookup("STOCKSYNC_REDIS_ADDR"); ok {
		c.Queue.Address = v
	}
	if v, ok := lookup("STOCKSYNC_REDIS_PASSWORD"); ok {
		c.Queue.Password = v
	}
	if v, ok := lookup("STOCKSYNC_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STOCKSYNC_REDIS_DB: %w", err)
		}
		c.Queue.DB = n
	}
	if v, ok := lookup("STOCKSYNC_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("STOCKSYNC_METRICS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STOCKSYNC_METRICS_PORT: %w", err)
		}
		c.Metrics.Port = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Engine validation
	if c.Engine.Strategy != batch.Sequential && c.Engine.Strategy != batch.Parallel {
		return fmt.Errorf("invalid engine strategy: %s (must be sequential or parallel)", c.Engine.Strategy)
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine concurrency must be positive")
	}
	if c.Engine.ScheduleQueue == "" {
		return fmt.Errorf("engine schedule_queue must be specified")
	}

	// Ingest validation
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("ingest chunk_size must be positive")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest workers must be positive")
	}

	if err := c.Syncer.Validate(); err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	// Queue validation
	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.Address == "" {
			return fmt.Errorf("queue address must be specified for the redis backend")
		}
	default:
		return fmt.Errorf("invalid queue backend: %s (must be memory or redis)", c.Queue.Backend)
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
