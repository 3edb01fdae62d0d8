package worker

import (
	"fmt"
	"time"
)

// Config defines how the worker polls and dispatches queued jobs
type Config struct {
	// Queue name shared by every job the service enqueues
	Queue string `toml:"queue"`

	// Maximum jobs running at once
	Workers int `toml:"workers"`

	// How often the queue is polled for ready jobs
	PollInterval time.Duration `toml:"poll_interval"`
}

// DefaultConfig returns worker configuration defaults
func DefaultConfig() Config {
	return Config{
		Queue:        "sync",
		Workers:      3,
		PollInterval: time.Second,
	}
}

// Validate validates worker configuration and returns error if invalid
func (c Config) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("Queue must not be empty")
	}

	if c.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", c.Workers)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", c.PollInterval)
	}

	return nil
}
