package syncer

import (
	"fmt"
	"time"
)

// Config defines how job progress writes are buffered
type Config struct {
	// Channel buffer size. Reports are dropped while the channel is full.
	ChannelSize int `toml:"channel_size"`

	// Flushing - dual mechanism (distinct buffered jobs OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`

	// Upper bound for a single write
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// DefaultConfig returns syncer configuration defaults
func DefaultConfig() Config {
	return Config{
		ChannelSize:    256,
		FlushThreshold: 50,
		FlushInterval:  500 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
	}
}

// Validate validates syncer configuration and returns error if invalid
func (c Config) Validate() error {
	if c.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", c.ChannelSize)
	}

	if c.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", c.FlushThreshold)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", c.WriteTimeout)
	}

	return nil
}
