package engine

import (
	"fmt"
	"time"
)

// Config holds tuning for the ingestion engine.
type Config struct {
	// Workers is the number of concurrent ingestion workers.
	Workers int

	// QueueSize is the capacity of the pending meeting queue.
	QueueSize int

	// MaxRetries bounds retries for a batch that loses a write conflict
	// or whose extraction call fails transiently.
	MaxRetries int

	// ShutdownTimeout bounds how long Shutdown waits for workers to drain.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		QueueSize:       64,
		MaxRetries:      3,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	return nil
}

// IngestJob is one queued meeting transcript awaiting ingestion.
type IngestJob struct {
	MeetingID   string
	Transcript  string
	MeetingTime time.Time
	Attempt     int
	Enqueued    time.Time
}
