package loom

import "time"

// Config holds configuration for the Host.
type Config struct {
	// Concurrency is the maximum number of instance ticks processed
	// concurrently by the worker pool.
	Concurrency int

	// PollInterval is how often the worker pool polls for due instances
	// (elapsed retry delays, reached wake times, expired wait deadlines).
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// TickRate limits how many ticks per second the pool may start.
	// Zero means unlimited.
	TickRate float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		PollInterval:    500 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}
