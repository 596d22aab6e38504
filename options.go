package loom

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Host.
type Option func(*Host) error

// Storer is the minimal store interface held by the Host. It covers
// lifecycle operations only; subsystem layers type-assert the store to
// the full contracts (workflow.Store, event.Store) they need.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for the worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Host is the process-level coordinator for durable workflow execution.
// It owns configuration, logging, and the store, and drives the worker
// pool that re-invokes ticks when instances become due.
//
// Create one with New() and functional options, then use engine.Build
// to wire the replay engine, registry, and pool on top of it.
type Host struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Host with the given options.
func New(opts ...Option) (*Host, error) {
	h := &Host{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Logger returns the host's logger.
func (h *Host) Logger() *slog.Logger { return h.logger }

// Store returns the host's store.
func (h *Host) Store() Storer { return h.store }

// Config returns a copy of the host's configuration.
func (h *Host) Config() Config { return h.config }

// SetPool sets the worker pool (called by engine.Build).
func (h *Host) SetPool(p poolRunner) { h.pool = p }

// SetExtensions sets the extension emitter (called by engine.Build).
func (h *Host) SetExtensions(e extensionEmitter) { h.extensions = e }

// Start begins tick processing.
func (h *Host) Start(ctx context.Context) error {
	if h.pool == nil {
		return ErrNoStore
	}
	if err := h.pool.Start(ctx); err != nil {
		return err
	}
	h.started = true
	return nil
}

// Stop gracefully shuts down the host.
func (h *Host) Stop(ctx context.Context) error {
	if h.pool != nil && h.started {
		if err := h.pool.Stop(ctx); err != nil {
			h.logger.Error("pool stop error", "error", err)
		}
	}
	if h.extensions != nil {
		h.extensions.EmitShutdown(ctx)
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent instance ticks.
func WithConcurrency(n int) Option {
	return func(h *Host) error {
		h.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the worker pool polls for due instances.
func WithPollInterval(d time.Duration) Option {
	return func(h *Host) error {
		h.config.PollInterval = d
		return nil
	}
}

// WithLogger sets the structured logger for the host.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) error {
		h.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the host. The store must
// implement Storer at minimum; typically it also implements
// workflow.Store and event.Store.
func WithStore(s Storer) Option {
	return func(h *Host) error {
		h.store = s
		return nil
	}
}

// WithTickRate limits how many ticks per second the worker pool may
// start. Zero means unlimited.
func WithTickRate(perSecond float64) Option {
	return func(h *Host) error {
		h.config.TickRate = perSecond
		return nil
	}
}
