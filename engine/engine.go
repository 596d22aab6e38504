package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/ext"
	mw "github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/stream"
	"github.com/loomworks/loom/worker"
	"github.com/loomworks/loom/workflow"
)

// instrumentationName is the OTel scope for engine-built middleware.
const instrumentationName = "github.com/loomworks/loom"

// Engine wraps a Host with typed subsystem access: the workflow
// registry, the replay engine (Tick), stores, the stream broker, and
// the worker pool. Use Build() to create one from a Host.
type Engine struct {
	host       *loom.Host
	extensions *ext.Registry
	registry   *workflow.Registry
	store      workflow.Store
	events     event.Store
	broker     *stream.Broker
	pool       *worker.Pool
	mws        []mw.Middleware
	chain      mw.Middleware
	logger     *slog.Logger
	clock      func() time.Time

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's step execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithClock injects the engine's time source. Every durability decision
// (retry delays, sleep wake times, wait deadlines) reads this clock, so
// tests can drive time deterministically. Defaults to time.Now in UTC.
func WithClock(clock func() time.Time) Option {
	return func(eng *Engine) {
		eng.clock = clock
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Host.
// The Host's store must implement workflow.Store and event.Store.
func Build(h *loom.Host, opts ...Option) (*Engine, error) {
	logger := h.Logger()
	store := h.Store()

	if store == nil {
		return nil, loom.ErrNoStore
	}

	// Type-assert the store to get the workflow.Store interface.
	ws, ok := store.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement workflow.Store")
	}

	// Type-assert the store to get the event.Store interface.
	es, ok := store.(event.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement event.Store")
	}

	eng := &Engine{
		host:       h,
		extensions: ext.NewRegistry(logger),
		registry:   workflow.NewRegistry(),
		store:      ws,
		events:     es,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.clock == nil {
		eng.clock = func() time.Time { return time.Now().UTC() }
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer(instrumentationName)
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter(instrumentationName)
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter(instrumentationName + "/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Register the stream broker so lifecycle events reach live
	// subscribers (API websockets, dashboards).
	eng.broker = stream.NewBroker(logger)
	eng.extensions.Register(eng.broker)

	// Build default middleware stack: recover → tracing → metrics → logging.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)
	eng.chain = mw.Chain(allMws...)

	// Create the worker pool that re-invokes due instances.
	config := h.Config()
	eng.pool = worker.NewPool(ws, eng.Tick, logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithTickRate(config.TickRate),
		worker.WithPoolClock(eng.clock),
	)

	// Wire back into the Host.
	h.SetPool(eng.pool)
	h.SetExtensions(eng.extensions)

	return eng, nil
}

// Start begins instance processing by starting the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.host.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.host.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the workflow registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.registry }

// Host returns the underlying Host.
func (eng *Engine) Host() *loom.Host { return eng.host }

// Broker returns the stream broker for live subscriptions.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// RegisterWorkflow registers a typed workflow definition with the engine.
func RegisterWorkflow[T any](eng *Engine, def *workflow.Definition[T]) {
	workflow.RegisterDefinition(eng.registry, def)
}
