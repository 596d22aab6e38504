// Package worker provides the polling pool that drives workflow
// execution. The pool periodically queries the store for due instances
// (created, elapsed retry delays, reached wake times, expired wait
// deadlines, pending events) and re-invokes each through the tick
// function with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// TickFunc advances one workflow instance by a single tick.
type TickFunc func(ctx context.Context, instanceID id.InstanceID) error

// DueSource lists instances that are due for a tick. Satisfied by
// workflow.Store.
type DueSource interface {
	DueInstances(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error)
}

// Pool polls for due instances and ticks them concurrently. Lost
// version races (two pools picking up the same instance) are resolved
// by the store's optimistic concurrency check, so overlapping polls are
// harmless.
type Pool struct {
	due          DueSource
	tick         TickFunc
	concurrency  int
	batchSize    int
	pollInterval time.Duration
	limiter      *rate.Limiter
	workerID     id.WorkerID
	logger       *slog.Logger
	clock        func() time.Time

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// inflight guards against ticking the same instance from two
	// goroutines of this pool at once.
	inflight   map[string]struct{}
	inflightMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the maximum number of concurrent ticks.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often the pool polls for due instances.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithBatchSize sets how many due instances one poll may claim.
func WithBatchSize(n int) PoolOption {
	return func(p *Pool) { p.batchSize = n }
}

// WithTickRate limits how many ticks per second the pool may start.
// Zero means unlimited.
func WithTickRate(perSecond float64) PoolOption {
	return func(p *Pool) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithPoolClock sets the time source used for due queries.
func WithPoolClock(clock func() time.Time) PoolOption {
	return func(p *Pool) { p.clock = clock }
}

// NewPool creates a worker pool.
func NewPool(due DueSource, tick TickFunc, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		due:          due,
		tick:         tick,
		concurrency:  10,
		batchSize:    32,
		pollInterval: 500 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
		stopCh:       make(chan struct{}),
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the poll loop. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.pollLoop(ctx)

	return nil
}

// Stop signals the pool to stop and waits for in-flight ticks to
// finish. If the context expires first, active ticks are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active ticks")
		p.cancel()
		p.wg.Wait()
	}

	return nil
}

// pollLoop drives the poll/tick cycle until stopped. Ticks run in an
// errgroup bounded to the pool's concurrency.
func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	defer g.Wait() //nolint:errcheck // tick errors are logged per-instance

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		due, err := p.due.DueInstances(ctx, p.clock(), p.batchSize)
		if err != nil {
			p.logger.Error("due instances query failed", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		dispatched := 0
		for _, inst := range due {
			key := inst.ID.String()
			if !p.claim(key) {
				continue
			}
			dispatched++
			instanceID := inst.ID
			g.Go(func() error {
				defer p.release(key)
				p.runTick(gctx, instanceID)
				return nil
			})
		}

		if dispatched == 0 {
			p.sleep()
		}
	}
}

// runTick executes one tick, honoring the rate limit.
func (p *Pool) runTick(ctx context.Context, instanceID id.InstanceID) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if err := p.tick(ctx, instanceID); err != nil {
		// Version conflicts are expected when another worker won the
		// instance; the loser just moves on.
		if errors.Is(err, loom.ErrVersionConflict) {
			p.logger.Debug("tick lost version race",
				slog.String("instance_id", instanceID.String()),
			)
			return
		}
		p.logger.Error("tick failed",
			slog.String("instance_id", instanceID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) claim(key string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Pool) release(key string) {
	p.inflightMu.Lock()
	delete(p.inflight, key)
	p.inflightMu.Unlock()
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}
