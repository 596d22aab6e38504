package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// StepExecutor runs a step body. The engine supplies one that routes
// the body through its middleware chain (panic recovery, logging,
// tracing, metrics) before reaching the user function.
type StepExecutor func(ctx context.Context, inst *Instance, rec *StepRecord, body func(ctx context.Context) error) error

// EventSource looks up pending events during a tick. Satisfied by
// event.Store.
type EventSource interface {
	NextPending(ctx context.Context, instanceID id.InstanceID, name string) (*event.Event, error)
}

// Context is the execution context passed to workflow bodies during a
// tick. It provides the durable step API: Do (memoized side effects),
// Sleep (timed suspension), and WaitForEvent (external events).
//
// All effects produced through a Context are buffered into a
// TickCommit; nothing is persisted until the engine commits the tick
// atomically.
type Context struct {
	ctx      context.Context
	inst     *Instance
	defaults Defaults
	now      func() time.Time
	exec     StepExecutor
	events   EventSource
	logger   *slog.Logger

	// Replay cursor over the durability log.
	byOrdinal map[int]*StepRecord
	byName    map[string]*StepRecord
	pos       int

	commit *TickCommit
	dirty  map[string]bool // step names already added to commit.Steps
}

// ContextConfig carries the engine-supplied collaborators for a Context.
type ContextConfig struct {
	Clock  func() time.Time
	Exec   StepExecutor
	Events EventSource
	Logger *slog.Logger
}

// NewContext creates the execution context for one tick. log must be
// the instance's step records ordered by ordinal. This is called by
// the replay engine, not by users.
func NewContext(ctx context.Context, inst *Instance, log []*StepRecord, defaults Defaults, cfg ContextConfig) *Context {
	c := &Context{
		ctx:      ctx,
		inst:     inst,
		defaults: defaults,
		now:      cfg.Clock,
		exec:     cfg.Exec,
		events:   cfg.Events,
		logger:   cfg.Logger,
		byOrdinal: make(map[int]*StepRecord, len(log)),
		byName:    make(map[string]*StepRecord, len(log)),
		commit: &TickCommit{
			Instance:        inst,
			ExpectedVersion: inst.Version,
		},
		dirty: make(map[string]bool),
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	for _, rec := range log {
		c.byOrdinal[rec.Ordinal] = rec
		c.byName[rec.Name] = rec
	}
	return c
}

// Context returns the underlying context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// InstanceID returns the workflow instance ID.
func (c *Context) InstanceID() id.InstanceID { return c.inst.ID }

// Instance returns the workflow instance.
func (c *Context) Instance() *Instance { return c.inst }

// Commit returns the buffered tick commit. Called by the engine after
// the body returns.
func (c *Context) Commit() *TickCommit { return c.commit }

// SetResult records the instance-level result returned to API clients
// once the workflow completes. The value is JSON-serialized; calling it
// again overwrites the previous value. Because it only mutates the
// buffered instance, it is replay-safe.
func (c *Context) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return loom.NonRetriable(fmt.Errorf("encode workflow result: %w", err))
	}
	c.inst.Result = data
	return nil
}

// EmitTimeline appends a timeline entry to the tick commit, assigning
// the next per-instance sequence number. payload is JSON-marshaled.
func (c *Context) EmitTimeline(kind TimelineKind, payload any) {
	c.inst.LastSequence++
	c.commit.Timeline = append(c.commit.Timeline, &TimelineEntry{
		ID:         id.NewTimelineID(),
		InstanceID: c.inst.ID,
		Sequence:   c.inst.LastSequence,
		Kind:       kind,
		Payload:    mustMarshal(payload),
		Timestamp:  c.now(),
	})
}

// touch marks a step record as part of this tick's writes.
func (c *Context) touch(rec *StepRecord) {
	if !c.dirty[rec.Name] {
		c.dirty[rec.Name] = true
		c.commit.Steps = append(c.commit.Steps, rec)
	}
}

// nextRecord advances the replay cursor and returns the step record at
// the current position, creating a fresh pending one if the log ends
// here. A name or kind mismatch against the log is a determinism
// violation and fatal to the instance.
func (c *Context) nextRecord(name string, kind StepKind) (*StepRecord, error) {
	ordinal := c.pos
	c.pos++

	if rec, ok := c.byOrdinal[ordinal]; ok {
		if rec.Name != name || rec.Kind != kind {
			return nil, &loom.DeterminismError{Ordinal: ordinal, Expected: rec.Name, Got: name}
		}
		return rec, nil
	}

	// The same name recurring at a different position means the body's
	// call sequence diverged from the log.
	if prev, ok := c.byName[name]; ok {
		return nil, &loom.DeterminismError{Ordinal: prev.Ordinal, Expected: prev.Name, Got: name}
	}

	rec := &StepRecord{
		ID:         id.NewStepID(),
		InstanceID: c.inst.ID,
		Name:       name,
		Ordinal:    ordinal,
		Kind:       kind,
		Status:     StepPending,
	}
	c.byOrdinal[ordinal] = rec
	c.byName[name] = rec
	c.touch(rec)
	return rec, nil
}

// ──────────────────────────────────────────────────
// Step options
// ──────────────────────────────────────────────────

// StepOption overrides the definition defaults for a single step call.
type StepOption func(*stepOptions)

type stepOptions struct {
	policy *RetryPolicy
	limit  *ResultSizeLimit
}

// WithStepRetries overrides the retry policy for this step.
func WithStepRetries(p RetryPolicy) StepOption {
	return func(o *stepOptions) { o.policy = &p }
}

// WithStepResultLimit overrides the result size limit for this step.
func WithStepResultLimit(l ResultSizeLimit) StepOption {
	return func(o *stepOptions) { o.limit = &l }
}

func (c *Context) resolveOptions(opts []StepOption) (RetryPolicy, *ResultSizeLimit) {
	resolved := stepOptions{}
	for _, opt := range opts {
		opt(&resolved)
	}
	policy := c.defaults.Retries
	if resolved.policy != nil {
		policy = *resolved.policy
	}
	limit := c.defaults.ResultSizeLimit
	if resolved.limit != nil {
		limit = resolved.limit
	}
	return policy, limit
}

// ──────────────────────────────────────────────────
// Do
// ──────────────────────────────────────────────────

// Do executes a named step with no result value. If the durability log
// already records the step as succeeded, the body is skipped.
func (c *Context) Do(name string, fn func(ctx context.Context) error, opts ...StepOption) error {
	_, err := c.doRaw(name, func(ctx context.Context) ([]byte, error) {
		return nil, fn(ctx)
	}, opts)
	return err
}

// Do executes a named step that returns a typed value. The result is
// JSON-serialized into the durability log; on replay the memoized
// value is decoded and returned without re-executing the body.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Do[T any](c *Context, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T

	raw, err := c.doRaw(name, func(ctx context.Context) ([]byte, error) {
		v, fnErr := fn(ctx)
		if fnErr != nil {
			return nil, fnErr
		}
		data, mErr := json.Marshal(v)
		if mErr != nil {
			return nil, loom.NonRetriable(fmt.Errorf("encode result for step %q: %w", name, mErr))
		}
		return data, nil
	}, opts)
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}

	var out T
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return zero, fmt.Errorf("decode memoized result for step %q: %w", name, decErr)
	}
	return out, nil
}

// doRaw is the shared implementation behind Do. It replays a succeeded
// record or executes one attempt of the body, applying the overflow
// policy and retry classification.
func (c *Context) doRaw(name string, fn func(ctx context.Context) ([]byte, error), opts []StepOption) ([]byte, error) {
	rec, err := c.nextRecord(name, KindDo)
	if err != nil {
		return nil, err
	}

	if rec.Status == StepSucceeded {
		c.logger.Debug("replaying memoized step",
			slog.String("instance_id", c.inst.ID.String()),
			slog.String("step", name),
		)
		return rec.Result, nil
	}

	policy, limit := c.resolveOptions(opts)

	c.touch(rec)
	rec.Attempts++
	now := c.now()
	if rec.StartedAt == nil {
		started := now
		rec.StartedAt = &started
	}
	c.EmitTimeline(TimelineStepStarted, stepTimelinePayload{
		Step:    name,
		Attempt: rec.Attempts,
	})

	var result []byte
	body := func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	}

	start := c.now()
	execErr := c.exec(c.ctx, c.inst, rec, body)
	elapsed := c.now().Sub(start)

	persisted := result
	if execErr == nil && limit != nil && len(result) > limit.MaxSize {
		overflow := &loom.OverflowError{Step: name, Size: len(result), MaxSize: limit.MaxSize}
		switch limit.OnOverflow {
		case OverflowTruncate:
			// The log keeps the capped bytes; the in-flight caller still
			// sees the full value.
			persisted = result[:limit.MaxSize]
		case OverflowError:
			execErr = loom.NonRetriable(overflow)
		default: // OverflowRetry: the oversized result is never persisted
			execErr = overflow
		}
		if execErr != nil {
			result = nil
			persisted = nil
		}
	}

	if execErr != nil {
		return nil, c.failStep(rec, policy, execErr, elapsed)
	}

	rec.Status = StepSucceeded
	rec.Result = persisted
	completed := c.now()
	rec.CompletedAt = &completed
	c.EmitTimeline(TimelineStepSucceeded, stepTimelinePayload{
		Step:       name,
		Attempt:    rec.Attempts,
		DurationMs: elapsed.Milliseconds(),
	})
	return result, nil
}

// failStep classifies a step failure. Retriable failures under the
// budget append to the retry history and suspend the tick; everything
// else freezes the record as failed and propagates the original error
// so the engine can fail the instance with the message intact.
func (c *Context) failStep(rec *StepRecord, policy RetryPolicy, stepErr error, elapsed time.Duration) error {
	now := c.now()
	rec.LastError = stepErr.Error()

	if !loom.IsNonRetriable(stepErr) && !policy.Exhausted(rec.Attempts) {
		rec.Status = StepRetryScheduled
		rec.RetryHistory = append(rec.RetryHistory, RetryAttempt{
			Attempt:    rec.Attempts,
			Error:      stepErr.Error(),
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  now,
		})

		delay := policy.NextDelay(rec.Attempts)
		resume := now.Add(delay)
		c.EmitTimeline(TimelineStepRetrying, stepTimelinePayload{
			Step:    rec.Name,
			Attempt: rec.Attempts,
			Error:   stepErr.Error(),
			DelayMs: delay.Milliseconds(),
		})
		return &Suspension{Reason: SuspendRetry, Step: rec.Name, Resume: resume}
	}

	rec.Status = StepFailed
	rec.ErrorStack = string(debug.Stack())
	completed := now
	rec.CompletedAt = &completed
	c.EmitTimeline(TimelineStepFailed, stepTimelinePayload{
		Step:    rec.Name,
		Attempt: rec.Attempts,
		Error:   stepErr.Error(),
	})
	return stepErr
}

// ──────────────────────────────────────────────────
// Sleep
// ──────────────────────────────────────────────────

// Sleep suspends the workflow durably for the given duration. The wake
// time is persisted on first encounter; the engine never resumes past
// the sleep before it. A satisfied sleep replays as a no-op.
func (c *Context) Sleep(name string, d time.Duration) error {
	rec, err := c.nextRecord(name, KindSleep)
	if err != nil {
		return err
	}

	if rec.Status == StepSucceeded {
		return nil
	}

	now := c.now()
	if rec.WakeAt == nil {
		wake := now.Add(d)
		rec.WakeAt = &wake
		started := now
		rec.StartedAt = &started
		c.touch(rec)
		c.EmitTimeline(TimelineSleepStarted, sleepTimelinePayload{
			Step:   name,
			WakeAt: wake,
		})
		return &Suspension{Reason: SuspendSleep, Step: name, Resume: wake}
	}

	if now.Before(*rec.WakeAt) {
		// Ticked before the wake time; stay suspended without
		// duplicating the sleep-started entry.
		return &Suspension{Reason: SuspendSleep, Step: name, Resume: *rec.WakeAt}
	}

	c.touch(rec)
	rec.Status = StepSucceeded
	completed := now
	rec.CompletedAt = &completed
	c.EmitTimeline(TimelineSleepEnded, sleepTimelinePayload{
		Step:   name,
		WakeAt: *rec.WakeAt,
	})
	return nil
}

// ──────────────────────────────────────────────────
// WaitForEvent
// ──────────────────────────────────────────────────

// WaitOption configures a WaitForEvent call.
type WaitOption func(*waitOptions)

type waitOptions struct {
	timeout time.Duration
	policy  *RetryPolicy
}

// WithWaitTimeout bounds the wait. When the deadline elapses without a
// matching event, a TimeoutError enters the step's normal retry
// classification path.
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithWaitRetries overrides the retry policy applied to wait timeouts.
func WithWaitRetries(p RetryPolicy) WaitOption {
	return func(o *waitOptions) { o.policy = &p }
}

// WaitForEvent suspends the workflow until an event with the given
// name is delivered to the instance. The received event is memoized in
// the durability log, so replays return it without re-waiting.
func (c *Context) WaitForEvent(name string, opts ...WaitOption) (*event.Event, error) {
	var wo waitOptions
	for _, opt := range opts {
		opt(&wo)
	}
	policy := c.defaults.Retries
	if wo.policy != nil {
		policy = *wo.policy
	}

	rec, err := c.nextRecord(name, KindWait)
	if err != nil {
		return nil, err
	}

	if rec.Status == StepSucceeded {
		var evt event.Event
		if decErr := json.Unmarshal(rec.Result, &evt); decErr != nil {
			return nil, fmt.Errorf("decode memoized event for step %q: %w", name, decErr)
		}
		return &evt, nil
	}

	now := c.now()
	armed := rec.StartedAt != nil && rec.Status == StepPending

	// Re-arm after a scheduled retry of a timed-out wait.
	if rec.Status == StepRetryScheduled {
		rec.Status = StepPending
		rec.Deadline = nil
		armed = false
	}

	if !armed {
		c.touch(rec)
		rec.Attempts++
		started := now
		if rec.StartedAt == nil {
			rec.StartedAt = &started
		}
		if wo.timeout > 0 {
			deadline := now.Add(wo.timeout)
			rec.Deadline = &deadline
		}
		c.EmitTimeline(TimelineEventWaited, waitTimelinePayload{
			Step:     name,
			Event:    name,
			Deadline: rec.Deadline,
		})
	}

	// An event may already be pending (delivered before the wait was
	// reached, or while the instance was suspended).
	evt, lookupErr := c.events.NextPending(c.ctx, c.inst.ID, name)
	if lookupErr != nil {
		return nil, &loom.PersistenceError{Op: "lookup pending event", Err: lookupErr}
	}

	if evt != nil {
		data, mErr := json.Marshal(evt)
		if mErr != nil {
			return nil, loom.NonRetriable(fmt.Errorf("encode event for step %q: %w", name, mErr))
		}
		c.touch(rec)
		rec.Status = StepSucceeded
		rec.Result = data
		completed := now
		rec.CompletedAt = &completed
		c.commit.AckEvents = append(c.commit.AckEvents, evt.ID)
		c.EmitTimeline(TimelineEventReceived, waitTimelinePayload{
			Step:    name,
			Event:   name,
			EventID: evt.ID.String(),
		})
		return evt, nil
	}

	if rec.Deadline != nil && !now.Before(*rec.Deadline) {
		timeoutErr := &loom.TimeoutError{Step: name, Deadline: *rec.Deadline}
		return nil, c.failStep(rec, policy, timeoutErr, 0)
	}

	return nil, &Suspension{
		Reason:   SuspendWait,
		Step:     name,
		Event:    name,
		Deadline: rec.Deadline,
	}
}

// ──────────────────────────────────────────────────
// Timeline payloads
// ──────────────────────────────────────────────────

type stepTimelinePayload struct {
	Step       string `json:"step"`
	Attempt    int    `json:"attempt,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	DelayMs    int64  `json:"delay_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

type sleepTimelinePayload struct {
	Step   string    `json:"step"`
	WakeAt time.Time `json:"wake_at"`
}

type waitTimelinePayload struct {
	Step     string     `json:"step"`
	Event    string     `json:"event"`
	EventID  string     `json:"event_id,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// mustMarshal marshals a timeline payload, panicking on error
// (programming error: payload types are all JSON-safe).
func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic("workflow: marshal timeline payload: " + err.Error())
	}
	return data
}
