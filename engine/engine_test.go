package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/workflow"
)

// testClock is a mutable time source so retry delays, wake times, and
// wait deadlines can be driven deterministically.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store, *testClock) {
	t.Helper()
	s := memory.New()
	clock := newTestClock()

	h, err := loom.New(loom.WithStore(s), loom.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}

	opts = append([]engine.Option{engine.WithClock(clock.Now)}, opts...)
	eng, err := engine.Build(h, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s, clock
}

func mustGet(t *testing.T, eng *engine.Engine, instanceID id.InstanceID) *workflow.Instance {
	t.Helper()
	inst, err := eng.GetInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	return inst
}

func mustTick(t *testing.T, eng *engine.Engine, instanceID id.InstanceID) {
	t.Helper()
	if err := eng.Tick(context.Background(), instanceID); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func stepByName(t *testing.T, eng *engine.Engine, instanceID id.InstanceID, name string) *workflow.StepRecord {
	t.Helper()
	steps, err := eng.GetSteps(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	for _, rec := range steps {
		if rec.Name == name {
			return rec
		}
	}
	t.Fatalf("no step record named %q", name)
	return nil
}

func timelineKinds(t *testing.T, eng *engine.Engine, instanceID id.InstanceID) []workflow.TimelineKind {
	t.Helper()
	entries, err := eng.GetTimeline(context.Background(), instanceID, 0, 0)
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	kinds := make([]workflow.TimelineKind, len(entries))
	for i, entry := range entries {
		kinds[i] = entry.Kind
		if entry.Sequence != int64(i+1) {
			t.Errorf("timeline sequence at index %d = %d, want %d", i, entry.Sequence, i+1)
		}
	}
	return kinds
}

type orderInput struct {
	OrderID string `json:"order_id"`
}

// ──────────────────────────────────────────────────
// Completion and replay
// ──────────────────────────────────────────────────

func TestEngine_CompletesSimpleWorkflow(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	var charged, shipped, notified atomic.Int32
	def := workflow.NewDefinition("process-order", func(c *workflow.Context, input orderInput) error {
		chargeID, err := workflow.Do(c, "charge-card", func(_ context.Context) (string, error) {
			charged.Add(1)
			return "ch_" + input.OrderID, nil
		})
		if err != nil {
			return err
		}
		if err := c.Do("ship", func(_ context.Context) error {
			shipped.Add(1)
			return nil
		}); err != nil {
			return err
		}
		if err := c.Do("notify", func(_ context.Context) error {
			notified.Add(1)
			return nil
		}); err != nil {
			return err
		}
		return c.SetResult(map[string]string{"charge_id": chargeID})
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "process-order", orderInput{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if inst.Status != workflow.StatusCreated {
		t.Errorf("submitted status = %s, want created", inst.Status)
	}

	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if charged.Load() != 1 || shipped.Load() != 1 || notified.Load() != 1 {
		t.Errorf("side effects ran %d/%d/%d times, want 1/1/1", charged.Load(), shipped.Load(), notified.Load())
	}
	if !strings.Contains(string(got.Result), "ch_ord-1") {
		t.Errorf("result = %s, want charge id", got.Result)
	}

	steps, err := eng.GetSteps(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("durability log has %d records, want 3", len(steps))
	}
	for _, rec := range steps {
		if rec.Status != workflow.StepSucceeded {
			t.Errorf("step %q status = %s, want succeeded", rec.Name, rec.Status)
		}
		if rec.Attempts != 1 || len(rec.RetryHistory) != 0 {
			t.Errorf("step %q attempts=%d retries=%d, want a single clean attempt", rec.Name, rec.Attempts, len(rec.RetryHistory))
		}
	}

	want := []workflow.TimelineKind{
		workflow.TimelineSubmitted,
		workflow.TimelineStarted,
		workflow.TimelineStepStarted,
		workflow.TimelineStepSucceeded,
		workflow.TimelineStepStarted,
		workflow.TimelineStepSucceeded,
		workflow.TimelineStepStarted,
		workflow.TimelineStepSucceeded,
		workflow.TimelineCompleted,
	}
	kinds := timelineKinds(t, eng, inst.ID)
	if len(kinds) != len(want) {
		t.Fatalf("timeline kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("timeline[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestEngine_ReplaySkipsSucceededSteps(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	var prepared atomic.Int32
	def := workflow.NewDefinition("batch", func(c *workflow.Context, _ struct{}) error {
		if err := c.Do("prepare", func(_ context.Context) error {
			prepared.Add(1)
			return nil
		}); err != nil {
			return err
		}
		if err := c.Sleep("cool-down", time.Hour); err != nil {
			return err
		}
		return c.Do("finish", func(_ context.Context) error { return nil })
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "batch", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusSleeping {
		t.Fatalf("status after first tick = %s, want sleeping", got.Status)
	}

	clock.Advance(time.Hour)
	mustTick(t, eng, inst.ID)

	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if prepared.Load() != 1 {
		t.Errorf("prepare ran %d times across 2 ticks, want 1", prepared.Load())
	}
}

// ──────────────────────────────────────────────────
// Retries
// ──────────────────────────────────────────────────

func TestEngine_RetriesUntilExhausted(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	var attempts atomic.Int32
	def := workflow.NewDefinition("flaky", func(c *workflow.Context, _ struct{}) error {
		return c.Do("call-api", func(_ context.Context) error {
			attempts.Add(1)
			return errors.New("connection refused")
		})
	}, workflow.WithRetries[struct{}](workflow.RetryPolicy{
		Limit:   5,
		Delay:   time.Second,
		Backoff: workflow.BackoffConstant,
	}))
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "flaky", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Five scheduled retries, then terminal failure on the sixth attempt.
	for i := 0; i < 5; i++ {
		mustTick(t, eng, inst.ID)
		got := mustGet(t, eng, inst.ID)
		if got.Status != workflow.StatusRunning || got.RetryAt == nil {
			t.Fatalf("after attempt %d: status=%s retryAt=%v, want running with retry scheduled", i+1, got.Status, got.RetryAt)
		}
		clock.Advance(2 * time.Second)
	}
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusErrored {
		t.Fatalf("status = %s, want errored", got.Status)
	}
	if got.Error != "connection refused" {
		t.Errorf("instance error = %q, want the step error verbatim", got.Error)
	}
	if got.ErrorStack == "" {
		t.Error("errored instance has no error stack")
	}
	if attempts.Load() != 6 {
		t.Errorf("step executed %d times under limit 5, want 6", attempts.Load())
	}

	rec := stepByName(t, eng, inst.ID, "call-api")
	if rec.Status != workflow.StepFailed {
		t.Errorf("step status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 6 {
		t.Errorf("recorded attempts = %d, want 6", rec.Attempts)
	}
	if len(rec.RetryHistory) != 5 {
		t.Errorf("retry history has %d entries, want 5", len(rec.RetryHistory))
	}
	if rec.ErrorStack == "" {
		t.Error("terminal step failure has no error stack")
	}
	if got.ErrorStack != rec.ErrorStack {
		t.Error("instance error stack does not match the failed step's")
	}
}

func TestEngine_RetrySucceedsAfterTransientFailures(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	var attempts atomic.Int32
	def := workflow.NewDefinition("eventually", func(c *workflow.Context, _ struct{}) error {
		return c.Do("call-api", func(_ context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("timeout")
			}
			return nil
		})
	}, workflow.WithRetries[struct{}](workflow.RetryPolicy{
		Limit:   5,
		Delay:   time.Second,
		Backoff: workflow.BackoffExponential,
	}))
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "eventually", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for mustGet(t, eng, inst.ID).Status != workflow.StatusCompleted {
		mustTick(t, eng, inst.ID)
		clock.Advance(time.Minute)
	}

	if attempts.Load() != 3 {
		t.Errorf("step executed %d times, want 3", attempts.Load())
	}
	rec := stepByName(t, eng, inst.ID, "call-api")
	if rec.Status != workflow.StepSucceeded {
		t.Errorf("step status = %s, want succeeded", rec.Status)
	}
	if len(rec.RetryHistory) != 2 {
		t.Errorf("retry history has %d entries, want 2", len(rec.RetryHistory))
	}
}

func TestEngine_NonRetriableShortCircuits(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	var attempts atomic.Int32
	def := workflow.NewDefinition("doomed", func(c *workflow.Context, _ struct{}) error {
		return c.Do("validate", func(_ context.Context) error {
			attempts.Add(1)
			return loom.NonRetriable(errors.New("Intentional permanent failure"))
		})
	}, workflow.WithRetries[struct{}](workflow.RetryPolicy{
		Limit:   5,
		Delay:   time.Second,
		Backoff: workflow.BackoffConstant,
	}))
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "doomed", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusErrored {
		t.Fatalf("status = %s, want errored on first attempt", got.Status)
	}
	if got.Error != "Intentional permanent failure" {
		t.Errorf("instance error = %q, want original message verbatim", got.Error)
	}
	if attempts.Load() != 1 {
		t.Errorf("step executed %d times, want 1 despite retry budget", attempts.Load())
	}
	rec := stepByName(t, eng, inst.ID, "validate")
	if len(rec.RetryHistory) != 0 {
		t.Errorf("retry history has %d entries, want none", len(rec.RetryHistory))
	}
}

// ──────────────────────────────────────────────────
// Sleep
// ──────────────────────────────────────────────────

func TestEngine_DurableSleep(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	def := workflow.NewDefinition("delayed", func(c *workflow.Context, _ struct{}) error {
		return c.Sleep("wait-a-day", 24*time.Hour)
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "delayed", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	start := clock.Now()

	mustTick(t, eng, inst.ID)
	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusSleeping {
		t.Fatalf("status = %s, want sleeping", got.Status)
	}
	if got.WakeAt == nil || !got.WakeAt.Equal(start.Add(24*time.Hour)) {
		t.Errorf("WakeAt = %v, want submit time + 24h", got.WakeAt)
	}

	// An early tick must not wake the instance or duplicate entries.
	clock.Advance(time.Hour)
	before := len(timelineKinds(t, eng, inst.ID))
	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusSleeping {
		t.Fatalf("status after early tick = %s, want sleeping", got.Status)
	}
	if after := len(timelineKinds(t, eng, inst.ID)); after != before {
		t.Errorf("early tick appended %d timeline entries", after-before)
	}

	clock.Advance(23 * time.Hour)
	mustTick(t, eng, inst.ID)
	got = mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt.Before(start.Add(24 * time.Hour)) {
		t.Errorf("completed at %v, before the wake time", got.CompletedAt)
	}
}

// ──────────────────────────────────────────────────
// Result size limits
// ──────────────────────────────────────────────────

func TestEngine_OverflowTruncate(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	def := workflow.NewDefinition("big-result", func(c *workflow.Context, _ struct{}) error {
		_, err := workflow.Do(c, "fetch", func(_ context.Context) (string, error) {
			return strings.Repeat("x", 100), nil
		}, workflow.WithStepResultLimit(workflow.ResultSizeLimit{
			MaxSize:    16,
			OnOverflow: workflow.OverflowTruncate,
		}))
		return err
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "big-result", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	rec := stepByName(t, eng, inst.ID, "fetch")
	if len(rec.Result) != 16 {
		t.Errorf("persisted result is %d bytes, want capped at 16", len(rec.Result))
	}
}

func TestEngine_OverflowError(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	def := workflow.NewDefinition("big-result", func(c *workflow.Context, _ struct{}) error {
		_, err := workflow.Do(c, "fetch", func(_ context.Context) (string, error) {
			return strings.Repeat("x", 100), nil
		}, workflow.WithStepResultLimit(workflow.ResultSizeLimit{
			MaxSize:    16,
			OnOverflow: workflow.OverflowError,
		}))
		return err
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "big-result", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusErrored {
		t.Fatalf("status = %s, want errored on first attempt", got.Status)
	}
	if !strings.Contains(got.Error, "exceeds limit") {
		t.Errorf("instance error = %q, want overflow message", got.Error)
	}
	rec := stepByName(t, eng, inst.ID, "fetch")
	if len(rec.Result) != 0 {
		t.Errorf("oversized result was persisted (%d bytes)", len(rec.Result))
	}
}

func TestEngine_OverflowRetry(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	var attempts atomic.Int32
	def := workflow.NewDefinition("big-result", func(c *workflow.Context, _ struct{}) error {
		_, err := workflow.Do(c, "fetch", func(_ context.Context) (string, error) {
			attempts.Add(1)
			return strings.Repeat("x", 100), nil
		}, workflow.WithStepResultLimit(workflow.ResultSizeLimit{
			MaxSize:    16,
			OnOverflow: workflow.OverflowRetry,
		}))
		return err
	}, workflow.WithRetries[struct{}](workflow.RetryPolicy{
		Limit:   1,
		Delay:   time.Second,
		Backoff: workflow.BackoffConstant,
	}))
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "big-result", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusRunning || got.RetryAt == nil {
		t.Fatalf("first overflow should schedule a retry, got status=%s", got.Status)
	}

	clock.Advance(2 * time.Second)
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusErrored {
		t.Fatalf("status = %s, want errored after retry budget", got.Status)
	}
	if attempts.Load() != 2 {
		t.Errorf("step executed %d times, want 2", attempts.Load())
	}
}

// ──────────────────────────────────────────────────
// Determinism
// ──────────────────────────────────────────────────

func TestEngine_DeterminismViolationFailsInstance(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	var swapped atomic.Bool
	def := workflow.NewDefinition("unstable", func(c *workflow.Context, _ struct{}) error {
		name := "alpha"
		if swapped.Load() {
			name = "beta"
		}
		if err := c.Do(name, func(_ context.Context) error { return nil }); err != nil {
			return err
		}
		return c.Sleep("pause", time.Hour)
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "unstable", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	// The body now produces a different step sequence on replay.
	swapped.Store(true)
	clock.Advance(2 * time.Hour)
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusErrored {
		t.Fatalf("status = %s, want errored", got.Status)
	}
	if !strings.Contains(got.Error, "determinism violation") {
		t.Errorf("instance error = %q, want determinism violation", got.Error)
	}
}

// ──────────────────────────────────────────────────
// Pause / Resume / Terminate
// ──────────────────────────────────────────────────

func TestEngine_PauseAndResume(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	def := workflow.NewDefinition("delayed", func(c *workflow.Context, _ struct{}) error {
		return c.Sleep("nap", time.Hour)
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "delayed", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	paused, err := eng.Pause(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.DisplayStatus() != workflow.StatusPaused {
		t.Errorf("display status = %s, want paused", paused.DisplayStatus())
	}
	if paused.Status != workflow.StatusSleeping {
		t.Errorf("stored status = %s, want pre-pause value preserved", paused.Status)
	}

	// Pause is idempotent.
	if _, err := eng.Pause(context.Background(), inst.ID); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	// No progress while paused, even past the wake time.
	clock.Advance(2 * time.Hour)
	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusSleeping || !got.Paused {
		t.Fatalf("paused instance progressed: %+v", got)
	}

	// Resume restores the pre-pause state and catches up on the elapsed
	// wake time immediately.
	if _, err := eng.Resume(context.Background(), inst.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("status after resume = %s, want completed", got.Status)
	}

	if _, err := eng.Pause(context.Background(), inst.ID); !errors.Is(err, loom.ErrTerminalInstance) {
		t.Errorf("pausing completed instance: got %v, want ErrTerminalInstance", err)
	}
}

func TestEngine_Terminate(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	def := workflow.NewDefinition("delayed", func(c *workflow.Context, _ struct{}) error {
		return c.Sleep("nap", time.Hour)
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "delayed", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	got, err := eng.Terminate(context.Background(), inst.ID, "operator request")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got.Status != workflow.StatusTerminated {
		t.Fatalf("status = %s, want terminated", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on termination")
	}

	if _, err := eng.Terminate(context.Background(), inst.ID, "again"); !errors.Is(err, loom.ErrTerminalInstance) {
		t.Errorf("second Terminate: got %v, want ErrTerminalInstance", err)
	}

	// Ticks after termination are no-ops.
	clock.Advance(2 * time.Hour)
	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusTerminated {
		t.Errorf("terminated instance progressed to %s", got.Status)
	}

	if _, err := eng.DeliverEvent(context.Background(), inst.ID, "anything", nil); !errors.Is(err, loom.ErrTerminalInstance) {
		t.Errorf("DeliverEvent to terminated instance: got %v, want ErrTerminalInstance", err)
	}

	kinds := timelineKinds(t, eng, inst.ID)
	if kinds[len(kinds)-1] != workflow.TimelineTerminated {
		t.Errorf("last timeline kind = %s, want workflow-terminated", kinds[len(kinds)-1])
	}
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

func TestEngine_WaitForEvent(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	def := workflow.NewDefinition("approval", func(c *workflow.Context, _ struct{}) error {
		evt, err := c.WaitForEvent("manager.approved")
		if err != nil {
			return err
		}
		return c.SetResult(map[string]string{"approved_by": string(evt.Payload)})
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "approval", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusWaiting {
		t.Fatalf("status = %s, want waiting", got.Status)
	}
	if got.WaitEvent != "manager.approved" {
		t.Errorf("WaitEvent = %q, want manager.approved", got.WaitEvent)
	}

	// Delivery resolves the wait synchronously.
	if _, err := eng.DeliverEvent(context.Background(), inst.ID, "manager.approved", []byte(`alice`)); err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}

	got = mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusCompleted {
		t.Fatalf("status after delivery = %s, want completed", got.Status)
	}
	if !strings.Contains(string(got.Result), "alice") {
		t.Errorf("result = %s, want the event payload", got.Result)
	}

	events, err := eng.ListEvents(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || !events[0].Consumed {
		t.Errorf("event not consumed: %v", events)
	}
}

func TestEngine_EventDeliveredBeforeWait(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	def := workflow.NewDefinition("approval", func(c *workflow.Context, _ struct{}) error {
		_, err := c.WaitForEvent("manager.approved")
		return err
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "approval", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Event arrives before the instance ever ticks.
	if _, err := eng.DeliverEvent(context.Background(), inst.ID, "manager.approved", nil); err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}

	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusCompleted {
		t.Errorf("status = %s, want completed in a single tick", got.Status)
	}
}

func TestEngine_WaitTimeoutFailsWithoutRetries(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	def := workflow.NewDefinition("approval", func(c *workflow.Context, _ struct{}) error {
		_, err := c.WaitForEvent("manager.approved", workflow.WithWaitTimeout(time.Minute))
		return err
	}, workflow.WithRetries[struct{}](workflow.RetryPolicy{
		Limit:   0,
		Delay:   time.Second,
		Backoff: workflow.BackoffConstant,
	}))
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "approval", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	got := mustGet(t, eng, inst.ID)
	if got.WaitDeadline == nil {
		t.Fatal("no wait deadline recorded")
	}

	clock.Advance(2 * time.Minute)
	mustTick(t, eng, inst.ID)

	got = mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusErrored {
		t.Fatalf("status = %s, want errored", got.Status)
	}
	if !strings.Contains(got.Error, "timed out") {
		t.Errorf("instance error = %q, want timeout message", got.Error)
	}
}

func TestEngine_WaitTimeoutRearmsWithRetries(t *testing.T) {
	eng, _, clock := newTestEngine(t)

	def := workflow.NewDefinition("approval", func(c *workflow.Context, _ struct{}) error {
		_, err := c.WaitForEvent("manager.approved",
			workflow.WithWaitTimeout(time.Minute),
			workflow.WithWaitRetries(workflow.RetryPolicy{
				Limit:   1,
				Delay:   time.Second,
				Backoff: workflow.BackoffConstant,
			}),
		)
		return err
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "approval", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustTick(t, eng, inst.ID)

	// First deadline elapses: the timeout schedules a retry.
	clock.Advance(2 * time.Minute)
	mustTick(t, eng, inst.ID)
	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusRunning || got.RetryAt == nil {
		t.Fatalf("after timeout: status=%s, want running with retry scheduled", got.Status)
	}

	// The retry re-arms the wait with a fresh deadline.
	clock.Advance(2 * time.Second)
	mustTick(t, eng, inst.ID)
	got = mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusWaiting {
		t.Fatalf("after re-arm: status=%s, want waiting", got.Status)
	}

	if _, err := eng.DeliverEvent(context.Background(), inst.ID, "manager.approved", nil); err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

func TestEngine_SubmitValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	def := workflow.NewDefinition("process-order", func(c *workflow.Context, input orderInput) error {
		return nil
	}, workflow.WithValidator(func(input orderInput) error {
		if input.OrderID == "" {
			return fmt.Errorf("order_id required")
		}
		return nil
	}))
	engine.RegisterWorkflow(eng, def)

	if _, err := engine.Submit(context.Background(), eng, "process-order", orderInput{}); !errors.Is(err, loom.ErrValidation) {
		t.Errorf("empty input: got %v, want ErrValidation", err)
	}

	if _, err := engine.Submit(context.Background(), eng, "no-such-type", orderInput{OrderID: "x"}); !errors.Is(err, loom.ErrUnknownWorkflow) {
		t.Errorf("unknown type: got %v, want ErrUnknownWorkflow", err)
	}

	// Client-chosen IDs act as idempotency keys.
	instanceID := id.NewInstanceID()
	if _, err := engine.Submit(context.Background(), eng, "process-order", orderInput{OrderID: "a"}, engine.WithInstanceID(instanceID)); err != nil {
		t.Fatalf("Submit with ID: %v", err)
	}
	if _, err := engine.Submit(context.Background(), eng, "process-order", orderInput{OrderID: "a"}, engine.WithInstanceID(instanceID)); !errors.Is(err, loom.ErrInstanceExists) {
		t.Errorf("duplicate ID: got %v, want ErrInstanceExists", err)
	}
}

// ──────────────────────────────────────────────────
// Commit conflicts
// ──────────────────────────────────────────────────

// conflictStore fails the first N tick commits with a version conflict
// to model a concurrent committer winning the race.
type conflictStore struct {
	*memory.Store
	mu   sync.Mutex
	fail int
}

func (s *conflictStore) CommitTick(ctx context.Context, commit *workflow.TickCommit) error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return loom.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.CommitTick(ctx, commit)
}

func TestEngine_TickLosingVersionRaceIsRerunnable(t *testing.T) {
	s := &conflictStore{Store: memory.New(), fail: 1}
	clock := newTestClock()

	h, err := loom.New(loom.WithStore(s), loom.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}
	eng, err := engine.Build(h, engine.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	def := workflow.NewDefinition("simple", func(c *workflow.Context, _ struct{}) error {
		return c.Do("work", func(_ context.Context) error { return nil })
	})
	engine.RegisterWorkflow(eng, def)

	inst, err := engine.Submit(context.Background(), eng, "simple", struct{}{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := eng.Tick(context.Background(), inst.ID); !errors.Is(err, loom.ErrVersionConflict) {
		t.Fatalf("losing tick: got %v, want ErrVersionConflict", err)
	}

	// Nothing from the losing tick is visible.
	got := mustGet(t, eng, inst.ID)
	if got.Status != workflow.StatusCreated {
		t.Fatalf("losing tick mutated the instance: %s", got.Status)
	}
	kinds := timelineKinds(t, eng, inst.ID)
	if len(kinds) != 1 {
		t.Fatalf("losing tick wrote timeline entries: %v", kinds)
	}

	// The re-run commits cleanly.
	mustTick(t, eng, inst.ID)
	if got := mustGet(t, eng, inst.ID); got.Status != workflow.StatusCompleted {
		t.Errorf("status after re-run = %s, want completed", got.Status)
	}
}
