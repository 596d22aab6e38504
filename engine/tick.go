package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// instanceTimelinePayload is the payload for instance-level timeline
// entries (errored, terminated).
type instanceTimelinePayload struct {
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// stepHookPayload mirrors the step timeline payload shape so post-commit
// hook emission can reconstruct step names and timings from the entries.
type stepHookPayload struct {
	Step       string `json:"step"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"duration_ms"`
	DelayMs    int64  `json:"delay_ms"`
	Error      string `json:"error"`
}

// Tick runs one re-invocation of a workflow instance: load, replay the
// durability log through the registered body, and atomically commit
// whatever the body produced (step records, timeline entries, event
// acks, the instance update) under the optimistic version check.
//
// Tick is safe to call concurrently for the same instance from multiple
// pools: exactly one commit wins, the others observe
// loom.ErrVersionConflict and discard their buffered effects.
func (eng *Engine) Tick(ctx context.Context, instanceID id.InstanceID) error {
	inst, err := eng.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	if inst.Paused || inst.Status.Terminal() {
		return nil
	}

	now := eng.clock()
	if !inst.Resumable(now) {
		// A waiting instance is also due when a matching event is
		// already pending, even before any deadline.
		if inst.Status != workflow.StatusWaiting || inst.WaitEvent == "" {
			return nil
		}
		evt, lookupErr := eng.events.NextPending(ctx, inst.ID, inst.WaitEvent)
		if lookupErr != nil {
			return &loom.PersistenceError{Op: "lookup pending event", Err: lookupErr}
		}
		if evt == nil {
			return nil
		}
	}

	reg, ok := eng.registry.Get(inst.Type)
	if !ok {
		return loom.ErrUnknownWorkflow
	}

	steps, err := eng.store.GetSteps(ctx, inst.ID)
	if err != nil {
		return &loom.PersistenceError{Op: "load step records", Err: err}
	}

	prevStatus := inst.Status
	firstTick := prevStatus == workflow.StatusCreated

	// Suspension markers are re-derived from this tick's outcome.
	inst.Status = workflow.StatusRunning
	inst.ClearSuspension()
	if inst.StartedAt == nil {
		started := now
		inst.StartedAt = &started
	}

	c := workflow.NewContext(ctx, inst, steps, reg.Defaults, workflow.ContextConfig{
		Clock:  eng.clock,
		Exec:   eng.execStep,
		Events: eng.events,
		Logger: eng.logger,
	})
	if firstTick {
		c.EmitTimeline(workflow.TimelineStarted, nil)
	}

	runErr := reg.Runner(c, inst.Payload)

	var suspension *workflow.Suspension
	switch {
	case runErr == nil:
		inst.Status = workflow.StatusCompleted
		completed := eng.clock()
		inst.CompletedAt = &completed
		c.EmitTimeline(workflow.TimelineCompleted, nil)

	case errors.As(runErr, &suspension):
		switch suspension.Reason {
		case workflow.SuspendRetry:
			inst.Status = workflow.StatusRunning
			resume := suspension.Resume
			inst.RetryAt = &resume
		case workflow.SuspendSleep:
			inst.Status = workflow.StatusSleeping
			wake := suspension.Resume
			inst.WakeAt = &wake
		case workflow.SuspendWait:
			inst.Status = workflow.StatusWaiting
			inst.WaitEvent = suspension.Event
			inst.WaitDeadline = suspension.Deadline
		}

	default:
		// A storage failure mid-tick aborts with nothing written; the
		// instance is not failed and the tick is safe to re-run.
		var pe *loom.PersistenceError
		if errors.As(runErr, &pe) {
			return runErr
		}

		inst.Status = workflow.StatusErrored
		inst.Error = runErr.Error()
		inst.ErrorStack = failureStack(c.Commit().Steps)
		completed := eng.clock()
		inst.CompletedAt = &completed
		c.EmitTimeline(workflow.TimelineErrored, instanceTimelinePayload{
			Error: runErr.Error(),
		})
	}

	if transErr := workflow.ValidateTransition(prevStatus, inst.Status); transErr != nil {
		return transErr
	}

	if commitErr := eng.store.CommitTick(ctx, c.Commit()); commitErr != nil {
		if errors.Is(commitErr, loom.ErrVersionConflict) {
			return commitErr
		}
		return &loom.PersistenceError{Op: "commit tick", Err: commitErr}
	}

	eng.emitTickHooks(ctx, inst, c.Commit().Timeline, runErr, suspension)
	return nil
}

// execStep routes a step body through the engine's middleware chain.
func (eng *Engine) execStep(ctx context.Context, inst *workflow.Instance, rec *workflow.StepRecord, body func(ctx context.Context) error) error {
	return eng.chain(ctx, inst, rec, body)
}

// emitTickHooks translates a committed tick's timeline entries into
// extension notifications. Hooks fire only after the commit succeeds,
// so extensions never observe effects that were discarded by a version
// conflict.
func (eng *Engine) emitTickHooks(ctx context.Context, inst *workflow.Instance, entries []*workflow.TimelineEntry, runErr error, suspension *workflow.Suspension) {
	for _, entry := range entries {
		switch entry.Kind {
		case workflow.TimelineStarted:
			eng.extensions.EmitInstanceStarted(ctx, inst)

		case workflow.TimelineStepSucceeded:
			p := decodeStepPayload(entry.Payload)
			eng.extensions.EmitStepSucceeded(ctx, inst, p.Step, time.Duration(p.DurationMs)*time.Millisecond)

		case workflow.TimelineStepFailed:
			p := decodeStepPayload(entry.Payload)
			eng.extensions.EmitStepFailed(ctx, inst, p.Step, errors.New(p.Error))

		case workflow.TimelineStepRetrying:
			p := decodeStepPayload(entry.Payload)
			resumeAt := entry.Timestamp.Add(time.Duration(p.DelayMs) * time.Millisecond)
			eng.extensions.EmitStepRetrying(ctx, inst, p.Step, p.Attempt, resumeAt)

		case workflow.TimelineCompleted:
			var elapsed time.Duration
			if inst.StartedAt != nil && inst.CompletedAt != nil {
				elapsed = inst.CompletedAt.Sub(*inst.StartedAt)
			}
			eng.extensions.EmitInstanceCompleted(ctx, inst, elapsed)

		case workflow.TimelineErrored:
			eng.extensions.EmitInstanceFailed(ctx, inst, runErr)
		}
	}

	if suspension != nil {
		eng.extensions.EmitInstanceSuspended(ctx, inst, suspension.Reason)
	}
}

// failureStack lifts the failed step's captured stack onto the errored
// instance, so the detail endpoint serves it without a step-log read.
// Failures with no failed record (determinism violations) capture the
// stack at the transition instead.
func failureStack(steps []*workflow.StepRecord) string {
	for _, rec := range steps {
		if rec.Status == workflow.StepFailed && rec.ErrorStack != "" {
			return rec.ErrorStack
		}
	}
	return string(debug.Stack())
}

func decodeStepPayload(raw json.RawMessage) stepHookPayload {
	var p stepHookPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// marshalPayload serializes a timeline payload, returning nil for nil
// input so payload-less entries stay compact.
func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Default().Error("marshal timeline payload", "error", err)
		return nil
	}
	return data
}
