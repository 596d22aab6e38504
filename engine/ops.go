package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// controlRetries bounds how often a control operation (pause, resume,
// terminate) re-reads and retries after losing the version race to a
// concurrent tick.
const controlRetries = 3

// SubmitOption configures a workflow submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	instanceID id.InstanceID
}

// WithInstanceID sets an explicit instance ID at submission, for
// client-generated idempotency keys. Submitting the same ID twice fails
// with loom.ErrInstanceExists.
func WithInstanceID(instanceID id.InstanceID) SubmitOption {
	return func(o *submitOptions) { o.instanceID = instanceID }
}

// Submit validates the typed input and durably creates a new instance
// of the given workflow type. The instance starts ticking once a worker
// pool picks it up.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Submit[T any](ctx context.Context, eng *Engine, workflowType string, input T, opts ...SubmitOption) (*workflow.Instance, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", loom.ErrValidation, err)
	}
	return eng.SubmitRaw(ctx, workflowType, payload, opts...)
}

// SubmitRaw is the untyped submission path for callers holding raw JSON
// input (the HTTP API). The input is validated against the registered
// definition before anything is persisted.
func (eng *Engine) SubmitRaw(ctx context.Context, workflowType string, payload []byte, opts ...SubmitOption) (*workflow.Instance, error) {
	reg, ok := eng.registry.Get(workflowType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", loom.ErrUnknownWorkflow, workflowType)
	}
	if err := reg.Validate(payload); err != nil {
		return nil, err
	}

	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}
	instID := so.instanceID
	if instID.IsNil() {
		instID = id.NewInstanceID()
	}

	now := eng.clock()
	inst := &workflow.Instance{
		Entity: loom.Entity{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		ID:           instID,
		Type:         workflowType,
		Status:       workflow.StatusCreated,
		Payload:      payload,
		LastSequence: 1,
	}
	first := &workflow.TimelineEntry{
		ID:         id.NewTimelineID(),
		InstanceID: instID,
		Sequence:   1,
		Kind:       workflow.TimelineSubmitted,
		Timestamp:  now,
	}

	if err := eng.store.CreateInstance(ctx, inst, first); err != nil {
		return nil, err
	}

	eng.logger.Info("workflow submitted",
		"instance_id", inst.ID.String(),
		"workflow_type", workflowType,
	)
	eng.extensions.EmitInstanceSubmitted(ctx, inst)
	return inst, nil
}

// DeliverEvent durably appends a named event for an instance. If the
// instance is currently waiting on that event name, a tick is attempted
// immediately so the wait resolves without waiting for the next poll.
func (eng *Engine) DeliverEvent(ctx context.Context, instanceID id.InstanceID, name string, payload []byte) (*event.Event, error) {
	inst, err := eng.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot deliver event to %s instance", loom.ErrTerminalInstance, inst.Status)
	}

	evt := &event.Event{
		ID:         id.NewEventID(),
		InstanceID: instanceID,
		Name:       name,
		Payload:    payload,
		CreatedAt:  eng.clock(),
	}
	if err := eng.events.AppendEvent(ctx, evt); err != nil {
		return nil, &loom.PersistenceError{Op: "append event", Err: err}
	}
	eng.extensions.EmitEventDelivered(ctx, evt)

	if !inst.Paused && inst.Status == workflow.StatusWaiting && inst.WaitEvent == name {
		// Losing the version race here just means another tick already
		// observed the event; the poll loop covers everything else.
		if tickErr := eng.Tick(ctx, instanceID); tickErr != nil && !errors.Is(tickErr, loom.ErrVersionConflict) {
			eng.logger.Error("event-triggered tick failed",
				"instance_id", instanceID.String(),
				"event", name,
				"error", tickErr,
			)
		}
	}
	return evt, nil
}

// Pause sets the pause overlay on a non-terminal instance. The stored
// status keeps its pre-pause value; no ticks are issued until Resume.
// Pausing an already-paused instance is a no-op.
func (eng *Engine) Pause(ctx context.Context, instanceID id.InstanceID) (*workflow.Instance, error) {
	for attempt := 0; ; attempt++ {
		inst, err := eng.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("%w: cannot pause %s instance", loom.ErrTerminalInstance, inst.Status)
		}
		if inst.Paused {
			return inst, nil
		}

		expected := inst.Version
		inst.Paused = true
		if err := eng.controlCommit(ctx, inst, expected, workflow.TimelinePaused, nil); err != nil {
			if errors.Is(err, loom.ErrVersionConflict) && attempt < controlRetries {
				continue
			}
			return nil, err
		}

		eng.logger.Info("workflow paused", "instance_id", inst.ID.String())
		eng.extensions.EmitInstancePaused(ctx, inst)
		return inst, nil
	}
}

// Resume clears the pause overlay, restoring the exact pre-pause state.
// If the instance is already due (an elapsed retry delay or wake time),
// a tick is attempted immediately. Resuming a non-paused instance is a
// no-op.
func (eng *Engine) Resume(ctx context.Context, instanceID id.InstanceID) (*workflow.Instance, error) {
	for attempt := 0; ; attempt++ {
		inst, err := eng.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("%w: cannot resume %s instance", loom.ErrTerminalInstance, inst.Status)
		}
		if !inst.Paused {
			return inst, nil
		}

		expected := inst.Version
		inst.Paused = false
		if err := eng.controlCommit(ctx, inst, expected, workflow.TimelineResumed, nil); err != nil {
			if errors.Is(err, loom.ErrVersionConflict) && attempt < controlRetries {
				continue
			}
			return nil, err
		}

		eng.logger.Info("workflow resumed", "instance_id", inst.ID.String())
		eng.extensions.EmitInstanceResumed(ctx, inst)

		// Tick gates on due-ness itself, so this is a no-op unless a
		// retry delay, wake time, deadline, or pending event elapsed
		// while the instance was paused.
		if tickErr := eng.Tick(ctx, instanceID); tickErr != nil && !errors.Is(tickErr, loom.ErrVersionConflict) {
			eng.logger.Error("resume-triggered tick failed",
				"instance_id", instanceID.String(),
				"error", tickErr,
			)
		}
		return inst, nil
	}
}

// Terminate moves a non-terminal instance to terminated. The version
// check makes termination win against any in-flight tick: either the
// tick commits first and terminate retries against the new state, or
// terminate commits first and the tick's effects are discarded.
func (eng *Engine) Terminate(ctx context.Context, instanceID id.InstanceID, reason string) (*workflow.Instance, error) {
	for attempt := 0; ; attempt++ {
		inst, err := eng.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return nil, fmt.Errorf("%w: cannot terminate %s instance", loom.ErrTerminalInstance, inst.Status)
		}

		expected := inst.Version
		inst.Status = workflow.StatusTerminated
		inst.Paused = false
		inst.ClearSuspension()
		completed := eng.clock()
		inst.CompletedAt = &completed

		payload := instanceTimelinePayload{Reason: reason}
		if err := eng.controlCommit(ctx, inst, expected, workflow.TimelineTerminated, payload); err != nil {
			if errors.Is(err, loom.ErrVersionConflict) && attempt < controlRetries {
				continue
			}
			return nil, err
		}

		eng.logger.Info("workflow terminated",
			"instance_id", inst.ID.String(),
			"reason", reason,
		)
		eng.extensions.EmitInstanceTerminated(ctx, inst, reason)
		return inst, nil
	}
}

// controlCommit applies a control-plane instance mutation together with
// one timeline entry, atomically, under the version check.
func (eng *Engine) controlCommit(ctx context.Context, inst *workflow.Instance, expected int64, kind workflow.TimelineKind, payload any) error {
	inst.LastSequence++
	entry := &workflow.TimelineEntry{
		ID:         id.NewTimelineID(),
		InstanceID: inst.ID,
		Sequence:   inst.LastSequence,
		Kind:       kind,
		Payload:    marshalPayload(payload),
		Timestamp:  eng.clock(),
	}
	return eng.store.CommitTick(ctx, &workflow.TickCommit{
		Instance:        inst,
		ExpectedVersion: expected,
		Timeline:        []*workflow.TimelineEntry{entry},
	})
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetInstance retrieves an instance by ID.
func (eng *Engine) GetInstance(ctx context.Context, instanceID id.InstanceID) (*workflow.Instance, error) {
	return eng.store.GetInstance(ctx, instanceID)
}

// ListInstances returns instances matching the given options.
func (eng *Engine) ListInstances(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Instance, error) {
	return eng.store.ListInstances(ctx, opts)
}

// GetSteps returns an instance's durability log ordered by ordinal.
func (eng *Engine) GetSteps(ctx context.Context, instanceID id.InstanceID) ([]*workflow.StepRecord, error) {
	return eng.store.GetSteps(ctx, instanceID)
}

// GetTimeline returns timeline entries with Sequence > fromSeq.
func (eng *Engine) GetTimeline(ctx context.Context, instanceID id.InstanceID, fromSeq int64, limit int) ([]*workflow.TimelineEntry, error) {
	return eng.store.GetTimeline(ctx, instanceID, fromSeq, limit)
}

// ListEvents returns all events delivered to an instance, oldest first.
func (eng *Engine) ListEvents(ctx context.Context, instanceID id.InstanceID) ([]*event.Event, error) {
	return eng.events.ListEvents(ctx, instanceID)
}
