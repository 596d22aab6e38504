package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type instanceSubmittedEntry struct {
	name string
	hook InstanceSubmitted
}

type instanceStartedEntry struct {
	name string
	hook InstanceStarted
}

type instanceSuspendedEntry struct {
	name string
	hook InstanceSuspended
}

type instanceCompletedEntry struct {
	name string
	hook InstanceCompleted
}

type instanceFailedEntry struct {
	name string
	hook InstanceFailed
}

type instanceTerminatedEntry struct {
	name string
	hook InstanceTerminated
}

type instancePausedEntry struct {
	name string
	hook InstancePaused
}

type instanceResumedEntry struct {
	name string
	hook InstanceResumed
}

type stepSucceededEntry struct {
	name string
	hook StepSucceeded
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepRetryingEntry struct {
	name string
	hook StepRetrying
}

type eventDeliveredEntry struct {
	name string
	hook EventDelivered
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	instanceSubmitted  []instanceSubmittedEntry
	instanceStarted    []instanceStartedEntry
	instanceSuspended  []instanceSuspendedEntry
	instanceCompleted  []instanceCompletedEntry
	instanceFailed     []instanceFailedEntry
	instanceTerminated []instanceTerminatedEntry
	instancePaused     []instancePausedEntry
	instanceResumed    []instanceResumedEntry
	stepSucceeded      []stepSucceededEntry
	stepFailed         []stepFailedEntry
	stepRetrying       []stepRetryingEntry
	eventDelivered     []eventDeliveredEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(InstanceSubmitted); ok {
		r.instanceSubmitted = append(r.instanceSubmitted, instanceSubmittedEntry{name, h})
	}
	if h, ok := e.(InstanceStarted); ok {
		r.instanceStarted = append(r.instanceStarted, instanceStartedEntry{name, h})
	}
	if h, ok := e.(InstanceSuspended); ok {
		r.instanceSuspended = append(r.instanceSuspended, instanceSuspendedEntry{name, h})
	}
	if h, ok := e.(InstanceCompleted); ok {
		r.instanceCompleted = append(r.instanceCompleted, instanceCompletedEntry{name, h})
	}
	if h, ok := e.(InstanceFailed); ok {
		r.instanceFailed = append(r.instanceFailed, instanceFailedEntry{name, h})
	}
	if h, ok := e.(InstanceTerminated); ok {
		r.instanceTerminated = append(r.instanceTerminated, instanceTerminatedEntry{name, h})
	}
	if h, ok := e.(InstancePaused); ok {
		r.instancePaused = append(r.instancePaused, instancePausedEntry{name, h})
	}
	if h, ok := e.(InstanceResumed); ok {
		r.instanceResumed = append(r.instanceResumed, instanceResumedEntry{name, h})
	}
	if h, ok := e.(StepSucceeded); ok {
		r.stepSucceeded = append(r.stepSucceeded, stepSucceededEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, stepRetryingEntry{name, h})
	}
	if h, ok := e.(EventDelivered); ok {
		r.eventDelivered = append(r.eventDelivered, eventDeliveredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Instance event emitters
// ──────────────────────────────────────────────────

// EmitInstanceSubmitted notifies all extensions that implement InstanceSubmitted.
func (r *Registry) EmitInstanceSubmitted(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.instanceSubmitted {
		if err := e.hook.OnInstanceSubmitted(ctx, inst); err != nil {
			r.logHookError("OnInstanceSubmitted", e.name, err)
		}
	}
}

// EmitInstanceStarted notifies all extensions that implement InstanceStarted.
func (r *Registry) EmitInstanceStarted(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.instanceStarted {
		if err := e.hook.OnInstanceStarted(ctx, inst); err != nil {
			r.logHookError("OnInstanceStarted", e.name, err)
		}
	}
}

// EmitInstanceSuspended notifies all extensions that implement InstanceSuspended.
func (r *Registry) EmitInstanceSuspended(ctx context.Context, inst *workflow.Instance, reason workflow.SuspendReason) {
	for _, e := range r.instanceSuspended {
		if err := e.hook.OnInstanceSuspended(ctx, inst, reason); err != nil {
			r.logHookError("OnInstanceSuspended", e.name, err)
		}
	}
}

// EmitInstanceCompleted notifies all extensions that implement InstanceCompleted.
func (r *Registry) EmitInstanceCompleted(ctx context.Context, inst *workflow.Instance, elapsed time.Duration) {
	for _, e := range r.instanceCompleted {
		if err := e.hook.OnInstanceCompleted(ctx, inst, elapsed); err != nil {
			r.logHookError("OnInstanceCompleted", e.name, err)
		}
	}
}

// EmitInstanceFailed notifies all extensions that implement InstanceFailed.
func (r *Registry) EmitInstanceFailed(ctx context.Context, inst *workflow.Instance, instErr error) {
	for _, e := range r.instanceFailed {
		if err := e.hook.OnInstanceFailed(ctx, inst, instErr); err != nil {
			r.logHookError("OnInstanceFailed", e.name, err)
		}
	}
}

// EmitInstanceTerminated notifies all extensions that implement InstanceTerminated.
func (r *Registry) EmitInstanceTerminated(ctx context.Context, inst *workflow.Instance, reason string) {
	for _, e := range r.instanceTerminated {
		if err := e.hook.OnInstanceTerminated(ctx, inst, reason); err != nil {
			r.logHookError("OnInstanceTerminated", e.name, err)
		}
	}
}

// EmitInstancePaused notifies all extensions that implement InstancePaused.
func (r *Registry) EmitInstancePaused(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.instancePaused {
		if err := e.hook.OnInstancePaused(ctx, inst); err != nil {
			r.logHookError("OnInstancePaused", e.name, err)
		}
	}
}

// EmitInstanceResumed notifies all extensions that implement InstanceResumed.
func (r *Registry) EmitInstanceResumed(ctx context.Context, inst *workflow.Instance) {
	for _, e := range r.instanceResumed {
		if err := e.hook.OnInstanceResumed(ctx, inst); err != nil {
			r.logHookError("OnInstanceResumed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepSucceeded notifies all extensions that implement StepSucceeded.
func (r *Registry) EmitStepSucceeded(ctx context.Context, inst *workflow.Instance, stepName string, elapsed time.Duration) {
	for _, e := range r.stepSucceeded {
		if err := e.hook.OnStepSucceeded(ctx, inst, stepName, elapsed); err != nil {
			r.logHookError("OnStepSucceeded", e.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, inst *workflow.Instance, stepName string, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, inst, stepName, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepRetrying notifies all extensions that implement StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, inst *workflow.Instance, stepName string, attempt int, resumeAt time.Time) {
	for _, e := range r.stepRetrying {
		if err := e.hook.OnStepRetrying(ctx, inst, stepName, attempt, resumeAt); err != nil {
			r.logHookError("OnStepRetrying", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitEventDelivered notifies all extensions that implement EventDelivered.
func (r *Registry) EmitEventDelivered(ctx context.Context, evt *event.Event) {
	for _, e := range r.eventDelivered {
		if err := e.hook.OnEventDelivered(ctx, evt); err != nil {
			r.logHookError("OnEventDelivered", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
