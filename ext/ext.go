package ext

import (
	"context"
	"time"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Instance lifecycle hooks
// ──────────────────────────────────────────────────

// InstanceSubmitted is called after an instance is durably created.
type InstanceSubmitted interface {
	OnInstanceSubmitted(ctx context.Context, inst *workflow.Instance) error
}

// InstanceStarted is called when an instance's first tick begins.
type InstanceStarted interface {
	OnInstanceStarted(ctx context.Context, inst *workflow.Instance) error
}

// InstanceSuspended is called when a tick ends at a suspension point
// (retry scheduled, durable sleep, or event wait).
type InstanceSuspended interface {
	OnInstanceSuspended(ctx context.Context, inst *workflow.Instance, reason workflow.SuspendReason) error
}

// InstanceCompleted is called after an instance finishes successfully.
type InstanceCompleted interface {
	OnInstanceCompleted(ctx context.Context, inst *workflow.Instance, elapsed time.Duration) error
}

// InstanceFailed is called when an instance fails terminally.
type InstanceFailed interface {
	OnInstanceFailed(ctx context.Context, inst *workflow.Instance, err error) error
}

// InstanceTerminated is called when an instance is explicitly terminated.
type InstanceTerminated interface {
	OnInstanceTerminated(ctx context.Context, inst *workflow.Instance, reason string) error
}

// InstancePaused is called when an instance is paused.
type InstancePaused interface {
	OnInstancePaused(ctx context.Context, inst *workflow.Instance) error
}

// InstanceResumed is called when a paused instance is resumed.
type InstanceResumed interface {
	OnInstanceResumed(ctx context.Context, inst *workflow.Instance) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepSucceeded is called after a step succeeds and its result is
// committed to the durability log.
type StepSucceeded interface {
	OnStepSucceeded(ctx context.Context, inst *workflow.Instance, stepName string, elapsed time.Duration) error
}

// StepFailed is called when a step exhausts its retries or fails
// non-retriably.
type StepFailed interface {
	OnStepFailed(ctx context.Context, inst *workflow.Instance, stepName string, err error) error
}

// StepRetrying is called when a step fails but a delayed retry is
// scheduled.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, inst *workflow.Instance, stepName string, attempt int, resumeAt time.Time) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// EventDelivered is called after an event is durably appended for an
// instance.
type EventDelivered interface {
	OnEventDelivered(ctx context.Context, evt *event.Event) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
