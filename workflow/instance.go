package workflow

import (
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	// StatusCreated means the instance is persisted but has not ticked yet.
	StatusCreated Status = "created"
	// StatusRunning means the instance is executing or waiting for a
	// scheduled retry (RetryAt carries the earliest re-tick time).
	StatusRunning Status = "running"
	// StatusSleeping means the instance suspended on a durable sleep
	// and resumes once WakeAt is reached.
	StatusSleeping Status = "sleeping"
	// StatusWaiting means the instance suspended on an external event.
	StatusWaiting Status = "waiting"
	// StatusPaused is the externally visible state of a paused instance.
	// It is an overlay: the stored status keeps the pre-pause value and
	// the Paused flag marks the overlay, so resuming restores the exact
	// pre-pause state.
	StatusPaused Status = "paused"
	// StatusCompleted means the run procedure returned normally.
	StatusCompleted Status = "completed"
	// StatusErrored means the instance failed terminally.
	StatusErrored Status = "errored"
	// StatusTerminated means the instance was explicitly terminated.
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no further ticks are ever issued for an
// instance in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusTerminated:
		return true
	}
	return false
}

// CanTransition reports whether the status machine permits moving from
// s to next. Pause is handled separately (it is a flag overlay, not a
// stored transition).
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusCreated:
		return next == StatusRunning || next == StatusTerminated || next == StatusErrored
	case StatusRunning:
		switch next {
		case StatusRunning, StatusSleeping, StatusWaiting,
			StatusCompleted, StatusErrored, StatusTerminated:
			return true
		}
	case StatusSleeping, StatusWaiting:
		switch next {
		case StatusRunning, StatusCompleted, StatusErrored, StatusTerminated:
			return true
		}
	}
	return false
}

// ValidateTransition checks a commit moving an instance's stored
// status from one value to another against the status machine. A tick
// passes through running between load and commit, so a move is also
// valid when it is reachable via running within one tick (for example
// created to sleeping). Unchanged status is always valid: control
// commits (pause, resume) mutate only the overlay.
func ValidateTransition(from, to Status) error {
	if from == to || from.CanTransition(to) {
		return nil
	}
	if from.CanTransition(StatusRunning) && StatusRunning.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s to %s", loom.ErrInvalidTransition, from, to)
}

// Instance represents a single durable workflow execution.
//
// RetryAt, WakeAt, and WaitEvent/WaitDeadline mirror the suspension
// point recorded in the step log so that hosts can query due instances
// without scanning step records. Result and Error are mutually
// exclusive; Paused may be true only while the stored status is
// running, sleeping, or waiting.
type Instance struct {
	loom.Entity

	ID         id.InstanceID `json:"id"`
	Type       string        `json:"type"`
	Status     Status        `json:"status"`
	Payload    []byte        `json:"payload,omitempty"`
	Result     []byte        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorStack string        `json:"error_stack,omitempty"`
	Paused     bool          `json:"paused"`

	// RetryAt is the earliest re-tick time for a scheduled step retry.
	// Set only while Status is running with a retry pending.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	// WakeAt mirrors the pending sleep's wake time while sleeping.
	WakeAt *time.Time `json:"wake_at,omitempty"`

	// WaitEvent and WaitDeadline mirror the pending event wait.
	WaitEvent    string     `json:"wait_event,omitempty"`
	WaitDeadline *time.Time `json:"wait_deadline,omitempty"`

	// LastSequence is the highest timeline sequence number issued for
	// this instance. The next tick's entries continue from here.
	LastSequence int64 `json:"last_sequence"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DisplayStatus returns the externally visible status: StatusPaused
// while the pause overlay is set, the stored status otherwise.
func (i *Instance) DisplayStatus() Status {
	if i.Paused && !i.Status.Terminal() {
		return StatusPaused
	}
	return i.Status
}

// Resumable reports whether a tick at the given time would make
// progress. Paused and terminal instances are never resumable; a
// sleeping instance only once WakeAt is reached; a waiting instance
// only when an event is pending (checked by the caller) or its
// deadline has elapsed; a running instance only once any scheduled
// retry delay has elapsed.
func (i *Instance) Resumable(now time.Time) bool {
	if i.Paused || i.Status.Terminal() {
		return false
	}
	switch i.Status {
	case StatusCreated:
		return true
	case StatusRunning:
		return i.RetryAt == nil || !now.Before(*i.RetryAt)
	case StatusSleeping:
		return i.WakeAt != nil && !now.Before(*i.WakeAt)
	case StatusWaiting:
		// Deadline expiry makes the instance due on its own; event
		// arrival is checked against the event store by the engine.
		return i.WaitDeadline != nil && !now.Before(*i.WaitDeadline)
	}
	return false
}

// DueAt returns the next time this instance becomes due for a tick, or
// nil if it is only woken externally (event arrival, resume) or is
// terminal.
func (i *Instance) DueAt() *time.Time {
	if i.Paused || i.Status.Terminal() {
		return nil
	}
	switch i.Status {
	case StatusCreated:
		t := i.CreatedAt
		return &t
	case StatusRunning:
		if i.RetryAt != nil {
			return i.RetryAt
		}
		t := i.UpdatedAt
		return &t
	case StatusSleeping:
		return i.WakeAt
	case StatusWaiting:
		return i.WaitDeadline
	}
	return nil
}

// ClearSuspension resets all suspension markers. The engine calls it
// before re-deriving them from the tick outcome.
func (i *Instance) ClearSuspension() {
	i.RetryAt = nil
	i.WakeAt = nil
	i.WaitEvent = ""
	i.WaitDeadline = nil
}
