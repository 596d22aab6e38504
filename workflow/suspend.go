package workflow

import (
	"fmt"
	"time"
)

// SuspendReason identifies which suspension point ended a tick.
type SuspendReason string

const (
	// SuspendRetry means a step failed and a delayed retry is scheduled.
	SuspendRetry SuspendReason = "retry-scheduled"
	// SuspendSleep means the body reached an unsatisfied durable sleep.
	SuspendSleep SuspendReason = "sleeping"
	// SuspendWait means the body is waiting for an external event.
	SuspendWait SuspendReason = "waiting"
)

// Suspension is the sentinel error the step API returns to unwind the
// workflow body at a suspension point. Workflow code must propagate
// errors from Do, Sleep, and WaitForEvent unchanged so the engine can
// observe it; swallowing it stalls the instance.
type Suspension struct {
	Reason SuspendReason
	Step   string

	// Resume is the earliest time the instance becomes due again.
	// Zero for waits without a timeout (woken by event delivery only).
	Resume time.Time

	// Event is the awaited event name for SuspendWait.
	Event string

	// Deadline is the wait deadline, if the wait has a timeout.
	Deadline *time.Time
}

func (s *Suspension) Error() string {
	switch s.Reason {
	case SuspendRetry:
		return fmt.Sprintf("workflow suspended: step %q retry scheduled for %s",
			s.Step, s.Resume.UTC().Format(time.RFC3339))
	case SuspendSleep:
		return fmt.Sprintf("workflow suspended: sleeping at %q until %s",
			s.Step, s.Resume.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("workflow suspended: waiting at %q for event %q", s.Step, s.Event)
	}
}
