package workflow

import (
	"time"

	"github.com/loomworks/loom/id"
)

// StepKind distinguishes the three durable operations a workflow body
// can perform.
type StepKind string

const (
	// KindDo is a side-effecting step whose result is memoized.
	KindDo StepKind = "do"
	// KindSleep is a timed suspension.
	KindSleep StepKind = "sleep"
	// KindWait is an external-event wait.
	KindWait StepKind = "wait"
)

// StepStatus represents the state of a step record in the durability log.
type StepStatus string

const (
	// StepPending means the step has been reached but not finished
	// (a sleep before its wake time, a wait before its event).
	StepPending StepStatus = "pending"
	// StepSucceeded means the step finished and its result is frozen.
	// A succeeded step's body is never re-executed.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step failed terminally.
	StepFailed StepStatus = "failed"
	// StepRetryScheduled means the step failed and a retry is pending.
	StepRetryScheduled StepStatus = "retry-scheduled"
)

// RetryAttempt records one failed attempt in a step's retry history.
type RetryAttempt struct {
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// StepRecord is one entry in the per-instance durability log. The
// (Name, Ordinal) pair identifies a call site that must recur at the
// same logical position on every replay. Attempts never exceeds the
// policy limit plus one.
type StepRecord struct {
	ID         id.StepID     `json:"id"`
	InstanceID id.InstanceID `json:"instance_id"`
	Name       string        `json:"name"`
	Ordinal    int           `json:"ordinal"`
	Kind       StepKind      `json:"kind"`
	Status     StepStatus    `json:"status"`
	Attempts   int           `json:"attempts"`

	// Result is the memoized serialized value, frozen once succeeded.
	Result []byte `json:"result,omitempty"`

	LastError    string         `json:"last_error,omitempty"`
	ErrorStack   string         `json:"error_stack,omitempty"`
	RetryHistory []RetryAttempt `json:"retry_history,omitempty"`

	// WakeAt is set for sleep steps; Deadline for waits with a timeout.
	WakeAt   *time.Time `json:"wake_at,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
