package loom

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("loom: no store configured")
	ErrStoreClosed     = errors.New("loom: store closed")
	ErrMigrationFailed = errors.New("loom: migration failed")

	// Not found errors.
	ErrInstanceNotFound = errors.New("loom: instance not found")
	ErrEventNotFound    = errors.New("loom: event not found")

	// Conflict errors.
	ErrInstanceExists = errors.New("loom: instance already exists")

	// ErrVersionConflict means a tick commit lost the optimistic
	// concurrency check: another tick (or an explicit pause/terminate)
	// committed against the instance first. The losing tick's buffered
	// effects are discarded; the tick is safe to re-run.
	ErrVersionConflict = errors.New("loom: instance version conflict")

	// State errors.
	ErrInvalidTransition = errors.New("loom: invalid status transition")
	ErrTerminalInstance  = errors.New("loom: instance is terminal")

	// Registry errors.
	ErrUnknownWorkflow = errors.New("loom: no workflow registered")

	// ErrValidation marks input validation failures at submission.
	// The instance never reaches running.
	ErrValidation = errors.New("loom: invalid workflow input")
)

// DeterminismError reports that a replay observed a different step
// sequence than the durability log. It is fatal: the instance
// transitions to errored and is never retried, because the log can no
// longer be trusted to line up with the workflow body.
type DeterminismError struct {
	Ordinal  int
	Expected string // step name recorded in the log at this position
	Got      string // step name the replay produced
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf("loom: determinism violation at step %d: log has %q, replay produced %q",
		e.Ordinal, e.Expected, e.Got)
}

// TimeoutError reports that a WaitForEvent deadline elapsed before a
// matching event arrived. It enters the normal retry classification
// path, so a policy with retries left will re-arm the wait.
type TimeoutError struct {
	Step     string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("loom: step %q timed out waiting for event (deadline %s)",
		e.Step, e.Deadline.UTC().Format(time.RFC3339))
}

// OverflowError reports that a step result exceeded the configured
// ResultSizeLimit. How it is handled depends on the limit's OnOverflow
// policy; under "error" it is treated as non-retriable.
type OverflowError struct {
	Step    string
	Size    int
	MaxSize int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("loom: step %q result of %d bytes exceeds limit of %d bytes",
		e.Step, e.Size, e.MaxSize)
}

// PersistenceError reports a storage adapter failure observed during a
// tick. The tick aborts with no partial write and is safe for the host
// to retry; the instance itself is not failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("loom: persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// nonRetriableError wraps an error to mark it as non-retriable.
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

// NonRetriable marks an error so the retry scheduler fails the step on
// first occurrence, regardless of the retry policy's limit.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

// IsNonRetriable reports whether err (or anything it wraps) was marked
// with NonRetriable, or is inherently fatal (determinism violations).
func IsNonRetriable(err error) bool {
	var nr *nonRetriableError
	if errors.As(err, &nr) {
		return true
	}
	var de *DeterminismError
	return errors.As(err, &de)
}
