package workflow

import (
	"time"

	"github.com/loomworks/loom/backoff"
)

// BackoffKind selects the delay schedule applied between retry attempts.
type BackoffKind string

const (
	// BackoffConstant waits Delay before every retry.
	BackoffConstant BackoffKind = "constant"
	// BackoffLinear waits Delay multiplied by the attempt number.
	BackoffLinear BackoffKind = "linear"
	// BackoffExponential doubles the delay each attempt, capped by the
	// scheduler ceiling.
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy controls how step failures are retried. Limit is the
// number of retries after the initial attempt, so a step executes at
// most Limit+1 times.
type RetryPolicy struct {
	Limit   int           `json:"limit"`
	Delay   time.Duration `json:"delay"`
	Backoff BackoffKind   `json:"backoff"`

	// Ceiling caps the computed delay. Zero means backoff.DefaultCeiling
	// for exponential schedules and no cap otherwise.
	Ceiling time.Duration `json:"ceiling,omitempty"`
}

// DefaultRetryPolicy is applied when a workflow definition declares no
// retry policy: three retries on a 1s exponential schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Limit:   3,
		Delay:   time.Second,
		Backoff: BackoffExponential,
	}
}

// strategy maps the policy onto a backoff strategy.
func (p RetryPolicy) strategy() backoff.Strategy {
	switch p.Backoff {
	case BackoffLinear:
		return backoff.NewLinear(p.Delay, p.Ceiling)
	case BackoffExponential:
		ceiling := p.Ceiling
		if ceiling == 0 {
			ceiling = backoff.DefaultCeiling
		}
		return backoff.NewExponential(p.Delay, ceiling)
	default:
		return backoff.NewConstant(p.Delay)
	}
}

// NextDelay returns how long to wait before retry attempt n (1-indexed:
// attempt 1 is the first retry after the initial failure).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	return p.strategy().Delay(attempt)
}

// Exhausted reports whether the given attempt count has consumed the
// whole retry budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.Limit+1
}

// OverflowPolicy selects what happens when a step result exceeds the
// configured size limit.
type OverflowPolicy string

const (
	// OverflowRetry discards the oversized result and re-executes the
	// step body fresh, counted as a new attempt.
	OverflowRetry OverflowPolicy = "retry"
	// OverflowError fails the step immediately as non-retriable.
	OverflowError OverflowPolicy = "error"
	// OverflowTruncate commits a size-capped result and continues.
	OverflowTruncate OverflowPolicy = "truncate"
)

// ResultSizeLimit bounds each step's serialized result. It is applied
// before commit, so an oversized result is never persisted under the
// retry and error policies.
type ResultSizeLimit struct {
	MaxSize    int            `json:"max_size"`
	OnOverflow OverflowPolicy `json:"on_overflow"`
}
