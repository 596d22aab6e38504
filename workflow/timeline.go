package workflow

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/id"
)

// TimelineKind identifies the lifecycle transition a timeline entry
// records.
type TimelineKind string

const (
	TimelineStepStarted   TimelineKind = "step-started"
	TimelineStepSucceeded TimelineKind = "step-succeeded"
	TimelineStepFailed    TimelineKind = "step-failed"
	TimelineStepRetrying  TimelineKind = "step-retrying"

	TimelineSleepStarted TimelineKind = "sleep-started"
	TimelineSleepEnded   TimelineKind = "sleep-ended"

	TimelineEventWaited   TimelineKind = "event-waited"
	TimelineEventReceived TimelineKind = "event-received"

	TimelineSubmitted  TimelineKind = "workflow-submitted"
	TimelineStarted    TimelineKind = "workflow-started"
	TimelinePaused     TimelineKind = "workflow-paused"
	TimelineResumed    TimelineKind = "workflow-resumed"
	TimelineTerminated TimelineKind = "workflow-terminated"
	TimelineCompleted  TimelineKind = "workflow-completed"
	TimelineErrored    TimelineKind = "workflow-errored"
)

// TimelineEntry is one element of the ordered, immutable projection of
// an instance's lifecycle. Sequence increases strictly per instance;
// consumers reading forward from a sequence number de-duplicate by it.
type TimelineEntry struct {
	ID         id.TimelineID   `json:"id"`
	InstanceID id.InstanceID   `json:"instance_id"`
	Sequence   int64           `json:"sequence"`
	Kind       TimelineKind    `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
