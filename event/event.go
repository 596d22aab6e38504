// Package event defines external events that workflow instances can
// wait on, and the persistence contract for delivering them.
package event

import (
	"time"

	"github.com/loomworks/loom/id"
)

// Event represents a named event delivered to a workflow instance.
// A WaitForEvent step consumes the oldest pending event matching its
// name; consumption is recorded atomically with the tick that observed
// the event.
type Event struct {
	ID         id.EventID    `json:"id"`
	InstanceID id.InstanceID `json:"instance_id"`
	Name       string        `json:"name"`
	Payload    []byte        `json:"payload,omitempty"`
	Consumed   bool          `json:"consumed"`
	CreatedAt  time.Time     `json:"created_at"`
}
