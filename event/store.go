package event

import (
	"context"

	"github.com/loomworks/loom/id"
)

// Store defines the persistence contract for events.
//
// Marking events consumed is not part of this interface: consumption
// happens inside a tick and must commit atomically with the tick's
// other writes, so it travels on workflow.TickCommit.AckEvents and is
// applied by the composite store's CommitTick.
type Store interface {
	// AppendEvent persists a new event for an instance.
	AppendEvent(ctx context.Context, evt *Event) error

	// NextPending returns the oldest unconsumed event for the given
	// instance and name, or nil if none is pending.
	NextPending(ctx context.Context, instanceID id.InstanceID, name string) (*Event, error)

	// ListEvents returns all events for an instance, oldest first.
	ListEvents(ctx context.Context, instanceID id.InstanceID) ([]*Event, error)
}
