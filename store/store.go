package store

import (
	"context"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Store is the aggregate persistence interface. A single backend
// (postgres, redis, memory) implements all of it; the engine
// type-asserts the Host's store down to the subsystem interfaces.
type Store interface {
	workflow.Store
	event.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
