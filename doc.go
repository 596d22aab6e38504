// Package loom is a durable workflow execution engine. Workflows are
// ordinary Go functions built from named steps; every step outcome is
// persisted to a durability log so that an instance can be evicted at
// any point between steps and later replayed to exactly where it left
// off, without re-running side effects that already succeeded.
//
// The root package defines the Host coordinator, configuration, shared
// entity fields, and the error taxonomy. Subsystems live in their own
// packages: workflow (domain model and step API), engine (the replay
// engine), backoff (retry delay strategies), event (external events),
// worker (the tick host), stream (live updates), api (HTTP surface),
// and store implementations under store/.
package loom
