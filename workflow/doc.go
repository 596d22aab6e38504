// Package workflow defines the durable execution domain model: workflow
// instances and their status machine, the step memoization log, retry
// policies, timeline entries, typed workflow definitions, and the
// execution Context (the step API) handed to workflow code during a
// tick.
//
// Workflow bodies must be replay-safe: every run of the body against
// the same prior history must produce the same sequence of step calls.
// The engine enforces this by identifying each step call by its (name,
// position) pair and failing the instance with a DeterminismError when
// the replayed sequence diverges from the durability log. Branching on
// anything non-deterministic (time, random values, external reads done
// outside a step) breaks this contract.
package workflow
