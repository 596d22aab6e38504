// Package middleware provides composable middleware for step execution.
// Middleware wraps the body of each executed step synchronously and can
// modify execution (recover from panics, log, add tracing, etc.).
// Replayed steps never enter the chain; only real attempts do.
package middleware

import (
	"context"

	"github.com/loomworks/loom/workflow"
)

// Handler is the terminal function that executes step logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the instance and step record being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, inst *workflow.Instance, rec *workflow.StepRecord, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inst *workflow.Instance, rec *workflow.StepRecord, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inst, rec, prev)
			}
		}
		return h(ctx)
	}
}
