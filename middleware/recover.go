package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/loomworks/loom/workflow"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace,
// so a panicking step enters the normal retry classification instead of
// crashing the worker.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inst *workflow.Instance, rec *workflow.StepRecord, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("step handler panicked",
					slog.String("instance_id", inst.ID.String()),
					slog.String("step", rec.Name),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in step %s: %v", rec.Name, r)
			}
		}()
		return next(ctx)
	}
}
