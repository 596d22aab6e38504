package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/workflow"
)

// Timeout returns middleware that enforces a per-attempt execution
// deadline on every step body. When the deadline is exceeded the
// context is cancelled and the body should return
// context.DeadlineExceeded, which enters the normal retry
// classification. Zero disables the deadline.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, inst *workflow.Instance, rec *workflow.StepRecord, next Handler) error {
		if d > 0 {
			logger.Debug("step deadline set",
				slog.String("instance_id", inst.ID.String()),
				slog.String("step", rec.Name),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
