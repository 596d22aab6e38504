package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/workflow"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inst *workflow.Instance, rec *workflow.StepRecord, next Handler) error {
		logger.Info("step started",
			slog.String("instance_id", inst.ID.String()),
			slog.String("workflow_type", inst.Type),
			slog.String("step", rec.Name),
			slog.Int("attempt", rec.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("instance_id", inst.ID.String()),
				slog.String("step", rec.Name),
				slog.Int("attempt", rec.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("instance_id", inst.ID.String()),
				slog.String("step", rec.Name),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
