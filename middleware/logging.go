package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conductor/job"
)

// Logging returns middleware that logs each dispatch and its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *job.Spec, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job dispatch failed",
				slog.String("job_class", s.Class),
				slog.String("job_id", s.ID.String()),
				slog.String("kind", string(s.Kind)),
				slog.String("queue", s.Queue),
				slog.String("workflow_id", s.WorkflowID.String()),
				slog.String("step_key", s.StepKey),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("job dispatched",
				slog.String("job_class", s.Class),
				slog.String("job_id", s.ID.String()),
				slog.String("kind", string(s.Kind)),
				slog.String("queue", s.Queue),
				slog.String("workflow_id", s.WorkflowID.String()),
				slog.String("step_key", s.StepKey),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
