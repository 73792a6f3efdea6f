package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conductor/job"
)

// Timeout returns middleware that bounds a single dispatch call. A zero
// or negative d disables the bound. When the deadline is exceeded the
// context is cancelled and the dispatcher should return
// context.DeadlineExceeded.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *job.Spec, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("job dispatch timeout set",
			slog.String("job_id", s.ID.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
