package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/conductor/job"
)

// Recover returns middleware that recovers from panics in the dispatch
// chain. Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *job.Spec, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job dispatcher panicked",
					slog.String("job_class", s.Class),
					slog.String("job_id", s.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic dispatching job %s: %v", s.Class, r)
			}
		}()
		return next(ctx)
	}
}
