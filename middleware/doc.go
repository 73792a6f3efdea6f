// Package middleware provides composable middleware around job dispatch.
//
// A [Middleware] wraps the call that hands a job spec to the queue. The
// engine composes middleware with [Chain] and runs every step, poll and
// compensation dispatch through it. Middleware are applied right-to-left:
// the first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → dispatch
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs job class, queue, duration and outcome of each dispatch
//   - [Recover]: converts a panicking job dispatcher into an error
//   - [Timeout]: bounds how long one dispatch call may block
//   - [Tracing]: wraps the dispatch in an OpenTelemetry span
//   - [Metrics]: records dispatch duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, s *job.Spec, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
