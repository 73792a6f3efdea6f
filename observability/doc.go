// Package observability provides an OpenTelemetry metrics extension for
// conductor. The MetricsExtension counts domain events per category with
// the event type as an attribute, so dashboards can chart step failure
// rates, workflow outcomes and compensation results.
//
// For per-dispatch tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
