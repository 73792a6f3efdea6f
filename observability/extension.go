package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/ext"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.WorkflowHook      = (*MetricsExtension)(nil)
	_ ext.StepHook          = (*MetricsExtension)(nil)
	_ ext.CompensationHook  = (*MetricsExtension)(nil)
	_ ext.RetryFromStepHook = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/conductor/observability"

// Metric names.
const (
	MetricWorkflowEvents      = "conductor.workflow.events"
	MetricStepEvents          = "conductor.step.events"
	MetricCompensationEvents  = "conductor.compensation.events"
	MetricRetryFromStepEvents = "conductor.retry_from_step.events"
)

// MetricsExtension records domain event counts via OpenTelemetry.
// Register it as a conductor extension to track workflow outcomes, step
// failures, compensation results and retry-from-step rewinds.
type MetricsExtension struct {
	WorkflowEvents      metric.Int64Counter
	StepEvents          metric.Int64Counter
	CompensationEvents  metric.Int64Counter
	RetryFromStepEvents metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Instrument creation errors fall back to noop counters.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	return &MetricsExtension{
		WorkflowEvents:      counter(meter, MetricWorkflowEvents, "Workflow lifecycle events"),
		StepEvents:          counter(meter, MetricStepEvents, "Step run events"),
		CompensationEvents:  counter(meter, MetricCompensationEvents, "Compensation events"),
		RetryFromStepEvents: counter(meter, MetricRetryFromStepEvents, "Retry-from-step rewind events"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name,
		metric.WithDescription(desc),
		metric.WithUnit("{event}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract
	return c
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnWorkflowEvent implements ext.WorkflowHook.
func (m *MetricsExtension) OnWorkflowEvent(ctx context.Context, evt *event.Event) error {
	m.WorkflowEvents.Add(ctx, 1, attrs(evt))
	return nil
}

// OnStepEvent implements ext.StepHook.
func (m *MetricsExtension) OnStepEvent(ctx context.Context, evt *event.Event) error {
	m.StepEvents.Add(ctx, 1, attrs(evt))
	return nil
}

// OnCompensationEvent implements ext.CompensationHook.
func (m *MetricsExtension) OnCompensationEvent(ctx context.Context, evt *event.Event) error {
	m.CompensationEvents.Add(ctx, 1, attrs(evt))
	return nil
}

// OnRetryFromStep implements ext.RetryFromStepHook.
func (m *MetricsExtension) OnRetryFromStep(ctx context.Context, evt *event.Event) error {
	m.RetryFromStepEvents.Add(ctx, 1, attrs(evt))
	return nil
}

func attrs(evt *event.Event) metric.AddOption {
	return metric.WithAttributes(attribute.String("type", string(evt.Type)))
}
