package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/compensation"
	"github.com/xraph/conductor/definition"
	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/ext"
	"github.com/xraph/conductor/job"
	mw "github.com/xraph/conductor/middleware"
	"github.com/xraph/conductor/observability"
	"github.com/xraph/conductor/output"
	"github.com/xraph/conductor/queue"
	"github.com/xraph/conductor/resolution"
	"github.com/xraph/conductor/scheduler"
	"github.com/xraph/conductor/step"
	"github.com/xraph/conductor/store"
	"github.com/xraph/conductor/workflow"
)

const instrumentationName = "github.com/xraph/conductor"

// Engine is the orchestration core. Create one with New.
type Engine struct {
	store         store.Store
	workflows     workflow.Store
	steps         step.Store
	jobs          job.Store
	compensations compensation.Store
	decisions     resolution.Store
	outputs       output.Store
	events        event.Store

	registry   definition.Resolver
	dispatcher job.Dispatcher
	extensions *ext.Registry
	bus        *event.Bus
	chain      mw.Middleware
	scheduler  *scheduler.Scheduler

	cfg    conductor.Config
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer

	pendingExts []ext.Extension
	mws         []mw.Middleware
	limits      *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. It is required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithOutputStore keeps step outputs in a store other than the main
// backend, for example store/redis.
func WithOutputStore(s output.Store) Option {
	return func(e *Engine) { e.outputs = s }
}

// WithEventStore keeps the domain event log in a store other than the
// main backend.
func WithEventStore(s event.Store) Option {
	return func(e *Engine) { e.events = s }
}

// WithRegistry sets the definition resolver. It is required.
func WithRegistry(r definition.Resolver) Option {
	return func(e *Engine) { e.registry = r }
}

// WithJobDispatcher sets where units of work are submitted. It is required.
func WithJobDispatcher(d job.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg conductor.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the time source used for every timestamp the engine writes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = func() time.Time { return conductor.Timestamp(now()) } }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExts = append(e.pendingExts, x) }
}

// WithMiddleware adds middleware to the job-dispatch chain. User middleware
// runs inside the built-in recover, tracing, metrics, logging and timeout
// middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithQueueLimits throttles job submissions with the given per-queue and
// per-class limits. Waiting for admission does not count against the
// dispatch timeout.
func WithQueueLimits(m *queue.Manager) Option {
	return func(e *Engine) { e.limits = m }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, evaluation spans and the tracing middleware use this provider
// instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    conductor.DefaultConfig(),
		logger: slog.Default(),
		now:    conductor.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, conductor.ErrNoStore
	}
	if e.registry == nil {
		return nil, conductor.ErrNoRegistry
	}
	if e.dispatcher == nil {
		return nil, conductor.ErrNoDispatcher
	}

	e.workflows = e.store
	e.steps = e.store
	e.jobs = e.store
	e.compensations = e.store
	e.decisions = e.store
	if e.outputs == nil {
		e.outputs = e.store
	}
	if e.events == nil {
		e.events = e.store
	}

	// Tracer for evaluation spans and the tracing middleware (custom provider or global).
	tp := e.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	e.tracer = tp.Tracer(instrumentationName)

	var metricsMw mw.Middleware
	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		metricsMw = mw.Metrics()
		obsExt = observability.NewMetricsExtension()
	}

	e.extensions = ext.NewRegistry(e.logger)
	e.extensions.Register(obsExt)
	for _, x := range e.pendingExts {
		e.extensions.Register(x)
	}
	e.pendingExts = nil
	e.bus = event.NewBus(e.events, e.logger, e.extensions)

	// Default middleware stack: recover → tracing → metrics → logging → [limits] → timeout.
	chain := []mw.Middleware{
		mw.Recover(e.logger),
		mw.TracingWithTracer(e.tracer),
		metricsMw,
		mw.Logging(e.logger),
	}
	if e.limits != nil {
		chain = append(chain, e.limits.Middleware())
	}
	chain = append(chain, mw.Timeout(e.cfg.DispatchTimeout, e.logger))
	e.chain = mw.Chain(append(chain, e.mws...)...)

	sched, err := scheduler.ForProcessor(e, e.cfg.Schedules, e.logger, scheduler.WithClock(e.now))
	if err != nil {
		return nil, fmt.Errorf("conductor: build scheduler: %w", err)
	}
	e.scheduler = sched

	return e, nil
}

// Start recovers workflows left mid-evaluation by a previous process and
// starts the timer scheduler.
func (e *Engine) Start(ctx context.Context) error {
	// Resume any interrupted workflows (best-effort, non-fatal).
	running, err := e.workflows.ListWorkflows(ctx, workflow.ListOpts{State: workflow.StateRunning})
	if err != nil {
		e.logger.Warn("failed to list running workflows",
			slog.String("error", err.Error()),
		)
	}
	for _, wf := range running {
		if _, evalErr := e.Evaluate(ctx, wf.ID); evalErr != nil {
			e.logger.Warn("failed to resume workflow",
				slog.String("workflow_id", wf.ID.String()),
				slog.String("error", evalErr.Error()),
			)
		}
	}

	return e.scheduler.Start(ctx)
}

// Stop stops the scheduler and notifies extensions of shutdown.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.scheduler.Stop(ctx)
	e.extensions.EmitShutdown(ctx)
	return err
}

// Store returns the persistence backend.
func (e *Engine) Store() store.Store { return e.store }

// Outputs returns the step output store.
func (e *Engine) Outputs() output.Store { return e.outputs }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Scheduler returns the timer scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Config returns the engine configuration.
func (e *Engine) Config() conductor.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

func (e *Engine) emit(ctx context.Context, evt *event.Event) {
	e.bus.Dispatch(ctx, evt)
}

func (e *Engine) definitionFor(wf *workflow.Instance) (*definition.Definition, error) {
	return e.registry.Resolve(wf.DefinitionKey, wf.DefinitionVersion)
}

func (e *Engine) queueFor(q string) string {
	if q == "" {
		return e.cfg.DefaultQueue
	}
	return q
}
