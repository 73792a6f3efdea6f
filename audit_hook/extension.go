package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/conductor/event"
	"github.com/xraph/conductor/ext"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.EventHandler = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly. Callers inject
// the concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants (mirror chronicle/audit).
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants (mirror chronicle/audit).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges conductor domain events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// OnEvent implements ext.EventHandler. Recorder failures are logged and
// never returned.
func (e *Extension) OnEvent(ctx context.Context, evt *event.Event) error {
	action := string(evt.Type)
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	resource, resourceID, category := classify(evt)

	meta := make(map[string]any, len(evt.Data)+3)
	for k, v := range evt.Data {
		meta[k] = v
	}
	meta["workflow_id"] = evt.WorkflowID.String()
	if evt.StepKey != "" {
		meta["step_key"] = evt.StepKey
	}
	if evt.Attempt > 0 {
		meta["attempt"] = evt.Attempt
	}

	severity := SeverityInfo
	if s, ok := severities[evt.Type]; ok {
		severity = s
	}
	outcome := OutcomeSuccess
	if failures[evt.Type] {
		outcome = OutcomeFailure
	}

	audit := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason(evt),
	}

	if err := e.recorder.Record(ctx, audit); err != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// classify maps an event to its audit resource and category.
func classify(evt *event.Event) (resource, resourceID, category string) {
	switch evt.Type.Category() {
	case event.CategoryStep:
		if !evt.StepRunID.IsNil() {
			return ResourceStepRun, evt.StepRunID.String(), CategoryStep
		}
		return ResourceStepRun, evt.WorkflowID.String() + "/" + evt.StepKey, CategoryStep
	case event.CategoryCompensation:
		if runID, ok := evt.Data["compensation_run_id"].(string); ok && runID != "" {
			return ResourceCompensation, runID, CategoryCompensation
		}
		return ResourceWorkflow, evt.WorkflowID.String(), CategoryCompensation
	case event.CategoryRetryFromStep:
		return ResourceWorkflow, evt.WorkflowID.String(), CategoryRetryFromStep
	default:
		return ResourceWorkflow, evt.WorkflowID.String(), CategoryWorkflow
	}
}

// reason picks the human-readable explanation carried by the event.
func reason(evt *event.Event) string {
	for _, key := range []string{"failure_message", "reason", "message"} {
		if v, ok := evt.Data[key]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}
