package audithook

import "github.com/xraph/conductor/event"

// Audit event actions. Each constant corresponds to one domain event type
// and becomes the Action field of the audit event.
const (
	ActionWorkflowStarted           = string(event.WorkflowStarted)
	ActionWorkflowPaused            = string(event.WorkflowPaused)
	ActionWorkflowResumed           = string(event.WorkflowResumed)
	ActionWorkflowSucceeded         = string(event.WorkflowSucceeded)
	ActionWorkflowFailed            = string(event.WorkflowFailed)
	ActionWorkflowCancelled         = string(event.WorkflowCancelled)
	ActionWorkflowRetried           = string(event.WorkflowRetried)
	ActionWorkflowTriggered         = string(event.WorkflowTriggered)
	ActionAwaitingResolution        = string(event.WorkflowAwaitingResolution)
	ActionAutoRetryScheduled        = string(event.WorkflowAutoRetryScheduled)
	ActionAutoRetryExhausted        = string(event.WorkflowAutoRetryExhausted)
	ActionResolutionDecided         = string(event.WorkflowResolutionDecided)
	ActionCompensationPending       = string(event.WorkflowCompensationPending)
	ActionStepStarted               = string(event.StepStarted)
	ActionStepSucceeded             = string(event.StepSucceeded)
	ActionStepFailed                = string(event.StepFailed)
	ActionStepSkipped               = string(event.StepSkipped)
	ActionStepRetrying              = string(event.StepRetrying)
	ActionStepSuperseded            = string(event.StepSuperseded)
	ActionStepPolled                = string(event.StepPolled)
	ActionCompensationStarted       = string(event.CompensationStarted)
	ActionCompensationStepStarted   = string(event.CompensationStepStarted)
	ActionCompensationStepSucceeded = string(event.CompensationStepSucceeded)
	ActionCompensationStepFailed    = string(event.CompensationStepFailed)
	ActionCompensationStepSkipped   = string(event.CompensationStepSkipped)
	ActionCompensationCompleted     = string(event.CompensationCompleted)
	ActionCompensationFailed        = string(event.CompensationFailed)
	ActionRetryFromStepInitiated    = string(event.RetryFromStepInitiated)
	ActionRetryFromStepCompleted    = string(event.RetryFromStepCompleted)
)

// Audit event categories group related actions.
const (
	CategoryWorkflow      = "conductor.workflow"
	CategoryStep          = "conductor.step"
	CategoryCompensation  = "conductor.compensation"
	CategoryRetryFromStep = "conductor.retry_from_step"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceWorkflow     = "workflow_instance"
	ResourceStepRun      = "step_run"
	ResourceCompensation = "compensation_run"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionWorkflowStarted,
		ActionWorkflowPaused,
		ActionWorkflowResumed,
		ActionWorkflowSucceeded,
		ActionWorkflowFailed,
		ActionWorkflowCancelled,
		ActionWorkflowRetried,
		ActionWorkflowTriggered,
		ActionAwaitingResolution,
		ActionAutoRetryScheduled,
		ActionAutoRetryExhausted,
		ActionResolutionDecided,
		ActionCompensationPending,
		ActionStepStarted,
		ActionStepSucceeded,
		ActionStepFailed,
		ActionStepSkipped,
		ActionStepRetrying,
		ActionStepSuperseded,
		ActionStepPolled,
		ActionCompensationStarted,
		ActionCompensationStepStarted,
		ActionCompensationStepSucceeded,
		ActionCompensationStepFailed,
		ActionCompensationStepSkipped,
		ActionCompensationCompleted,
		ActionCompensationFailed,
		ActionRetryFromStepInitiated,
		ActionRetryFromStepCompleted,
	}
}

// severities overrides the default info severity.
var severities = map[event.Type]string{
	event.WorkflowFailed:             SeverityCritical,
	event.CompensationFailed:         SeverityCritical,
	event.WorkflowAutoRetryExhausted: SeverityCritical,
	event.StepFailed:                 SeverityWarning,
	event.StepSkipped:                SeverityWarning,
	event.StepRetrying:               SeverityWarning,
	event.StepSuperseded:             SeverityWarning,
	event.CompensationStepFailed:     SeverityWarning,
	event.CompensationStepSkipped:    SeverityWarning,
	event.WorkflowAwaitingResolution: SeverityWarning,
	event.WorkflowCancelled:          SeverityWarning,
}

// failures lists the types whose outcome is a failure.
var failures = map[event.Type]bool{
	event.WorkflowFailed:             true,
	event.StepFailed:                 true,
	event.CompensationStepFailed:     true,
	event.CompensationFailed:         true,
	event.WorkflowAutoRetryExhausted: true,
}
