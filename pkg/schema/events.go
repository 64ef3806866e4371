package schema

// Domain event types appended to the event table.
const (
	EventWorkflowStarted      = "workflow.started"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowFailed       = "workflow.failed"
	EventWorkflowCancelled    = "workflow.cancelled"
	EventWorkflowSuspended    = "workflow.awaiting_approval"
	EventWorkflowResumed      = "workflow.resumed"
	EventWorkflowRejected     = "workflow.rejected"
	EventWorkflowDeadLettered = "workflow.dead_lettered"

	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalEscalated = "approval.escalated"

	EventExceptionRaised   = "exception.raised"
	EventExceptionResolved = "exception.resolved"

	EventCircuitOpened = "circuit.opened"
	EventCircuitClosed = "circuit.closed"

	EventPipelineCompleted = "pipeline.completed"
	EventPipelineFailed    = "pipeline.failed"
)

// Payload keys carried by workflow lifecycle events.
const (
	PayloadDefinitionID = "definition_id"
	PayloadWorkflowType = "workflow_type"
	PayloadRunID        = "run_id"
	PayloadError        = "error"
)
