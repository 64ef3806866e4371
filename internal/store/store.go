package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
// Conditional updates (FromStatus fields) return a CONFLICT EngineError when the
// row is no longer in one of the expected states.
type Store interface {
	// Workflow definitions
	UpsertDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetDefinitionByType(ctx context.Context, workflowType string) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, id string, update DefinitionUpdate) error

	// Runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// Steps
	UpsertStep(ctx context.Context, step *WorkflowStep) error
	ListSteps(ctx context.Context, runID string) ([]*WorkflowStep, error)

	// Decisions (append-only)
	CreateDecision(ctx context.Context, dec *Decision) error
	ListDecisions(ctx context.Context, runID string) ([]*Decision, error)

	// Approvals
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)
	UpsertThreshold(ctx context.Context, th *ApprovalThreshold) error
	GetThreshold(ctx context.Context, entityType string) (*ApprovalThreshold, error)

	// Exceptions
	CreateException(ctx context.Context, rec *ExceptionRecord) error
	GetException(ctx context.Context, id string) (*ExceptionRecord, error)
	UpdateException(ctx context.Context, id string, update ExceptionUpdate) error
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]*ExceptionRecord, error)
	UpsertExceptionRule(ctx context.Context, rule *ExceptionRule) error
	ListExceptionRules(ctx context.Context, exceptionType string) ([]*ExceptionRule, error)

	// Domain events (append-only, consumed once)
	AppendEvent(ctx context.Context, event *DomainEvent) error
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*DomainEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error

	// In-app notifications
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, role string, limit int) ([]*Notification, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
