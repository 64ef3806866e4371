package store

import (
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// WorkflowDefinition is a configured, triggerable workflow.
// Definitions are never deleted; they are deactivated.
type WorkflowDefinition struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Description   string                `json:"description,omitempty"`
	WorkflowType  string                `json:"workflow_type"`
	TriggerType   schema.TriggerType    `json:"trigger_type"`
	Schedule      string                `json:"schedule,omitempty"`
	TriggerEvents []string              `json:"trigger_events,omitempty"`
	DependsOn     []string              `json:"depends_on,omitempty"`
	Threshold     *schema.ThresholdSpec `json:"threshold,omitempty"`
	Retry         schema.RetryPolicy    `json:"retry"`
	MaxConcurrent int                   `json:"max_concurrent"`
	Active        bool                  `json:"active"`
	LastRunAt     *time.Time            `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time            `json:"next_run_at,omitempty"`
	SuccessCount  int                   `json:"success_count"`
	FailureCount  int                   `json:"failure_count"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// DefinitionUpdate holds optional fields for a partial definition update.
type DefinitionUpdate struct {
	Active    *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	// Increment counters rather than overwrite them.
	AddSuccess int
	AddFailure int
}

// DefinitionFilter controls definition listing.
type DefinitionFilter struct {
	TriggerType *schema.TriggerType
	ActiveOnly  bool
	// DueBefore selects definitions whose next_run_at is at or before the instant.
	DueBefore *time.Time
}

// WorkflowRun is one execution attempt lineage of a definition.
type WorkflowRun struct {
	ID             string           `json:"id"`
	DefinitionID   string           `json:"definition_id"`
	WorkflowType   string           `json:"workflow_type"`
	RunNumber      string           `json:"run_number"`
	Status         schema.RunStatus `json:"status"`
	TriggerSource  string           `json:"trigger_source"`
	Attempt        int              `json:"attempt"`
	ParentRunID    string           `json:"parent_run_id,omitempty"`
	Input          map[string]any   `json:"input,omitempty"`
	Output         map[string]any   `json:"output,omitempty"`
	ItemsProcessed int              `json:"items_processed"`
	ItemsSucceeded int              `json:"items_succeeded"`
	ItemsFailed    int              `json:"items_failed"`
	TotalValue     *float64         `json:"total_value,omitempty"`
	TokensUsed     int              `json:"tokens_used"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	DeadLettered   bool             `json:"dead_lettered"`
	ResumeFromStep int              `json:"resume_from_step,omitempty"`
	ApprovalID     string           `json:"approval_id,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RunUpdate holds optional fields for a partial run update.
type RunUpdate struct {
	// FromStatus makes the update conditional on the current status.
	FromStatus     *schema.RunStatus
	Status         *schema.RunStatus
	Output         map[string]any
	ItemsProcessed *int
	ItemsSucceeded *int
	ItemsFailed    *int
	TotalValue     *float64
	ErrorMessage   *string
	DeadLettered   *bool
	ResumeFromStep *int
	ApprovalID     *string
	CompletedAt    *time.Time
	AddTokens      int
}

// RunFilter controls run listing.
type RunFilter struct {
	DefinitionID string
	Status       *schema.RunStatus
	DeadLettered *bool
	Limit        int
}

// EntityRef points at a business entity a step created or modified.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// WorkflowStep is one journaled unit of work within a run.
type WorkflowStep struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	StepNumber       int               `json:"step_number"`
	Name             string            `json:"name"`
	Type             string            `json:"type"`
	Status           schema.StepStatus `json:"status"`
	Input            map[string]any    `json:"input,omitempty"`
	Output           map[string]any    `json:"output,omitempty"`
	AIResponse       string            `json:"ai_response,omitempty"`
	AIConfidence     *float64          `json:"ai_confidence,omitempty"`
	AITokens         int               `json:"ai_tokens,omitempty"`
	EntitiesCreated  []EntityRef       `json:"entities_created,omitempty"`
	EntitiesModified []EntityRef       `json:"entities_modified,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	DurationMs       int64             `json:"duration_ms"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// Decision is an append-only audit record of an AI-assisted choice.
type Decision struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id,omitempty"`
	DecisionType  string    `json:"decision_type"`
	ContextPrompt string    `json:"context_prompt"`
	Options       []string  `json:"options,omitempty"`
	Chosen        string    `json:"chosen"`
	Reasoning     string    `json:"reasoning"`
	Confidence    float64   `json:"confidence"`
	TokensUsed    int       `json:"tokens_used"`
	CreatedAt     time.Time `json:"created_at"`
}

// ApprovalRequest is a sign-off request for a monetary action.
type ApprovalRequest struct {
	ID               string                `json:"id"`
	RunID            string                `json:"run_id,omitempty"`
	EntityType       string                `json:"entity_type"`
	EntityID         string                `json:"entity_id,omitempty"`
	Amount           float64               `json:"amount"`
	Description      string                `json:"description,omitempty"`
	AIRecommendation string                `json:"ai_recommendation,omitempty"`
	AIConfidence     *float64              `json:"ai_confidence,omitempty"`
	RiskTier         schema.RiskTier       `json:"risk_tier"`
	Tier             schema.ApprovalTier   `json:"tier"`
	Level            int                   `json:"level"`
	Status           schema.ApprovalStatus `json:"status"`
	AssignedRoles    []string              `json:"assigned_roles,omitempty"`
	AssignedUsers    []string              `json:"assigned_users,omitempty"`
	EscalationLevel  int                   `json:"escalation_level"`
	EscalateAt       *time.Time            `json:"escalate_at,omitempty"`
	ResumeFromStep   int                   `json:"resume_from_step,omitempty"`
	ResolvedBy       string                `json:"resolved_by,omitempty"`
	ResolutionNotes  string                `json:"resolution_notes,omitempty"`
	ResolvedAt       *time.Time            `json:"resolved_at,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// ApprovalUpdate holds optional fields for a partial approval update.
type ApprovalUpdate struct {
	// FromStatus makes the update conditional on the current status.
	FromStatus      []schema.ApprovalStatus
	Status          *schema.ApprovalStatus
	AssignedRoles   []string
	EscalationLevel *int
	EscalateAt      *time.Time
	ResolvedBy      *string
	ResolutionNotes *string
	ResolvedAt      *time.Time
}

// ApprovalFilter controls approval listing.
type ApprovalFilter struct {
	Status []schema.ApprovalStatus
	RunID  string
	Role   string
	// EscalateBefore selects requests whose escalate_at is at or before the instant.
	EscalateBefore *time.Time
	Limit          int
}

// ApprovalThreshold maps monetary bands to approval tiers for one entity type.
// A zero band maximum means the band is not configured.
type ApprovalThreshold struct {
	EntityType     string    `json:"entity_type" yaml:"entity_type"`
	AutoApproveMax float64   `json:"auto_approve_max" yaml:"auto_approve_max"`
	Level1Max      float64   `json:"level1_max" yaml:"level1_max"`
	Level2Max      float64   `json:"level2_max" yaml:"level2_max"`
	Level3Max      float64   `json:"level3_max" yaml:"level3_max"`
	Level1Roles    []string  `json:"level1_roles" yaml:"level1_roles"`
	Level2Roles    []string  `json:"level2_roles" yaml:"level2_roles"`
	Level3Roles    []string  `json:"level3_roles" yaml:"level3_roles"`
	ExecutiveRoles []string  `json:"executive_roles" yaml:"executive_roles"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// ExceptionRecord is a logged domain anomaly and its resolution.
type ExceptionRecord struct {
	ID               string                    `json:"id"`
	RunID            string                    `json:"run_id,omitempty"`
	Type             string                    `json:"type"`
	Severity         schema.Severity           `json:"severity"`
	Title            string                    `json:"title"`
	Description      string                    `json:"description,omitempty"`
	Payload          map[string]any            `json:"payload,omitempty"`
	EntityType       string                    `json:"entity_type,omitempty"`
	EntityID         string                    `json:"entity_id,omitempty"`
	RuleID           string                    `json:"rule_id,omitempty"`
	Status           schema.ExceptionStatus    `json:"status"`
	ResolutionType   schema.ResolutionStrategy `json:"resolution_type,omitempty"`
	ResolutionAction string                    `json:"resolution_action,omitempty"`
	ResolvedBy       string                    `json:"resolved_by,omitempty"`
	ResolutionNotes  string                    `json:"resolution_notes,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	ResolvedAt       *time.Time                `json:"resolved_at,omitempty"`
}

// ExceptionUpdate holds optional fields for a partial exception update.
type ExceptionUpdate struct {
	// FromStatus makes the update conditional on the current status.
	FromStatus       []schema.ExceptionStatus
	Status           *schema.ExceptionStatus
	Severity         *schema.Severity
	RuleID           *string
	ResolutionType   *schema.ResolutionStrategy
	ResolutionAction *string
	ResolvedBy       *string
	ResolutionNotes  *string
	ResolvedAt       *time.Time
}

// ExceptionFilter controls exception listing.
type ExceptionFilter struct {
	Status *schema.ExceptionStatus
	Type   string
	RunID  string
	Limit  int
}

// ExceptionRule maps an exception type to a resolution strategy.
// Lower priority numbers win.
type ExceptionRule struct {
	ID            string                    `json:"id" yaml:"id"`
	ExceptionType string                    `json:"exception_type" yaml:"exception_type"`
	Priority      int                       `json:"priority" yaml:"priority"`
	Strategy      schema.ResolutionStrategy `json:"strategy" yaml:"strategy"`
	// Condition is an optional CEL expression over type, severity and payload.
	Condition   string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	AutoAction  string   `json:"auto_action,omitempty" yaml:"auto_action,omitempty"`
	NotifyRoles []string `json:"notify_roles,omitempty" yaml:"notify_roles,omitempty"`
	Active      bool     `json:"active" yaml:"active"`
}

// DomainEvent is an append-only business event consumed once by the event loop.
type DomainEvent struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Type         string          `json:"type"`
	Severity     schema.Severity `json:"severity,omitempty"`
	SourceEntity string          `json:"source_entity,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	Payload      map[string]any  `json:"payload,omitempty"`
	Processed    bool            `json:"processed"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// Notification is an in-app message addressed to roles.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Roles     []string  `json:"roles"`
	ActionURL string    `json:"action_url,omitempty"`
	SendEmail bool      `json:"send_email"`
	CreatedAt time.Time `json:"created_at"`
}
