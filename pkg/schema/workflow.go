package schema

import "time"

// TriggerType enumerates how a workflow definition gets launched.
type TriggerType string

const (
	TriggerScheduled  TriggerType = "scheduled"
	TriggerEvent      TriggerType = "event"
	TriggerThreshold  TriggerType = "threshold"
	TriggerManual     TriggerType = "manual"
	TriggerDependency TriggerType = "dependency"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerEvent, TriggerThreshold, TriggerManual, TriggerDependency:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusApproved         RunStatus = "approved"
	RunStatusRejected         RunStatus = "rejected"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusRejected:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a journaled step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// RetryPolicy configures the attempt loop of a workflow definition.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
}

// DefaultRetryPolicy is applied when a definition leaves its policy empty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute}
}

// ThresholdSpec describes a metric-driven trigger.
// Condition is an expr expression evaluated with `value` and `metrics` in scope.
type ThresholdSpec struct {
	Metric    string        `json:"metric" yaml:"metric"`
	Condition string        `json:"condition" yaml:"condition"`
	Cooldown  time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// WorkflowResult is the shape every processor returns and every run reports.
type WorkflowResult struct {
	RunID            string         `json:"run_id,omitempty"`
	RunNumber        string         `json:"run_number,omitempty"`
	Status           RunStatus      `json:"status"`
	Success          bool           `json:"success"`
	ItemsProcessed   int            `json:"items_processed"`
	ItemsSucceeded   int            `json:"items_succeeded"`
	ItemsFailed      int            `json:"items_failed"`
	TotalValue       *float64       `json:"total_value,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	ApprovalID       string         `json:"approval_id,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	DeadLettered     bool           `json:"dead_lettered,omitempty"`
}

// Float returns a pointer to v, for optional monetary totals.
func Float(v float64) *float64 {
	return &v
}
