package schema

// Stage is one node of a pipeline: a workflow type plus its upstream dependencies.
type Stage struct {
	WorkflowType string   `json:"workflow_type" yaml:"workflow_type"`
	DependsOn    []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// OutputKey names the key under which this stage's output is forwarded downstream.
	OutputKey string `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	// OutputSelector is an optional jq query applied to the output before forwarding.
	OutputSelector string `json:"output_selector,omitempty" yaml:"output_selector,omitempty"`
	// Condition is an optional expr expression; false skips the stage.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ForwardKey returns the key used when forwarding this stage's output.
func (s Stage) ForwardKey() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	return s.WorkflowType
}

// PipelineDefinition is a named DAG of stages.
type PipelineDefinition struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []Stage `json:"stages" yaml:"stages"`
}

// StageStatus describes how a stage finished within a pipeline execution.
type StageStatus string

const (
	StageCompleted        StageStatus = "completed"
	StageSkipped          StageStatus = "skipped"
	StageFailed           StageStatus = "failed"
	StageAwaitingApproval StageStatus = "awaiting_approval"
	StageNotRun           StageStatus = "not_run"
)

// StageResult is the outcome of one stage.
type StageResult struct {
	WorkflowType string          `json:"workflow_type"`
	Wave         int             `json:"wave"`
	Status       StageStatus     `json:"status"`
	Result       *WorkflowResult `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// PipelineResult aggregates a pipeline execution.
type PipelineResult struct {
	PipelineID       string                  `json:"pipeline_id"`
	Success          bool                    `json:"success"`
	Halted           bool                    `json:"halted"`
	Waves            [][]string              `json:"waves"`
	Stages           map[string]*StageResult `json:"stages"`
	AwaitingApproval []string                `json:"awaiting_approval,omitempty"`
	Failed           []string                `json:"failed,omitempty"`
}
