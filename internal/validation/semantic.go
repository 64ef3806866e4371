package validation

import (
	"fmt"

	"github.com/jcheng510/ai-erp-system-sub003/internal/scheduler"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// validateDefinitionSemantic checks trigger-specific requirements of a definition.
func validateDefinitionSemantic(def *store.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	path := fmt.Sprintf("definitions[%s]", def.ID)

	if def.ID == "" {
		result.AddError(path+".id", schema.ErrCodeValidation, "definition id is required")
	}
	if def.WorkflowType == "" {
		result.AddError(path+".workflow_type", schema.ErrCodeValidation, "workflow_type is required")
	}
	if !def.TriggerType.Valid() {
		result.AddError(path+".trigger_type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown trigger type %q", def.TriggerType))
	}

	switch def.TriggerType {
	case schema.TriggerScheduled:
		if def.Schedule == "" {
			result.AddError(path+".schedule", schema.ErrCodeValidation, "scheduled definitions need a schedule")
		} else if err := scheduler.ParseSchedule(def.Schedule); err != nil {
			// NextRun falls back to the next hour, so a bad expression still runs.
			result.AddWarning(path+".schedule", schema.ErrCodeValidation, err.Error())
		}
	case schema.TriggerEvent:
		if len(def.TriggerEvents) == 0 {
			result.AddError(path+".trigger_events", schema.ErrCodeValidation, "event definitions need at least one trigger event")
		}
	case schema.TriggerThreshold:
		if def.Threshold == nil || def.Threshold.Metric == "" || def.Threshold.Condition == "" {
			result.AddError(path+".threshold", schema.ErrCodeValidation, "threshold definitions need a metric and a condition")
		}
	case schema.TriggerDependency:
		if len(def.DependsOn) == 0 {
			result.AddError(path+".depends_on", schema.ErrCodeValidation, "dependency definitions need depends_on")
		}
	}

	for i, dep := range def.DependsOn {
		if dep == def.ID {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, i), schema.ErrCodeCycleDetected,
				"definition depends on itself")
		}
	}

	if def.Retry.MaxAttempts < 0 {
		result.AddError(path+".retry.max_attempts", schema.ErrCodeValidation, "max_attempts must not be negative")
	}
	if def.MaxConcurrent < 0 {
		result.AddError(path+".max_concurrent", schema.ErrCodeValidation, "max_concurrent must not be negative")
	}
	return result
}

// validatePipelineSemantic checks stage references within a pipeline.
func validatePipelineSemantic(p *schema.PipelineDefinition, known TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if p.ID == "" {
		result.AddError("id", schema.ErrCodeValidation, "pipeline id is required")
	}
	if len(p.Stages) == 0 {
		result.AddError("stages", schema.ErrCodeValidation, "pipeline has no stages")
		return result
	}

	stages := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if st.WorkflowType == "" {
			result.AddError(path+".workflow_type", schema.ErrCodeValidation, "stage workflow_type is required")
			continue
		}
		if stages[st.WorkflowType] {
			result.AddError(path+".workflow_type", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate stage %q", st.WorkflowType))
		}
		stages[st.WorkflowType] = true
		if known != nil && !known(st.WorkflowType) {
			result.AddError(path+".workflow_type", schema.ErrCodeUnknownProcessor,
				fmt.Sprintf("no processor registered for workflow type %q", st.WorkflowType))
		}
	}

	for i, st := range p.Stages {
		for j, dep := range st.DependsOn {
			if !stages[dep] {
				result.AddError(fmt.Sprintf("stages[%d].depends_on[%d]", i, j), schema.ErrCodeValidation,
					fmt.Sprintf("references unknown stage %q", dep))
			}
		}
	}
	return result
}
