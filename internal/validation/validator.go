package validation

import (
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Validator checks catalog entries before they are registered.
type Validator interface {
	ValidateDefinition(def *store.WorkflowDefinition) *schema.ValidationResult
	ValidatePipeline(p *schema.PipelineDefinition, known TypeLookup) *schema.ValidationResult
}

// TypeLookup reports whether a workflow type has a registered processor.
// A nil lookup skips the check.
type TypeLookup func(workflowType string) bool
