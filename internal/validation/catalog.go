package validation

import (
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// CatalogValidator runs semantic and graph checks over catalog entries.
type CatalogValidator struct{}

// NewCatalogValidator creates a CatalogValidator.
func NewCatalogValidator() *CatalogValidator {
	return &CatalogValidator{}
}

// ValidateDefinition checks a workflow definition.
func (CatalogValidator) ValidateDefinition(def *store.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	return validateDefinitionSemantic(def)
}

// ValidatePipeline runs the semantic stage and, if it passes, the cycle check.
func (CatalogValidator) ValidatePipeline(p *schema.PipelineDefinition, known TypeLookup) *schema.ValidationResult {
	if p == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "pipeline definition is nil")
		return r
	}
	result := validatePipelineSemantic(p, known)
	if result.Valid() {
		result.Merge(validatePipelineDAG(p))
	}
	return result
}

var _ Validator = CatalogValidator{}
