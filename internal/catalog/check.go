package catalog

import (
	"fmt"

	"github.com/jcheng510/ai-erp-system-sub003/internal/expressions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/processors"
	"github.com/jcheng510/ai-erp-system-sub003/internal/validation"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Checker runs the semantic checks the JSON Schema cannot express: trigger
// requirements, unique ids, processor coverage, pipeline graphs and
// expression syntax.
type Checker struct {
	validator validation.Validator
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.JQEngine
}

// NewChecker creates a Checker with its own expression engines.
func NewChecker() (*Checker, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Checker{
		validator: validation.NewCatalogValidator(),
		cel:       cel,
		expr:      expressions.NewExprEngine(),
		jq:        expressions.NewJQEngine(),
	}, nil
}

// Check validates c. known reports which workflow types have processors;
// nil skips processor coverage.
func (k *Checker) Check(c *Catalog, known validation.TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(c.Definitions))
	for _, def := range c.WorkflowDefinitions() {
		if seen[def.ID] {
			result.AddError(fmt.Sprintf("definitions[%s]", def.ID), schema.ErrCodeValidation, "duplicate definition id")
		}
		seen[def.ID] = true
		result.Merge(k.validator.ValidateDefinition(def))
		if known != nil && !known(def.WorkflowType) {
			result.AddError(fmt.Sprintf("definitions[%s].workflow_type", def.ID), schema.ErrCodeUnknownProcessor,
				fmt.Sprintf("no processor registered for workflow type %q", def.WorkflowType))
		}
		if def.Threshold != nil && def.Threshold.Condition != "" {
			if err := k.expr.Compile(def.Threshold.Condition); err != nil {
				result.AddError(fmt.Sprintf("definitions[%s].threshold.condition", def.ID), schema.ErrCodeValidation, err.Error())
			}
		}
	}

	pipelines := make(map[string]bool, len(c.Pipelines))
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if pipelines[p.ID] {
			result.AddError(fmt.Sprintf("pipelines[%s]", p.ID), schema.ErrCodeValidation, "duplicate pipeline id")
		}
		pipelines[p.ID] = true
		result.MergeAt(fmt.Sprintf("pipelines[%s]", p.ID), k.validator.ValidatePipeline(p, known))
		for _, st := range p.Stages {
			path := fmt.Sprintf("pipelines[%s].stages[%s]", p.ID, st.WorkflowType)
			if st.Condition != "" {
				if err := k.expr.Compile(st.Condition); err != nil {
					result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
				}
			}
			if st.OutputSelector != "" {
				if err := k.jq.Compile(st.OutputSelector); err != nil {
					result.AddError(path+".output_selector", schema.ErrCodeValidation, err.Error())
				}
			}
		}
	}

	entities := make(map[string]bool, len(c.Thresholds))
	for _, th := range c.Thresholds {
		path := fmt.Sprintf("thresholds[%s]", th.EntityType)
		if entities[th.EntityType] {
			result.AddError(path, schema.ErrCodeValidation, "duplicate threshold entity type")
		}
		entities[th.EntityType] = true
		if !bandsAscending(th.AutoApproveMax, th.Level1Max, th.Level2Max, th.Level3Max) {
			result.AddError(path, schema.ErrCodeValidation, "configured band maximums must increase")
		}
	}

	rules := make(map[string]bool, len(c.ExceptionRules))
	for _, r := range c.ExceptionRules {
		path := fmt.Sprintf("exception_rules[%s]", r.ID)
		if rules[r.ID] {
			result.AddError(path, schema.ErrCodeValidation, "duplicate rule id")
		}
		rules[r.ID] = true
		if r.Strategy == schema.StrategyAutoResolve && r.AutoAction == "" {
			result.AddWarning(path+".auto_action", schema.ErrCodeValidation, "auto_resolve rule without an auto_action")
		}
		if r.Condition != "" {
			if err := k.cel.Compile(r.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	for _, p := range c.Processors {
		if p.Kind == processors.KindRemote && p.URL == "" {
			result.AddError(fmt.Sprintf("processors[%s].url", p.WorkflowType), schema.ErrCodeValidation,
				"remote processors need a url")
		}
	}
	return result
}

// bandsAscending reports whether the configured (non-zero) maximums after
// the auto-approve limit strictly increase.
func bandsAscending(auto float64, levels ...float64) bool {
	prev := auto
	for _, v := range levels {
		if v == 0 {
			continue
		}
		if v <= prev {
			return false
		}
		prev = v
	}
	return true
}
