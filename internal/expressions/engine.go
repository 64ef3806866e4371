// Package expressions hosts the three expression languages used by the
// orchestrator: expr for stage skip and threshold conditions, CEL for
// exception rule conditions, and jq for stage output selectors.
package expressions

import (
	"context"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Engine evaluates one expression language against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q must evaluate to a boolean, got %T", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
