package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// JQEngine applies jq selectors to stage outputs before they are forwarded
// to dependent stages. Selectors cannot read the process environment.
type JQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewJQEngine creates a new jq engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{programs: newProgramCache("jq", compileSelector)}
}

func (e *JQEngine) Name() string { return "jq" }

// Compile checks a selector without running it.
func (e *JQEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs a selector against data. One output is returned as is,
// several are collected into a slice, and none yields nil.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(data))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func compileSelector(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

// jqValue rewrites processor output into the value types gojq accepts:
// sized integers and float32 become float64, typed slices become []any.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		return jqSlice(val)
	case []map[string]any:
		return jqSlice(val)
	case []string:
		return jqSlice(val)
	case []float64:
		return jqSlice(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

func jqSlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = jqValue(item)
	}
	return out
}

var _ Engine = (*JQEngine)(nil)
