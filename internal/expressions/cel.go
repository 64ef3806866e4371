package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates exception rule conditions against a fixed
// environment:
//   - type:     string, the exception type
//   - severity: string, the exception severity
//   - payload:  map(string, dyn), the exception payload
//   - entity:   map(string, dyn), {"type": ..., "id": ...} of the affected entity
//
// Rules are checked at load time, so an unknown variable is a catalog error
// rather than a runtime miss.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates the rule-condition environment.
func NewCELEngine() (*CELEngine, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("payload", dynMap),
		cel.Variable("entity", dynMap),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache("cel", e.build)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile checks a rule condition without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs a rule condition. Absent variables are bound to their zero
// value ("" or an empty map).
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, ruleActivation(data))
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) build(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError("cel", expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("cel", expression, err)
	}
	return prg, nil
}

func ruleActivation(data map[string]any) map[string]any {
	act := map[string]any{
		"type":     "",
		"severity": "",
		"payload":  map[string]any{},
		"entity":   map[string]any{},
	}
	for name := range act {
		if v, ok := data[name]; ok && v != nil {
			act[name] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
