package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates stage skip conditions and threshold trigger
// conditions with expr-lang/expr. Stage conditions see `input` and
// `results` (stage name to result); threshold conditions see `value` and
// `metrics`.
//
// Programs are compiled without a typed environment so one cached program
// serves every data shape; unknown names evaluate to nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates a new expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		programs: newProgramCache("expr", func(expression string) (*vm.Program, error) {
			prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, compileError("expr", expression, err)
			}
			return prg, nil
		}),
	}
}

func (e *ExprEngine) Name() string { return "expr" }

// Compile checks an expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
