package reasoning

import (
	"context"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// SchemaChecker validates a payload against a raw JSON Schema.
// *validation.SchemaValidator satisfies it.
type SchemaChecker interface {
	ValidateJSON(data any, rawSchema []byte) error
}

// CheckedOracle rejects answers that do not satisfy the request's response
// schema, so malformed answers count as oracle failures.
type CheckedOracle struct {
	inner   Oracle
	checker SchemaChecker
}

// NewCheckedOracle wraps inner with response validation.
func NewCheckedOracle(inner Oracle, checker SchemaChecker) *CheckedOracle {
	return &CheckedOracle{inner: inner, checker: checker}
}

func (o *CheckedOracle) Decide(ctx context.Context, req *Request) (*Response, error) {
	resp, err := o.inner.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.checker.ValidateJSON(resp.Fields, req.ResponseSchema); err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "oracle answer violates response schema").
			WithCause(err).
			WithDetails(map[string]any{"decision_type": req.DecisionType})
	}
	return resp, nil
}
