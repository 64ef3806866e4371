package processors

import (
	"context"
	"log/slog"
	"maps"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// EchoType is the workflow type the echo processor registers under.
const EchoType = "echo"

// EchoProcessor returns its input as output. When the input carries
// "entity_type" and a numeric "amount" it also requests an approval, so
// catalogs can rehearse the approval path without a real service.
type EchoProcessor struct{}

var _ engine.Processor = EchoProcessor{}

func (EchoProcessor) Execute(ctx context.Context, h engine.Handle, rc *engine.RunContext) (*schema.WorkflowResult, error) {
	items, _ := rc.Input["items"].([]any)

	step := h.RecordStep(ctx, rc, engine.Step{
		Number: 1,
		Name:   "echo",
		Type:   "builtin",
		Input:  rc.Input,
		Run: func(context.Context) (*engine.StepOutcome, error) {
			return &engine.StepOutcome{Output: maps.Clone(rc.Input)}, nil
		},
	})
	res := &schema.WorkflowResult{
		Success:        step.Succeeded(),
		ItemsProcessed: len(items),
		ItemsSucceeded: len(items),
		Output:         step.Output,
	}

	entityType, _ := rc.Input["entity_type"].(string)
	amount, hasAmount := number(rc.Input["amount"])
	if entityType == "" || !hasAmount {
		return res, nil
	}
	res.TotalValue = schema.Float(amount)

	step = h.RecordStep(ctx, rc, engine.Step{
		Number: 2,
		Name:   "request_approval",
		Type:   "approval",
		Run: func(ctx context.Context) (*engine.StepOutcome, error) {
			outcome, err := h.RequestApproval(ctx, rc, engine.ApprovalInput{
				EntityType:  entityType,
				Amount:      amount,
				Description: "echo " + entityType,
				StepNumber:  2,
			})
			if err != nil {
				return nil, err
			}
			res.RequiresApproval = outcome.Required && !outcome.AutoApproved
			res.ApprovalID = outcome.ApprovalID
			return &engine.StepOutcome{Output: map[string]any{
				"approval_id":   outcome.ApprovalID,
				"tier":          string(outcome.Tier),
				"auto_approved": outcome.AutoApproved,
			}}, nil
		},
	})
	if !step.Succeeded() {
		res.Success = false
		res.Error = step.Error
	}
	return res, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func logger(rc *engine.RunContext) *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return slog.Default()
}
