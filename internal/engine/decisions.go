package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/reasoning"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// DecisionRequest asks the oracle for one judgement.
type DecisionRequest struct {
	DecisionType string
	Question     string
	Context      map[string]any
	Options      []string
}

// BatchDecisionRequest asks the oracle for one judgement per item.
type BatchDecisionRequest struct {
	DecisionType string
	Question     string
	Options      []string
	Items        []reasoning.BatchItem
}

// DecisionResult is the normalized oracle answer.
type DecisionResult struct {
	ItemID     string  `json:"item_id,omitempty"`
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// MakeAIDecision consults the oracle behind the circuit breaker. On success
// the consumed tokens are charged to the run and a Decision row is appended.
// rc may be nil for decisions made outside a run.
func (e *Engine) MakeAIDecision(ctx context.Context, rc *RunContext, req DecisionRequest) (*DecisionResult, error) {
	prompt := reasoning.BuildPrompt(reasoning.PromptParams{
		DecisionType: req.DecisionType,
		Question:     req.Question,
		Context:      req.Context,
		Options:      req.Options,
	})
	resp, err := e.consult(ctx, rc, req.DecisionType, prompt, reasoning.DecisionSchema)
	if err != nil {
		return nil, err
	}

	result := &DecisionResult{
		Decision:   reasoning.String(resp.Fields, "decision"),
		Reasoning:  reasoning.String(resp.Fields, "reasoning"),
		Confidence: reasoning.Confidence(resp.Fields),
	}
	if err := reasoning.ValidateChoice(req.Options, result.Decision); err != nil {
		return nil, err
	}

	e.chargeTokens(ctx, rc, req.DecisionType, resp.TokensUsed)
	e.appendDecision(ctx, rc, req.DecisionType, prompt, req.Options, *result, resp.TokensUsed)
	return result, nil
}

// MakeBatchAIDecision asks for one decision per item and matches answers
// back by the item id the oracle echoes. Items the oracle skipped come back
// with an empty decision and zero confidence.
func (e *Engine) MakeBatchAIDecision(ctx context.Context, rc *RunContext, req BatchDecisionRequest) ([]DecisionResult, error) {
	if len(req.Items) == 0 {
		return nil, nil
	}
	prompt := reasoning.BuildPrompt(reasoning.PromptParams{
		DecisionType: req.DecisionType,
		Question:     req.Question,
		Options:      req.Options,
		Items:        req.Items,
	})
	resp, err := e.consult(ctx, rc, req.DecisionType, prompt, reasoning.BatchDecisionSchema)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]DecisionResult)
	entries, _ := resp.Fields["decisions"].([]any)
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := reasoning.String(entry, "id")
		if id == "" {
			continue
		}
		byID[id] = DecisionResult{
			ItemID:     id,
			Decision:   reasoning.String(entry, "decision"),
			Reasoning:  reasoning.String(entry, "reasoning"),
			Confidence: reasoning.Confidence(entry),
		}
	}

	e.chargeTokens(ctx, rc, req.DecisionType, resp.TokensUsed)

	results := make([]DecisionResult, 0, len(req.Items))
	perItemTokens := resp.TokensUsed / len(req.Items)
	for _, item := range req.Items {
		res, ok := byID[item.ID]
		if !ok {
			res = DecisionResult{ItemID: item.ID, Reasoning: "no decision returned for item"}
		} else if err := reasoning.ValidateChoice(req.Options, res.Decision); err != nil {
			res = DecisionResult{ItemID: item.ID, Reasoning: err.Error()}
		}
		results = append(results, res)
		e.appendDecision(ctx, rc, req.DecisionType, prompt, req.Options, res, perItemTokens)
	}
	return results, nil
}

// consult gates one oracle call on the breaker and records its outcome.
func (e *Engine) consult(ctx context.Context, rc *RunContext, decisionType, prompt string, responseSchema []byte) (*reasoning.Response, error) {
	if e.oracle == nil {
		return nil, schema.NewError(schema.ErrCodeOracleFailed, "no decision oracle configured").WithRun(rc.RunID())
	}
	if err := e.breaker.Allow(); err != nil {
		return nil, err.WithRun(rc.RunID())
	}

	resp, err := e.oracle.Decide(ctx, &reasoning.Request{
		DecisionType:   decisionType,
		Prompt:         prompt,
		ResponseSchema: responseSchema,
	})
	if err != nil {
		state := e.breaker.RecordFailure()
		e.logger.WarnContext(ctx, "oracle call failed",
			slog.String("decision_type", decisionType),
			slog.String("circuit", state.String()),
			slog.String("error", err.Error()),
		)
		return nil, schema.NewErrorf(schema.ErrCodeOracleFailed, "oracle call for %s failed", decisionType).
			WithRun(rc.RunID()).WithCause(err)
	}
	e.breaker.RecordSuccess()
	if resp.Fields == nil {
		resp.Fields = map[string]any{}
	}
	return resp, nil
}

func (e *Engine) chargeTokens(ctx context.Context, rc *RunContext, decisionType string, tokens int) {
	e.metrics.recordTokens(ctx, decisionType, tokens)
	if rc.RunID() == "" || tokens <= 0 {
		return
	}
	if err := e.store.UpdateRun(ctx, rc.RunID(), store.RunUpdate{AddTokens: tokens}); err != nil {
		e.logger.ErrorContext(ctx, "failed to charge tokens", slog.String("error", err.Error()))
	}
}

func (e *Engine) appendDecision(ctx context.Context, rc *RunContext, decisionType, prompt string,
	options []string, res DecisionResult, tokens int) {
	err := e.store.CreateDecision(ctx, &store.Decision{
		ID:            uuid.New().String(),
		RunID:         rc.RunID(),
		DecisionType:  decisionType,
		ContextPrompt: prompt,
		Options:       options,
		Chosen:        res.Decision,
		Reasoning:     res.Reasoning,
		Confidence:    res.Confidence,
		TokensUsed:    tokens,
		CreatedAt:     e.now(),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to record decision", slog.String("error", err.Error()))
	}
}
