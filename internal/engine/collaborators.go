package engine

import (
	"context"

	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// ApprovalInput describes a monetary action that may need sign-off.
type ApprovalInput struct {
	EntityType       string
	EntityID         string
	Amount           float64
	Description      string
	AIRecommendation string
	AIConfidence     *float64
	// StepNumber is the step that requested approval; the run resumes after it.
	StepNumber int
}

// ApprovalOutcome reports how an approval request was handled.
type ApprovalOutcome struct {
	ApprovalID   string
	Required     bool
	AutoApproved bool
	Tier         schema.ApprovalTier
	Level        int
	Roles        []string
}

// ExceptionInput describes a domain anomaly raised by a processor.
type ExceptionInput struct {
	Type        string
	Severity    schema.Severity
	Title       string
	Description string
	Payload     map[string]any
	EntityType  string
	EntityID    string
}

// ApprovalRequester creates approval requests on behalf of runs.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, runID string, req ApprovalInput) (*ApprovalOutcome, error)
}

// ExceptionHandler records and resolves exceptions on behalf of runs.
type ExceptionHandler interface {
	HandleException(ctx context.Context, runID string, ex ExceptionInput) (*store.ExceptionRecord, error)
}

// SetApprovalService wires the approval engine. It must be called before runs start.
func (e *Engine) SetApprovalService(a ApprovalRequester) {
	e.approvals = a
}

// SetExceptionHandler wires the exception rule engine. It must be called before runs start.
func (e *Engine) SetExceptionHandler(h ExceptionHandler) {
	e.exceptions = h
}

// RequestApproval delegates to the approval engine for the run in rc.
func (e *Engine) RequestApproval(ctx context.Context, rc *RunContext, req ApprovalInput) (*ApprovalOutcome, error) {
	if e.approvals == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval service not configured").WithRun(rc.RunID())
	}
	return e.approvals.RequestApproval(ctx, rc.RunID(), req)
}

// HandleException delegates to the exception rule engine for the run in rc.
func (e *Engine) HandleException(ctx context.Context, rc *RunContext, ex ExceptionInput) (*store.ExceptionRecord, error) {
	if e.exceptions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "exception handler not configured").WithRun(rc.RunID())
	}
	return e.exceptions.HandleException(ctx, rc.RunID(), ex)
}
