// Package processors provides the workflow processors the orchestrator can
// register: a remote adapter that delegates a workflow type to an HTTP
// service, and a built-in echo processor for smoke tests and demos.
package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// RemoteConfig configures one remote workflow service.
type RemoteConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	APIKey  string            `mapstructure:"api_key" yaml:"-"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

type remoteRequest struct {
	RunID           string         `json:"run_id"`
	RunNumber       string         `json:"run_number"`
	WorkflowType    string         `json:"workflow_type"`
	Attempt         int            `json:"attempt"`
	Input           map[string]any `json:"input,omitempty"`
	ApprovalGranted bool           `json:"approval_granted"`
}

type remoteApproval struct {
	EntityType       string   `json:"entity_type"`
	EntityID         string   `json:"entity_id"`
	Amount           float64  `json:"amount"`
	Description      string   `json:"description"`
	AIRecommendation string   `json:"ai_recommendation"`
	AIConfidence     *float64 `json:"ai_confidence"`
}

type remoteException struct {
	Type        string          `json:"type"`
	Severity    schema.Severity `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Payload     map[string]any  `json:"payload"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
}

type remoteResponse struct {
	Success        bool              `json:"success"`
	ItemsProcessed int               `json:"items_processed"`
	ItemsSucceeded int               `json:"items_succeeded"`
	ItemsFailed    int               `json:"items_failed"`
	TotalValue     *float64          `json:"total_value"`
	Output         map[string]any    `json:"output"`
	Error          string            `json:"error"`
	Approval       *remoteApproval   `json:"approval"`
	Exceptions     []remoteException `json:"exceptions"`
}

// RemoteProcessor runs a workflow type by POSTing the run to an HTTP
// service. The call is journaled as one step. The service may ask for an
// approval, which suspends the run; on resume the service is called again
// with approval_granted set. Reported exceptions go to the rule engine.
type RemoteProcessor struct {
	cfg    RemoteConfig
	client *resty.Client
}

// NewRemoteProcessor creates a processor for cfg.URL.
func NewRemoteProcessor(cfg RemoteConfig) *RemoteProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")
	client.SetHeaders(cfg.Headers)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &RemoteProcessor{cfg: cfg, client: client}
}

var _ engine.Processor = (*RemoteProcessor)(nil)

func (p *RemoteProcessor) Execute(ctx context.Context, h engine.Handle, rc *engine.RunContext) (*schema.WorkflowResult, error) {
	stepNumber := max(rc.ResumeFromStep, 1)

	var (
		out     remoteResponse
		callErr error
	)
	step := h.RecordStep(ctx, rc, engine.Step{
		Number: stepNumber,
		Name:   "remote_call",
		Type:   "http",
		Input:  map[string]any{"url": p.cfg.URL, "approval_granted": rc.ApprovalGranted},
		Run: func(ctx context.Context) (*engine.StepOutcome, error) {
			callErr = p.call(ctx, rc, &out)
			if callErr != nil {
				return nil, callErr
			}
			return &engine.StepOutcome{Output: out.Output}, nil
		},
	})
	if callErr != nil {
		return nil, callErr
	}
	if !step.Succeeded() {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "remote step failed: %s", step.Error).WithRun(rc.RunID())
	}

	for _, ex := range out.Exceptions {
		if _, err := h.HandleException(ctx, rc, engine.ExceptionInput{
			Type:        ex.Type,
			Severity:    ex.Severity,
			Title:       ex.Title,
			Description: ex.Description,
			Payload:     ex.Payload,
			EntityType:  ex.EntityType,
			EntityID:    ex.EntityID,
		}); err != nil {
			logger(rc).WarnContext(ctx, "failed to raise remote exception",
				slog.String("type", ex.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	res := &schema.WorkflowResult{
		Success:        out.Success,
		ItemsProcessed: out.ItemsProcessed,
		ItemsSucceeded: out.ItemsSucceeded,
		ItemsFailed:    out.ItemsFailed,
		TotalValue:     out.TotalValue,
		Output:         out.Output,
		Error:          out.Error,
	}
	if out.Approval == nil || rc.ApprovalGranted {
		return res, nil
	}

	outcome, err := h.RequestApproval(ctx, rc, engine.ApprovalInput{
		EntityType:       out.Approval.EntityType,
		EntityID:         out.Approval.EntityID,
		Amount:           out.Approval.Amount,
		Description:      out.Approval.Description,
		AIRecommendation: out.Approval.AIRecommendation,
		AIConfidence:     out.Approval.AIConfidence,
		StepNumber:       stepNumber,
	})
	if err != nil {
		return nil, err
	}
	res.RequiresApproval = outcome.Required && !outcome.AutoApproved
	res.ApprovalID = outcome.ApprovalID
	return res, nil
}

// call performs the HTTP exchange. Transport failures and 5xx/429 replies are
// reported as retryable errors; other error statuses are business rejections.
func (p *RemoteProcessor) call(ctx context.Context, rc *engine.RunContext, out *remoteResponse) error {
	req := remoteRequest{
		RunID:           rc.RunID(),
		Input:           rc.Input,
		ApprovalGranted: rc.ApprovalGranted,
	}
	if rc.Run != nil {
		req.RunNumber = rc.Run.RunNumber
		req.WorkflowType = rc.Run.WorkflowType
		req.Attempt = rc.Run.Attempt
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&req).
		SetResult(out).
		Post(p.cfg.URL)
	if err != nil {
		code := schema.ErrCodeConnection
		if errors.Is(err, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return schema.NewErrorf(code, "call %s: %s", p.cfg.URL, err.Error()).WithRun(rc.RunID()).WithCause(err)
	}
	if resp.IsError() {
		details := map[string]any{"status_code": resp.StatusCode()}
		if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
			return schema.NewErrorf(schema.ErrCodeConnection, "remote processor returned %s", resp.Status()).
				WithRun(rc.RunID()).WithDetails(details)
		}
		return schema.NewError(schema.ErrCodeBusinessRule,
			fmt.Sprintf("remote processor rejected run: %s", resp.Status())).
			WithRun(rc.RunID()).WithDetails(details)
	}
	return nil
}
