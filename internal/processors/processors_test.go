package processors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// fakeHandle runs steps inline and records approval and exception requests.
type fakeHandle struct {
	mu         sync.Mutex
	steps      []*engine.StepResult
	approvals  []engine.ApprovalInput
	exceptions []engine.ExceptionInput
	outcome    engine.ApprovalOutcome
}

func (h *fakeHandle) RecordStep(ctx context.Context, rc *engine.RunContext, step engine.Step) *engine.StepResult {
	res := &engine.StepResult{Number: step.Number, Name: step.Name, Status: schema.StepStatusCompleted}
	if rc.ResumeFromStep > 0 && step.Number < rc.ResumeFromStep {
		res.Skipped = true
	} else if out, err := step.Run(ctx); err != nil {
		res.Status = schema.StepStatusFailed
		res.Error = err.Error()
	} else if out != nil {
		res.Output = out.Output
	}
	h.mu.Lock()
	h.steps = append(h.steps, res)
	h.mu.Unlock()
	return res
}

func (h *fakeHandle) MakeAIDecision(context.Context, *engine.RunContext, engine.DecisionRequest) (*engine.DecisionResult, error) {
	return nil, schema.NewError(schema.ErrCodeOracleFailed, "no oracle")
}

func (h *fakeHandle) MakeBatchAIDecision(context.Context, *engine.RunContext, engine.BatchDecisionRequest) ([]engine.DecisionResult, error) {
	return nil, schema.NewError(schema.ErrCodeOracleFailed, "no oracle")
}

func (h *fakeHandle) RequestApproval(_ context.Context, _ *engine.RunContext, req engine.ApprovalInput) (*engine.ApprovalOutcome, error) {
	h.approvals = append(h.approvals, req)
	out := h.outcome
	return &out, nil
}

func (h *fakeHandle) HandleException(_ context.Context, _ *engine.RunContext, ex engine.ExceptionInput) (*store.ExceptionRecord, error) {
	h.exceptions = append(h.exceptions, ex)
	return &store.ExceptionRecord{ID: "exc-1", Type: ex.Type}, nil
}

func runContext(input map[string]any) *engine.RunContext {
	return &engine.RunContext{
		Run: &store.WorkflowRun{
			ID:           "run-1",
			RunNumber:    "RUN-20260302-ABCDEF12",
			WorkflowType: "invoice_matching",
			Attempt:      2,
		},
		Input: input,
	}
}

func jsonServer(t *testing.T, status int, body any, seen *remoteRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteProcessor_Success(t *testing.T) {
	var seen remoteRequest
	srv := jsonServer(t, http.StatusOK, map[string]any{
		"success":         true,
		"items_processed": 4,
		"items_succeeded": 3,
		"items_failed":    1,
		"total_value":     1250.5,
		"output":          map[string]any{"matched": 3},
	}, &seen)

	h := &fakeHandle{}
	p := NewRemoteProcessor(RemoteConfig{URL: srv.URL, APIKey: "secret"})
	res, err := p.Execute(context.Background(), h, runContext(map[string]any{"batch": "b-7"}))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 4, res.ItemsProcessed)
	assert.Equal(t, 1, res.ItemsFailed)
	require.NotNil(t, res.TotalValue)
	assert.Equal(t, 1250.5, *res.TotalValue)
	assert.Equal(t, 3.0, res.Output["matched"])
	assert.False(t, res.RequiresApproval)

	assert.Equal(t, "run-1", seen.RunID)
	assert.Equal(t, "invoice_matching", seen.WorkflowType)
	assert.Equal(t, 2, seen.Attempt)
	assert.Equal(t, "b-7", seen.Input["batch"])
	require.Len(t, h.steps, 1)
	assert.Equal(t, "remote_call", h.steps[0].Name)
	assert.Equal(t, 1, h.steps[0].Number)
}

func TestRemoteProcessor_ServerErrorIsTransient(t *testing.T) {
	srv := jsonServer(t, http.StatusServiceUnavailable, map[string]any{"error": "down"}, nil)
	h := &fakeHandle{}
	_, err := NewRemoteProcessor(RemoteConfig{URL: srv.URL, APIKey: "secret"}).
		Execute(context.Background(), h, runContext(nil))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConnection))
	assert.True(t, engine.IsTransientError(err))
	require.Len(t, h.steps, 1)
	assert.Equal(t, schema.StepStatusFailed, h.steps[0].Status)
}

func TestRemoteProcessor_ClientErrorIsPermanent(t *testing.T) {
	srv := jsonServer(t, http.StatusUnprocessableEntity, map[string]any{"error": "vendor missing"}, nil)
	_, err := NewRemoteProcessor(RemoteConfig{URL: srv.URL, APIKey: "secret"}).
		Execute(context.Background(), &fakeHandle{}, runContext(nil))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeBusinessRule))
	assert.False(t, engine.IsTransientError(err))
}

func TestRemoteProcessor_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemoteProcessor(RemoteConfig{URL: url}).Execute(context.Background(), &fakeHandle{}, runContext(nil))
	require.Error(t, err)
	assert.True(t, engine.IsTransientError(err))
}

func TestRemoteProcessor_ApprovalAndResume(t *testing.T) {
	confidence := 72.0
	srv := jsonServer(t, http.StatusOK, map[string]any{
		"success": true,
		"output":  map[string]any{"po_number": "PO-88"},
		"approval": map[string]any{
			"entity_type":       "purchase_order",
			"entity_id":         "PO-88",
			"amount":            15250.0,
			"description":       "Bulk resin order",
			"ai_recommendation": "approve",
			"ai_confidence":     confidence,
		},
	}, nil)
	p := NewRemoteProcessor(RemoteConfig{URL: srv.URL, APIKey: "secret"})

	h := &fakeHandle{outcome: engine.ApprovalOutcome{ApprovalID: "apr-9", Required: true, Level: 2}}
	res, err := p.Execute(context.Background(), h, runContext(nil))
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, "apr-9", res.ApprovalID)
	require.Len(t, h.approvals, 1)
	assert.Equal(t, 15250.0, h.approvals[0].Amount)
	assert.Equal(t, 1, h.approvals[0].StepNumber)
	require.NotNil(t, h.approvals[0].AIConfidence)
	assert.Equal(t, confidence, *h.approvals[0].AIConfidence)

	var seen remoteRequest
	resumeSrv := jsonServer(t, http.StatusOK, map[string]any{
		"success":  true,
		"approval": map[string]any{"entity_type": "purchase_order", "amount": 15250.0},
	}, &seen)
	resumed := NewRemoteProcessor(RemoteConfig{URL: resumeSrv.URL, APIKey: "secret"})

	h2 := &fakeHandle{}
	rc := runContext(nil)
	rc.ApprovalGranted = true
	rc.ResumeFromStep = 2
	res, err = resumed.Execute(context.Background(), h2, rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.RequiresApproval)
	assert.Empty(t, h2.approvals)
	assert.True(t, seen.ApprovalGranted)
	require.Len(t, h2.steps, 1)
	assert.Equal(t, 2, h2.steps[0].Number)
}

func TestRemoteProcessor_AutoApprovedDoesNotSuspend(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, map[string]any{
		"success":  true,
		"approval": map[string]any{"entity_type": "purchase_order", "amount": 120.0},
	}, nil)
	h := &fakeHandle{outcome: engine.ApprovalOutcome{ApprovalID: "apr-1", Required: false, AutoApproved: true}}
	res, err := NewRemoteProcessor(RemoteConfig{URL: srv.URL, APIKey: "secret"}).
		Execute(context.Background(), h, runContext(nil))
	require.NoError(t, err)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, "apr-1", res.ApprovalID)
}

func TestRemoteProcessor_ForwardsExceptions(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, map[string]any{
		"success": true,
		"exceptions": []map[string]any{{
			"type":     "price_variance",
			"severity": "medium",
			"title":    "Invoice 4% over PO",
			"payload":  map[string]any{"variance_pct": 4.0},
		}},
	}, nil)
	h := &fakeHandle{}
	_, err := NewRemoteProcessor(RemoteConfig{URL: srv.URL, APIKey: "secret"}).
		Execute(context.Background(), h, runContext(nil))
	require.NoError(t, err)
	require.Len(t, h.exceptions, 1)
	assert.Equal(t, "price_variance", h.exceptions[0].Type)
	assert.Equal(t, schema.SeverityMedium, h.exceptions[0].Severity)
	assert.Equal(t, 4.0, h.exceptions[0].Payload["variance_pct"])
}

func TestEchoProcessor(t *testing.T) {
	h := &fakeHandle{}
	in := map[string]any{"items": []any{"a", "b"}, "note": "hi"}
	res, err := EchoProcessor{}.Execute(context.Background(), h, runContext(in))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.ItemsProcessed)
	assert.Equal(t, "hi", res.Output["note"])
	assert.Nil(t, res.TotalValue)
	assert.Empty(t, h.approvals)
}

func TestEchoProcessor_RequestsApproval(t *testing.T) {
	h := &fakeHandle{outcome: engine.ApprovalOutcome{ApprovalID: "apr-2", Required: true, Tier: schema.TierLevel1}}
	res, err := EchoProcessor{}.Execute(context.Background(), h, runContext(map[string]any{
		"entity_type": "purchase_order",
		"amount":      900,
	}))
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, 900.0, *res.TotalValue)
	require.Len(t, h.approvals, 1)
	assert.Equal(t, 2, h.approvals[0].StepNumber)
	require.Len(t, h.steps, 2)
	assert.Equal(t, "apr-2", h.steps[1].Output["approval_id"])
}

func TestBuild(t *testing.T) {
	reg, err := Build(map[string]Binding{
		"invoice_matching":   {RemoteConfig: RemoteConfig{URL: "http://localhost:9/match"}},
		"demand_forecasting": {Kind: KindEcho},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"demand_forecasting", EchoType, "invoice_matching"}, reg.Types())

	_, err = Build(map[string]Binding{"broken": {Kind: KindRemote}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Build(map[string]Binding{"odd": {Kind: "grpc"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
