package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/pipeline"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/internal/streaming"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeController struct {
	mu        sync.Mutex
	triggered []string
	inputs    []map[string]any
	decisions []bool
	err       error
}

func (f *fakeController) TriggerWorkflow(_ context.Context, definitionID string, input map[string]any, userID string) (*schema.WorkflowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.triggered = append(f.triggered, definitionID+"/"+userID)
	f.inputs = append(f.inputs, input)
	return &schema.WorkflowResult{RunID: "run-1", Status: schema.RunStatusCompleted, Success: true}, nil
}

func (f *fakeController) ExecutePipeline(_ context.Context, pipelineID string, _ map[string]any, userID string) (*schema.PipelineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.triggered = append(f.triggered, "pipeline:"+pipelineID+"/"+userID)
	return &schema.PipelineResult{PipelineID: pipelineID, Success: true}, nil
}

func (f *fakeController) ProcessApproval(_ context.Context, approvalID string, approved bool, resolver, notes string) (*approval.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.decisions = append(f.decisions, approved)
	status := schema.ApprovalRejected
	if approved {
		status = schema.ApprovalApproved
	}
	return &approval.Resolution{Approval: &store.ApprovalRequest{
		ID: approvalID, Status: status, ResolvedBy: resolver, ResolutionNotes: notes,
	}}, nil
}

type fakeResolver struct {
	calls []string
}

func (f *fakeResolver) ResolveException(_ context.Context, id, resolver, action, _ string) (*store.ExceptionRecord, error) {
	if id == "missing" {
		return nil, schema.NewError(schema.ErrCodeNotFound, "exception missing not found")
	}
	f.calls = append(f.calls, id+"/"+resolver+"/"+action)
	return &store.ExceptionRecord{ID: id, Status: schema.ExceptionResolved, ResolvedBy: resolver}, nil
}

type fixture struct {
	server     *Server
	store      *store.MemoryStore
	controller *fakeController
	resolver   *fakeResolver
	hub        *streaming.MemoryHub
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.UpsertDefinition(ctx, &store.WorkflowDefinition{
		ID: "invoice_matching", Name: "Invoice matching", WorkflowType: "invoice_matching",
		TriggerType: schema.TriggerManual, Active: true, MaxConcurrent: 1,
	}))
	require.NoError(t, s.UpsertDefinition(ctx, &store.WorkflowDefinition{
		ID: "forecast", WorkflowType: "forecast", TriggerType: schema.TriggerScheduled,
		Schedule: "0 6 * * *", Active: true, MaxConcurrent: 1,
	}))

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRun(ctx, &store.WorkflowRun{
		ID: "run-ok", DefinitionID: "invoice_matching", WorkflowType: "invoice_matching",
		Status: schema.RunStatusCompleted, StartedAt: now,
	}))
	require.NoError(t, s.CreateRun(ctx, &store.WorkflowRun{
		ID: "run-dead", DefinitionID: "invoice_matching", WorkflowType: "invoice_matching",
		Status: schema.RunStatusFailed, DeadLettered: true, StartedAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.UpsertStep(ctx, &store.WorkflowStep{
		ID: "step-1", RunID: "run-ok", StepNumber: 1, Name: "match", Status: schema.StepStatusCompleted, StartedAt: now,
	}))
	require.NoError(t, s.CreateApproval(ctx, &store.ApprovalRequest{
		ID: "appr-1", EntityType: "purchase_order", Amount: 1200, Status: schema.ApprovalPending,
		AssignedRoles: []string{"ops"}, CreatedAt: now,
	}))
	require.NoError(t, s.CreateApproval(ctx, &store.ApprovalRequest{
		ID: "appr-2", EntityType: "purchase_order", Amount: 9000, Status: schema.ApprovalPending,
		AssignedRoles: []string{"admin"}, CreatedAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.CreateException(ctx, &store.ExceptionRecord{
		ID: "exc-1", Type: "price_variance", Severity: schema.SeverityMedium, Status: schema.ExceptionOpen, CreatedAt: now,
	}))

	reg := pipeline.NewRegistry(nil)
	require.NoError(t, reg.Register(&schema.PipelineDefinition{
		ID: "plan", Name: "Plan",
		Stages: []schema.Stage{
			{WorkflowType: "forecast"},
			{WorkflowType: "planning", DependsOn: []string{"forecast"}},
		},
	}))

	f := &fixture{
		store:      s,
		controller: &fakeController{},
		resolver:   &fakeResolver{},
		hub:        streaming.NewMemoryHub(),
	}
	f.server = NewServer(Deps{
		Store:      s,
		Controller: f.controller,
		Pipelines:  reg,
		Exceptions: f.resolver,
		Hub:        f.hub,
		Pools:      map[string]*engine.WorkerPool{"runs": engine.NewWorkerPool(3, nil)},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	code, _ := errBody["code"].(string)
	return code
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	runs := body["pools"].(map[string]any)["runs"].(map[string]any)
	assert.EqualValues(t, 3, runs["capacity"])
	assert.EqualValues(t, 0, runs["active"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "s3cret"})

	w := f.do(t, http.MethodGet, "/api/v1/definitions", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/definitions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/definitions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["definitions"], 2)

	w = f.do(t, http.MethodGet, "/api/v1/definitions?trigger_type=scheduled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["definitions"], 1)

	w = f.do(t, http.MethodGet, "/api/v1/definitions?trigger_type=hourly", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/definitions/invoice_matching", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Invoice matching", decode(t, w)["name"])

	w = f.do(t, http.MethodGet, "/api/v1/definitions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, w))
}

func TestTriggerWorkflow(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/api/v1/workflows/invoice_matching/trigger", TriggerRequest{
		Input:  map[string]any{"invoice_id": "INV-1"},
		UserID: "alice",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "run-1", decode(t, w)["run_id"])
	assert.Equal(t, []string{"invoice_matching/alice"}, f.controller.triggered)
	assert.Equal(t, "INV-1", f.controller.inputs[0]["invoice_id"])

	// No body at all is a trigger with empty input.
	w = f.do(t, http.MethodPost, "/api/v1/workflows/invoice_matching/trigger", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/x/trigger", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerWorkflow_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{schema.NewError(schema.ErrCodeInactiveDefinition, "inactive"), http.StatusUnprocessableEntity},
		{schema.NewError(schema.ErrCodeConcurrencyLimit, "busy"), http.StatusTooManyRequests},
		{schema.NewError(schema.ErrCodeCircuitOpen, "open"), http.StatusServiceUnavailable},
		{schema.NewError(schema.ErrCodeConflict, "dup"), http.StatusConflict},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t, Config{})
			f.controller.err = tt.err
			w := f.do(t, http.MethodPost, "/api/v1/workflows/invoice_matching/trigger", nil)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestPipelines(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["pipelines"], 1)

	w = f.do(t, http.MethodGet, "/api/v1/pipelines/plan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{[]any{"forecast"}, []any{"planning"}}, decode(t, w)["waves"])

	w = f.do(t, http.MethodGet, "/api/v1/pipelines/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/pipelines/plan/execute", TriggerRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
	assert.Equal(t, []string{"pipeline:plan/bob"}, f.controller.triggered)
}

func TestPipelineDiagram(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/pipelines/plan/diagram", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "graph TD")
	assert.Contains(t, w.Body.String(), "forecast --> planning")

	w = f.do(t, http.MethodGet, "/api/v1/pipelines/plan/diagram?format=ascii", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "=== Plan ===")

	w = f.do(t, http.MethodGet, "/api/v1/pipelines/plan/diagram?format=bmp", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuns(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 2)

	w = f.do(t, http.MethodGet, "/api/v1/runs?dead_lettered=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode(t, w)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-dead", runs[0].(map[string]any)["id"])

	w = f.do(t, http.MethodGet, "/api/v1/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/runs?dead_lettered=maybe", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil).Code)

	w = f.do(t, http.MethodGet, "/api/v1/runs/run-ok", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "run-ok", body["run"].(map[string]any)["id"])
	assert.Len(t, body["steps"], 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/runs/nope", nil).Code)
}

func TestApprovals(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["approvals"], 2)

	w = f.do(t, http.MethodGet, "/api/v1/approvals?role=admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	approvals := decode(t, w)["approvals"].([]any)
	require.Len(t, approvals, 1)
	assert.Equal(t, "appr-2", approvals[0].(map[string]any)["id"])

	approved := true
	w = f.do(t, http.MethodPost, "/api/v1/approvals/appr-1/decision", DecisionRequest{
		Approved: &approved, Resolver: "carol", Notes: "ok",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "approved", decode(t, w)["approval"].(map[string]any)["status"])

	rejected := false
	w = f.do(t, http.MethodPost, "/api/v1/approvals/appr-2/decision", DecisionRequest{Approved: &rejected, Resolver: "carol"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{true, false}, f.controller.decisions)

	w = f.do(t, http.MethodPost, "/api/v1/approvals/appr-1/decision", map[string]any{"resolver": "carol"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, w))
}

func TestExceptions(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/exceptions?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["exceptions"], 1)

	w = f.do(t, http.MethodGet, "/api/v1/exceptions?type=stockout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["exceptions"])

	w = f.do(t, http.MethodPost, "/api/v1/exceptions/exc-1/resolve", ResolveRequest{Resolver: "dave", Action: "accept"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "resolved", decode(t, w)["status"])
	assert.Equal(t, []string{"exc-1/dave/accept"}, f.resolver.calls)

	w = f.do(t, http.MethodPost, "/api/v1/exceptions/missing/resolve", ResolveRequest{Resolver: "dave"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/exceptions/exc-1/resolve", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotifications(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.store.CreateNotification(context.Background(), &store.Notification{
		ID: "n1", Title: "Approval needed", Roles: []string{"ops"}, CreatedAt: time.Now().UTC(),
	}))

	w := f.do(t, http.MethodGet, "/api/v1/notifications?role=ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["notifications"], 1)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream?types=workflow.completed", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.Handler().ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.hub.Publish(context.Background(), streaming.StreamEvent{ID: "e1", Type: "workflow.failed"}))
	require.NoError(t, f.hub.Publish(context.Background(), streaming.StreamEvent{
		ID: "e2", Type: "workflow.completed", SourceID: "run-ok",
	}))

	// Give the handler a moment to write the matching event before disconnecting.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after client disconnect")
	}

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, "event:workflow.completed")
	assert.Contains(t, body, `"source_id":"run-ok"`)
	assert.NotContains(t, body, "workflow.failed")
	assert.Equal(t, 0, f.hub.Subscribers())
}

func TestEventStream_Disabled(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.deps.Hub = nil

	w := f.do(t, http.MethodGet, "/api/v1/events/stream", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestEventStream_RejectsUnknownSeverity(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/api/v1/events/stream?min_severity=loud", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.hub.Subscribers())
}
