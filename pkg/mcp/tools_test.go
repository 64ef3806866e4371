package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/pipeline"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// --- Fake controller ---

type fakeController struct {
	triggers  []string
	inputs    []map[string]any
	decisions []bool
	resolvers []string
	err       error
}

func (f *fakeController) TriggerWorkflow(_ context.Context, definitionID string, input map[string]any, userID string) (*schema.WorkflowResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.triggers = append(f.triggers, definitionID+"/"+userID)
	f.inputs = append(f.inputs, input)
	return &schema.WorkflowResult{RunID: "run-9", Status: schema.RunStatusCompleted, Success: true, ItemsProcessed: 3}, nil
}

func (f *fakeController) ExecutePipeline(_ context.Context, pipelineID string, _ map[string]any, userID string) (*schema.PipelineResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.triggers = append(f.triggers, "pipeline:"+pipelineID+"/"+userID)
	return &schema.PipelineResult{PipelineID: pipelineID, Success: true}, nil
}

func (f *fakeController) ProcessApproval(_ context.Context, approvalID string, approved bool, resolver, notes string) (*approval.Resolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.decisions = append(f.decisions, approved)
	f.resolvers = append(f.resolvers, resolver)
	status := schema.ApprovalRejected
	if approved {
		status = schema.ApprovalApproved
	}
	return &approval.Resolution{Approval: &store.ApprovalRequest{
		ID: approvalID, Status: status, ResolvedBy: resolver, ResolutionNotes: notes,
	}}, nil
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeController, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, ms.CreateRun(ctx, &store.WorkflowRun{
		ID: "run-1", DefinitionID: "invoice_matching", WorkflowType: "invoice_matching",
		Status: schema.RunStatusCompleted, StartedAt: now,
	}))
	require.NoError(t, ms.UpsertStep(ctx, &store.WorkflowStep{
		ID: "step-1", RunID: "run-1", StepNumber: 1, Name: "match", Status: schema.StepStatusCompleted, StartedAt: now,
	}))
	require.NoError(t, ms.CreateDecision(ctx, &store.Decision{
		ID: "dec-1", RunID: "run-1", DecisionType: "match", Chosen: "accept", Confidence: 0.9, CreatedAt: now,
	}))
	require.NoError(t, ms.CreateApproval(ctx, &store.ApprovalRequest{
		ID: "appr-1", EntityType: "purchase_order", Amount: 1200, Status: schema.ApprovalPending,
		AssignedRoles: []string{"ops"}, CreatedAt: now,
	}))
	require.NoError(t, ms.CreateApproval(ctx, &store.ApprovalRequest{
		ID: "appr-2", EntityType: "purchase_order", Amount: 9000, Status: schema.ApprovalPending,
		AssignedRoles: []string{"admin"}, CreatedAt: now.Add(time.Minute),
	}))

	reg := pipeline.NewRegistry(nil)
	require.NoError(t, reg.Register(&schema.PipelineDefinition{
		ID: "plan", Name: "Plan",
		Stages: []schema.Stage{
			{WorkflowType: "forecast"},
			{WorkflowType: "planning", DependsOn: []string{"forecast"}},
		},
	}))

	ctrl := &fakeController{}
	s := NewServer(ServerDeps{
		Controller: ctrl,
		Store:      ms,
		Pipelines:  reg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, ctrl, ms
}

// --- Tests ---

func TestTriggerTool(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	req := buildRequest("orchestrator.trigger_workflow", map[string]any{
		"definition_id": "invoice_matching",
		"agent_id":      "agent-1",
		"input":         map[string]any{"invoice_id": "INV-7"},
	})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var out schema.WorkflowResult
	unmarshalResult(t, result, &out)
	assert.Equal(t, "run-9", out.RunID)
	assert.Equal(t, 3, out.ItemsProcessed)
	assert.Equal(t, []string{"invoice_matching/agent-1"}, ctrl.triggers)
	assert.Equal(t, "INV-7", ctrl.inputs[0]["invoice_id"])
}

func TestTriggerToolMissingParams(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	result, err := s.handleTrigger(context.Background(), buildRequest("orchestrator.trigger_workflow", map[string]any{
		"agent_id": "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleTrigger(context.Background(), buildRequest("orchestrator.trigger_workflow", map[string]any{
		"definition_id": "invoice_matching",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ctrl.triggers)
}

func TestTriggerToolEngineError(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.err = schema.NewError(schema.ErrCodeConcurrencyLimit, "invoice_matching is at its concurrency limit")

	result, err := s.handleTrigger(context.Background(), buildRequest("orchestrator.trigger_workflow", map[string]any{
		"definition_id": "invoice_matching",
		"agent_id":      "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConcurrencyLimit)
}

func TestExecutePipelineTool(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	result, err := s.handleExecutePipeline(context.Background(), buildRequest("orchestrator.execute_pipeline", map[string]any{
		"pipeline_id": "plan",
		"agent_id":    "planner",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out schema.PipelineResult
	unmarshalResult(t, result, &out)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"pipeline:plan/planner"}, ctrl.triggers)
}

func TestGetRunTool(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleGetRun(context.Background(), buildRequest("orchestrator.get_run", map[string]any{
		"run_id": "run-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "run-1", out["run"].(map[string]any)["id"])
	assert.Len(t, out["steps"], 1)
	assert.Len(t, out["decisions"], 1)
}

func TestGetRunToolNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleGetRun(context.Background(), buildRequest("orchestrator.get_run", map[string]any{
		"run_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleGetRun(context.Background(), buildRequest("orchestrator.get_run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListApprovalsTool(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleListApprovals(context.Background(), buildRequest("orchestrator.list_approvals", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, float64(2), out["count"])

	result, err = s.handleListApprovals(context.Background(), buildRequest("orchestrator.list_approvals", map[string]any{
		"role":     "admin",
		"agent_id": "agent-1",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Equal(t, float64(1), out["count"])
	assert.Equal(t, "appr-2", out["approvals"].([]any)[0].(map[string]any)["id"])
}

func TestListApprovalsToolLimit(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleListApprovals(context.Background(), buildRequest("orchestrator.list_approvals", map[string]any{
		"limit": float64(1),
	}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, float64(1), out["count"])

	result, err = s.handleListApprovals(context.Background(), buildRequest("orchestrator.list_approvals", map[string]any{
		"limit": float64(0),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestProcessApprovalTool(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	result, err := s.handleDecision(context.Background(), buildRequest("orchestrator.process_approval", map[string]any{
		"approval_id": "appr-1",
		"decision":    "approve",
		"agent_id":    "agent-1",
		"notes":       "within budget",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "approved", out["approval"].(map[string]any)["status"])

	result, err = s.handleDecision(context.Background(), buildRequest("orchestrator.process_approval", map[string]any{
		"approval_id": "appr-2",
		"decision":    "reject",
		"agent_id":    "agent-2",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, []bool{true, false}, ctrl.decisions)
	assert.Equal(t, []string{"agent-1", "agent-2"}, ctrl.resolvers)
}

func TestProcessApprovalToolInvalid(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	result, err := s.handleDecision(context.Background(), buildRequest("orchestrator.process_approval", map[string]any{
		"approval_id": "appr-1",
		"decision":    "maybe",
		"agent_id":    "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDecision(context.Background(), buildRequest("orchestrator.process_approval", map[string]any{
		"approval_id": "appr-1",
		"decision":    "approve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ctrl.decisions)

	ctrl.err = schema.NewError(schema.ErrCodeInvalidTransition, "approval appr-1 is already approved")
	result, err = s.handleDecision(context.Background(), buildRequest("orchestrator.process_approval", map[string]any{
		"approval_id": "appr-1",
		"decision":    "approve",
		"agent_id":    "agent-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeInvalidTransition)
}

func TestDiagramTool(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleDiagram(context.Background(), buildRequest("orchestrator.diagram", map[string]any{
		"pipeline_id": "plan",
		"format":      "mermaid",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "forecast --> planning")

	result, err = s.handleDiagram(context.Background(), buildRequest("orchestrator.diagram", map[string]any{
		"pipeline_id": "plan",
		"format":      "ascii",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "=== Plan ===")

	result, err = s.handleDiagram(context.Background(), buildRequest("orchestrator.diagram", map[string]any{
		"pipeline_id": "plan",
		"format":      "gif",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(context.Background(), buildRequest("orchestrator.diagram", map[string]any{
		"pipeline_id": "ghost",
		"format":      "ascii",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(args, "f", 1))
	assert.Equal(t, 3, extractInt(args, "i", 1))
	assert.Equal(t, 12, extractInt(args, "s", 1))
	assert.Equal(t, 1, extractInt(args, "bad", 1))
	assert.Equal(t, 1, extractInt(args, "missing", 1))
	assert.Equal(t, 1, extractInt(nil, "f", 1))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
