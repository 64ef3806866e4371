package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jcheng510/ai-erp-system-sub003/internal/diagram"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleTrigger starts one run of a workflow definition.
func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	s.captureSession(ctx, agentID)

	result, runErr := s.controller.TriggerWorkflow(ctx, definitionID, input, agentID)
	if runErr != nil {
		return toolError("trigger failed", runErr), nil
	}
	return marshalResult(result)
}

// handleExecutePipeline runs a pipeline to completion.
func (s *Server) handleExecutePipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	s.captureSession(ctx, agentID)

	result, runErr := s.controller.ExecutePipeline(ctx, pipelineID, input, agentID)
	if runErr != nil {
		return toolError("pipeline failed", runErr), nil
	}
	return marshalResult(result)
}

// handleGetRun returns a run with its step log and decision log.
func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return toolError("run lookup failed", getErr), nil
	}
	steps, listErr := s.store.ListSteps(ctx, runID)
	if listErr != nil {
		return toolError("step lookup failed", listErr), nil
	}
	decisions, listErr := s.store.ListDecisions(ctx, runID)
	if listErr != nil {
		return toolError("decision lookup failed", listErr), nil
	}

	return marshalResult(map[string]any{
		"run":       run,
		"steps":     steps,
		"decisions": decisions,
	})
}

// handleListApprovals lists open approval requests. An agent that names a
// role is subscribed to that role's notifications for the session.
func (s *Server) handleListApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
		if role != "" {
			s.sessions.Subscribe(agentID, role)
		}
	}

	limit := extractInt(req.GetArguments(), "limit", defaultListLimit)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	approvals, err := s.store.ListApprovals(ctx, store.ApprovalFilter{
		Status: []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated},
		Role:   role,
		RunID:  req.GetString("run_id", ""),
		Limit:  limit,
	})
	if err != nil {
		return toolError("approval query failed", err), nil
	}
	return marshalResult(map[string]any{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

// handleDecision approves or rejects a request and resumes or closes the
// suspended run.
func (s *Server) handleDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	var approved bool
	switch decision {
	case "approve":
		approved = true
	case "reject":
	default:
		return mcp.NewToolResultError("decision must be approve or reject"), nil
	}

	s.captureSession(ctx, agentID)

	res, procErr := s.controller.ProcessApproval(ctx, approvalID, approved, agentID, req.GetString("notes", ""))
	if procErr != nil {
		return toolError("approval failed", procErr), nil
	}
	s.logger.InfoContext(ctx, "approval decided over mcp",
		slog.String("approval_id", approvalID),
		slog.String("agent_id", agentID),
		slog.Bool("approved", approved),
	)
	return marshalResult(res)
}

// handleDiagram draws a pipeline in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	p, getErr := s.pipelines.Get(pipelineID)
	if getErr != nil {
		return toolError("pipeline lookup failed", getErr), nil
	}
	model := diagram.Build(p, nil)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return toolError("image render failed", imgErr), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or svg"), nil
	}
}

// --- Helpers ---

// extractInt safely extracts an integer from a tool argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError renders err as a tool error result, keeping the engine error code
// in the text so agents can branch on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
