package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Controller is the manual trigger surface of the orchestrator.
type Controller interface {
	TriggerWorkflow(ctx context.Context, definitionID string, input map[string]any, userID string) (*schema.WorkflowResult, error)
	ExecutePipeline(ctx context.Context, pipelineID string, input map[string]any, userID string) (*schema.PipelineResult, error)
	ProcessApproval(ctx context.Context, approvalID string, approved bool, resolver, notes string) (*approval.Resolution, error)
}

// PipelineCatalog exposes the registered pipelines.
type PipelineCatalog interface {
	Get(id string) (*schema.PipelineDefinition, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Controller Controller
	Store      store.Store
	Pipelines  PipelineCatalog
	Sessions   *SessionRegistry
	Logger     *slog.Logger
}

// Server wraps an MCP server with the orchestrator tool handlers.
type Server struct {
	controller Controller
	store      store.Store
	pipelines  PipelineCatalog
	sessions   *SessionRegistry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with every orchestrator tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		controller: deps.Controller,
		store:      deps.Store,
		pipelines:  deps.Pipelines,
		sessions:   sessions,
		logger:     logger.With(slog.String("component", "mcp")),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"orchestrator",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("The orchestrator runs ERP workflows and pipelines. Use orchestrator.trigger_workflow to start a workflow, "+
			"orchestrator.execute_pipeline to run a pipeline, orchestrator.get_run to inspect a run, orchestrator.list_approvals to see "+
			"pending approvals for a role, orchestrator.process_approval to approve or reject, and orchestrator.diagram to draw a pipeline."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent session registry used for push notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: pipelineTool(), Handler: s.handleExecutePipeline},
		{Tool: runTool(), Handler: s.handleGetRun},
		{Tool: approvalsTool(), Handler: s.handleListApprovals},
		{Tool: decisionTool(), Handler: s.handleDecision},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("orchestrator.trigger_workflow",
		mcp.WithDescription("Start a run of a workflow definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithObject("input", mcp.Description("Input data for the run")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent starting the run")),
	)
}

func pipelineTool() mcp.Tool {
	return mcp.NewTool("orchestrator.execute_pipeline",
		mcp.WithDescription("Run every stage of a registered pipeline"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline to execute")),
		mcp.WithObject("input", mcp.Description("Input data shared by every stage")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent starting the pipeline")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("orchestrator.get_run",
		mcp.WithDescription("Get a workflow run with its steps and AI decisions"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func approvalsTool() mcp.Tool {
	return mcp.NewTool("orchestrator.list_approvals",
		mcp.WithDescription("List pending and escalated approval requests"),
		mcp.WithString("role", mcp.Description("Only requests assigned to this role; also subscribes the agent to its notifications")),
		mcp.WithString("run_id", mcp.Description("Only requests raised by this run")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of requests (default 50)")),
	)
}

func decisionTool() mcp.Tool {
	return mcp.NewTool("orchestrator.process_approval",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Decision to record"),
		),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the deciding agent, recorded as resolver")),
		mcp.WithString("notes", mcp.Description("Resolution notes")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("orchestrator.diagram",
		mcp.WithDescription("Draw a pipeline as ASCII art, Mermaid flowchart syntax or SVG markup"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline to draw")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "svg"),
			mcp.Description("Output format"),
		),
	)
}
