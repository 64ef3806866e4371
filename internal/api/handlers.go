package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jcheng510/ai-erp-system-sub003/internal/diagram"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/pipeline"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// TriggerRequest is the body of manual workflow and pipeline triggers.
type TriggerRequest struct {
	Input  map[string]any `json:"input"`
	UserID string         `json:"user_id"`
}

// DecisionRequest is the body of an approval decision.
type DecisionRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Resolver string `json:"resolver" binding:"required"`
	Notes    string `json:"notes"`
}

// ResolveRequest is the body of a manual exception resolution.
type ResolveRequest struct {
	Resolver string `json:"resolver" binding:"required"`
	Action   string `json:"action"`
	Notes    string `json:"notes"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if len(s.deps.Pools) > 0 {
		pools := make(map[string]engine.PoolMetrics, len(s.deps.Pools))
		for name, pool := range s.deps.Pools {
			pools[name] = pool.Metrics()
		}
		body["pools"] = pools
	}
	c.JSON(http.StatusOK, body)
}

// --- Definitions ---

func (s *Server) handleListDefinitions(c *gin.Context) {
	filter := store.DefinitionFilter{ActiveOnly: c.Query("active") == "true"}
	if tt := c.Query("trigger_type"); tt != "" {
		trigger := schema.TriggerType(tt)
		if !trigger.Valid() {
			s.badRequest(c, "unknown trigger_type "+strconv.Quote(tt))
			return
		}
		filter.TriggerType = &trigger
	}
	defs, err := s.deps.Store.ListDefinitions(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definitions": defs})
}

func (s *Server) handleGetDefinition(c *gin.Context) {
	def, err := s.deps.Store.GetDefinition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleTriggerWorkflow(c *gin.Context) {
	var req TriggerRequest
	if !s.bindOptionalJSON(c, &req) {
		return
	}
	result, err := s.deps.Controller.TriggerWorkflow(c.Request.Context(), c.Param("id"), req.Input, req.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Pipelines ---

func (s *Server) handleListPipelines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pipelines": s.deps.Pipelines.List()})
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	p, err := s.deps.Pipelines.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	waves := pipeline.WaveNames(pipeline.BuildExecutionWaves(p.Stages, nil))
	c.JSON(http.StatusOK, gin.H{"pipeline": p, "waves": waves})
}

func (s *Server) handlePipelineDiagram(c *gin.Context) {
	p, err := s.deps.Pipelines.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	model := diagram.Build(p, nil)

	switch format := c.DefaultQuery("format", "mermaid"); format {
	case "mermaid":
		c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "ascii":
		c.String(http.StatusOK, diagram.RenderASCII(model))
	case string(diagram.FormatPNG), string(diagram.FormatSVG):
		img, err := diagram.RenderImage(c.Request.Context(), model, diagram.ImageFormat(format))
		if err != nil {
			s.respondError(c, schema.NewError(schema.ErrCodeExecution, "render diagram").WithCause(err))
			return
		}
		contentType := "image/png"
		if format == string(diagram.FormatSVG) {
			contentType = "image/svg+xml"
		}
		c.Data(http.StatusOK, contentType, img)
	default:
		s.badRequest(c, "format must be one of mermaid, ascii, png, svg")
	}
}

func (s *Server) handleExecutePipeline(c *gin.Context) {
	var req TriggerRequest
	if !s.bindOptionalJSON(c, &req) {
		return
	}
	result, err := s.deps.Controller.ExecutePipeline(c.Request.Context(), c.Param("id"), req.Input, req.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Runs ---

func (s *Server) handleListRuns(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	filter := store.RunFilter{DefinitionID: c.Query("definition_id"), Limit: limit}
	if st := c.Query("status"); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	if dl := c.Query("dead_lettered"); dl != "" {
		v, err := strconv.ParseBool(dl)
		if err != nil {
			s.badRequest(c, "dead_lettered must be a boolean")
			return
		}
		filter.DeadLettered = &v
	}
	runs, err := s.deps.Store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	steps, err := s.deps.Store.ListSteps(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	decisions, err := s.deps.Store.ListDecisions(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "steps": steps, "decisions": decisions})
}

// --- Approvals ---

func (s *Server) handleListApprovals(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	filter := store.ApprovalFilter{
		Status: []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated},
		Role:   c.Query("role"),
		RunID:  c.Query("run_id"),
		Limit:  limit,
	}
	if st := c.Query("status"); st != "" {
		filter.Status = []schema.ApprovalStatus{schema.ApprovalStatus(st)}
	}
	approvals, err := s.deps.Store.ListApprovals(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

func (s *Server) handleApprovalDecision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	res, err := s.deps.Controller.ProcessApproval(c.Request.Context(), c.Param("id"), *req.Approved, req.Resolver, req.Notes)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Exceptions ---

func (s *Server) handleListExceptions(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	filter := store.ExceptionFilter{Type: c.Query("type"), RunID: c.Query("run_id"), Limit: limit}
	if st := c.Query("status"); st != "" {
		status := schema.ExceptionStatus(st)
		filter.Status = &status
	}
	records, err := s.deps.Store.ListExceptions(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": records})
}

func (s *Server) handleResolveException(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	rec, err := s.deps.Exceptions.ResolveException(c.Request.Context(), c.Param("id"), req.Resolver, req.Action, req.Notes)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Notifications ---

func (s *Server) handleListNotifications(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	items, err := s.deps.Store.ListNotifications(c.Request.Context(), c.Query("role"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

// --- helpers ---

// bindOptionalJSON decodes the body when there is one.
func (s *Server) bindOptionalJSON(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		s.badRequest(c, err.Error())
		return false
	}
	return true
}

func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		s.badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}
