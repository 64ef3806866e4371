// Package api serves the admin HTTP surface: manual triggers, approval
// decisions, exception resolution, run inspection and a live event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/internal/streaming"
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
	List() []*schema.PipelineDefinition
}

// ExceptionResolver closes exceptions by hand.
type ExceptionResolver interface {
	ResolveException(ctx context.Context, id, resolver, action, notes string) (*store.ExceptionRecord, error)
}

// Deps holds the collaborators of the API server.
type Deps struct {
	Store      store.Store
	Controller Controller
	Pipelines  PipelineCatalog
	Exceptions ExceptionResolver
	Hub        streaming.EventHub
	// Pools are reported by /healthz under their map key.
	Pools  map[string]*engine.WorkerPool
	Logger *slog.Logger
}

// Config configures the HTTP listener.
type Config struct {
	Addr string `mapstructure:"listen_addr"`
	// APIKey, when set, is required as a bearer token on every /api route.
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Server is the admin HTTP server.
type Server struct {
	deps   Deps
	cfg    Config
	router *gin.Engine
	logger *slog.Logger
}

// NewServer builds the router. gin's mode is left to the caller.
func NewServer(deps Deps, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With(slog.String("component", "api")),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware(), s.loggingMiddleware(), s.recoveryMiddleware())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1", s.authMiddleware())
	{
		v1.GET("/definitions", s.handleListDefinitions)
		v1.GET("/definitions/:id", s.handleGetDefinition)
		v1.POST("/workflows/:id/trigger", s.handleTriggerWorkflow)

		v1.GET("/pipelines", s.handleListPipelines)
		v1.GET("/pipelines/:id", s.handleGetPipeline)
		v1.GET("/pipelines/:id/diagram", s.handlePipelineDiagram)
		v1.POST("/pipelines/:id/execute", s.handleExecutePipeline)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)

		v1.GET("/approvals", s.handleListApprovals)
		v1.POST("/approvals/:id/decision", s.handleApprovalDecision)

		v1.GET("/exceptions", s.handleListExceptions)
		v1.POST("/exceptions/:id/resolve", s.handleResolveException)

		v1.GET("/notifications", s.handleListNotifications)
		v1.GET("/events/stream", s.handleEventStream)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "admin API listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("admin API stopped")
	return nil
}
