package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/catalog"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/exceptions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/expressions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/logging"
	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/orchestrator"
	"github.com/jcheng510/ai-erp-system-sub003/internal/pipeline"
	"github.com/jcheng510/ai-erp-system-sub003/internal/processors"
	"github.com/jcheng510/ai-erp-system-sub003/internal/reasoning"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/internal/streaming"
	"github.com/jcheng510/ai-erp-system-sub003/internal/validation"
	mcpserver "github.com/jcheng510/ai-erp-system-sub003/pkg/mcp"
)

const meterName = "github.com/jcheng510/ai-erp-system-sub003"

// app is the fully wired process. Every command builds one and closes it.
type app struct {
	cfg    *Config
	logger *slog.Logger

	store      store.Store
	catalog    *catalog.Catalog
	processors *engine.Registry
	engine     *engine.Engine
	approvals  *approval.Service
	exceptions *exceptions.Handler
	pipelines  *pipeline.Registry
	executor   *pipeline.Executor
	orch       *orchestrator.Orchestrator
	hub        *streaming.MemoryHub

	sessions      *mcpserver.SessionRegistry
	agentNotifier *mcpserver.MCPNotifier

	runPool   *engine.WorkerPool
	stagePool *engine.WorkerPool
}

// newLogger builds the process logger. Output goes to w so the MCP stdio
// transport can keep stdout for protocol frames.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var inner slog.Handler
	if strings.EqualFold(format, "text") {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == "" || dbPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// loadCatalog reads the catalog file, or returns an empty catalog when no
// path is configured.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return &catalog.Catalog{}, nil
	}
	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return catalog.Load(path, validator)
}

func newOracle(ctx context.Context, cfg OracleConfig, checker reasoning.SchemaChecker) (reasoning.Oracle, error) {
	var inner reasoning.Oracle
	switch cfg.Provider {
	case OracleHTTP:
		inner = reasoning.NewHTTPOracle(cfg.HTTPConfig)
	case OracleGemini:
		g, err := reasoning.NewGeminiOracle(ctx, reasoning.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model})
		if err != nil {
			return nil, fmt.Errorf("gemini oracle: %w", err)
		}
		inner = g
	default:
		return nil, nil
	}
	return reasoning.NewCheckedOracle(inner, checker), nil
}

// buildApp wires every service. The catalog is checked against the
// processor registry and seeded before the app is returned.
func buildApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.DBPath); err != nil {
		return nil, err
	}
	if a.catalog, err = loadCatalog(cfg.CatalogPath); err != nil {
		return nil, err
	}
	if a.processors, err = processors.Build(a.catalog.Bindings(cfg.Processors)); err != nil {
		return nil, fmt.Errorf("build processors: %w", err)
	}

	checker, err := catalog.NewChecker()
	if err != nil {
		return nil, err
	}
	report := checker.Check(a.catalog, a.processors.Has)
	for _, w := range report.Warnings {
		logger.WarnContext(ctx, "catalog warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}
	if err := report.ToError(); err != nil {
		return nil, err
	}

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	oracle, err := newOracle(ctx, cfg.Oracle, validator)
	if err != nil {
		return nil, err
	}

	a.sessions = mcpserver.NewSessionRegistry()
	a.agentNotifier = mcpserver.NewMCPNotifier(a.sessions)
	sinks := []notify.Notifier{notify.NewStoreNotifier(a.store), a.agentNotifier}
	if cfg.SMTP.Enabled() {
		sinks = append(sinks, notify.NewEmailNotifier(cfg.SMTP))
	}
	notifier := notify.NewFanout(logger, sinks...)

	metrics, err := engine.NewMetrics(otel.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.engine = engine.NewEngine(a.store, a.processors, oracle, notifier, metrics, cfg.Engine, logger)

	conditions, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	a.approvals = approval.NewService(a.store, a.engine, notifier, cfg.Approval, logger)
	a.exceptions = exceptions.NewHandler(a.store, a.engine, a.engine, conditions, notifier, logger)
	a.engine.SetApprovalService(a.approvals)
	a.engine.SetExceptionHandler(a.exceptions)

	a.pipelines = pipeline.NewRegistry(a.processors.Has)
	seeded, err := catalog.Seed(ctx, a.store, a.pipelines, a.catalog, logger)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "catalog seeded",
		slog.Int("definitions", seeded.Definitions),
		slog.Int("pipelines", seeded.Pipelines),
		slog.Int("thresholds", seeded.Thresholds),
		slog.Int("rules", seeded.Rules),
	)

	a.runPool = engine.NewWorkerPool(cfg.PoolSize, logger)
	a.stagePool = engine.NewWorkerPool(cfg.StagePoolSize, logger)
	a.executor = pipeline.NewExecutor(a.pipelines, a.engine, a.stagePool, a.store, logger)
	a.hub = streaming.NewMemoryHub()

	a.orch = orchestrator.New(orchestrator.Deps{
		Store:     a.store,
		Runs:      a.engine,
		Pipelines: a.executor,
		Approvals: a.approvals,
		Metrics:   orchestrator.NewStoreMetrics(a.store, cfg.MetricsWindow),
		Hub:       a.hub,
		Pool:      a.runPool,
		Logger:    logger,
	}, cfg.Loops)
	return a, nil
}

// mcpServer builds the agent-facing MCP server and attaches the agent
// notifier to it.
func (a *app) mcpServer() *mcpserver.Server {
	srv := mcpserver.NewServer(mcpserver.ServerDeps{
		Controller: a.orch,
		Store:      a.store,
		Pipelines:  a.pipelines,
		Sessions:   a.sessions,
		Logger:     a.logger,
	})
	a.agentNotifier.Attach(srv.MCPServer())
	return srv
}

// Close stops the loops, drains the pools and pending engine writes, then
// closes the store.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.runPool != nil {
		a.runPool.Shutdown()
	}
	if a.stagePool != nil {
		a.stagePool.Shutdown()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", slog.String("error", err.Error()))
		}
	}
}
