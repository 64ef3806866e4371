// Package orchestrator drives workflow execution from four independent
// periodic loops: due schedules, unprocessed domain events, overdue
// approvals and metric thresholds.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/internal/approval"
	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/expressions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/scheduler"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/internal/streaming"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Loop names, also used as log attributes.
const (
	LoopSchedule   = "schedule"
	LoopEvents     = "events"
	LoopEscalation = "escalation"
	LoopThresholds = "thresholds"
)

// Runner starts workflow runs.
type Runner interface {
	StartWorkflow(ctx context.Context, definitionID, triggerSource string, input map[string]any) (*schema.WorkflowResult, error)
}

// PipelineRunner executes registered pipelines.
type PipelineRunner interface {
	ExecutePipeline(ctx context.Context, pipelineID string, input map[string]any, triggeredBy string) (*schema.PipelineResult, error)
}

// Approvals resolves and escalates approval requests.
type Approvals interface {
	ProcessApproval(ctx context.Context, id string, approved bool, resolver, notes string) (*approval.Resolution, error)
	EscalateOverdue(ctx context.Context) (int, error)
}

// MetricSource supplies the named values threshold definitions watch.
type MetricSource interface {
	Snapshot(ctx context.Context) (map[string]float64, error)
}

// Config holds loop intervals.
type Config struct {
	ScheduleInterval   time.Duration `mapstructure:"schedule_interval"`
	EventInterval      time.Duration `mapstructure:"event_interval"`
	EscalationInterval time.Duration `mapstructure:"escalation_interval"`
	ThresholdInterval  time.Duration `mapstructure:"threshold_interval"`
	// EventBatch caps how many domain events one event tick consumes.
	EventBatch int `mapstructure:"event_batch"`
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		ScheduleInterval:   time.Minute,
		EventInterval:      10 * time.Second,
		EscalationInterval: 5 * time.Minute,
		ThresholdInterval:  5 * time.Minute,
		EventBatch:         100,
	}
}

// Deps are the collaborators an Orchestrator drives. Metrics and Hub are
// optional.
type Deps struct {
	Store     store.Store
	Runs      Runner
	Pipelines PipelineRunner
	Approvals Approvals
	Metrics   MetricSource
	Hub       streaming.EventHub
	// Pool runs launched workflows off the loop goroutines.
	Pool   *engine.WorkerPool
	Logger *slog.Logger
}

// Orchestrator owns the periodic loops and the manual entry points.
type Orchestrator struct {
	store      store.Store
	runs       Runner
	pipelines  PipelineRunner
	approvals  Approvals
	metrics    MetricSource
	hub        streaming.EventHub
	pool       *engine.WorkerPool
	conditions *expressions.ExprEngine
	config     Config
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	loops []*scheduler.Loop
}

// New wires an orchestrator. Zero config fields take their defaults.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = def.ScheduleInterval
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = def.EventInterval
	}
	if cfg.EscalationInterval <= 0 {
		cfg.EscalationInterval = def.EscalationInterval
	}
	if cfg.ThresholdInterval <= 0 {
		cfg.ThresholdInterval = def.ThresholdInterval
	}
	if cfg.EventBatch <= 0 {
		cfg.EventBatch = def.EventBatch
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      deps.Store,
		runs:       deps.Runs,
		pipelines:  deps.Pipelines,
		approvals:  deps.Approvals,
		metrics:    deps.Metrics,
		hub:        deps.Hub,
		pool:       deps.Pool,
		conditions: expressions.NewExprEngine(),
		config:     cfg,
		logger:     logger.With(slog.String("component", "orchestrator")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start primes schedules and launches the loops. The threshold loop only
// runs when a metric source is configured.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.loops) > 0 {
		return schema.NewError(schema.ErrCodeConflict, "orchestrator already started")
	}

	if err := o.PrimeSchedules(ctx); err != nil {
		return err
	}

	loops := []*scheduler.Loop{
		scheduler.NewLoop(LoopSchedule, o.config.ScheduleInterval, o.ScheduleTick, o.logger),
		scheduler.NewLoop(LoopEvents, o.config.EventInterval, o.EventTick, o.logger),
		scheduler.NewLoop(LoopEscalation, o.config.EscalationInterval, o.EscalationTick, o.logger),
	}
	if o.metrics != nil {
		loops = append(loops, scheduler.NewLoop(LoopThresholds, o.config.ThresholdInterval, o.ThresholdTick, o.logger))
	}
	for i, l := range loops {
		if err := l.Start(ctx); err != nil {
			for _, started := range loops[:i] {
				started.Stop()
			}
			return err
		}
	}
	o.loops = loops
	o.logger.InfoContext(ctx, "orchestrator started", slog.Int("loops", len(loops)))
	return nil
}

// Stop halts the loops and waits for launched runs to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	loops := o.loops
	o.loops = nil
	o.mu.Unlock()

	for _, l := range loops {
		l.Stop()
	}
	if o.pool != nil {
		o.pool.Wait()
	}
	o.logger.Info("orchestrator stopped")
}

// TriggerWorkflow runs a definition synchronously on behalf of a user.
func (o *Orchestrator) TriggerWorkflow(ctx context.Context, definitionID string, input map[string]any, userID string) (*schema.WorkflowResult, error) {
	o.logger.InfoContext(ctx, "manual trigger",
		slog.String("definition_id", definitionID),
		slog.String("user_id", userID),
	)
	return o.runs.StartWorkflow(ctx, definitionID, manualTrigger(userID), input)
}

// ExecutePipeline runs a pipeline synchronously on behalf of a user.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, pipelineID string, input map[string]any, userID string) (*schema.PipelineResult, error) {
	if o.pipelines == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline executor not configured")
	}
	o.logger.InfoContext(ctx, "manual pipeline execution",
		slog.String("pipeline_id", pipelineID),
		slog.String("user_id", userID),
	)
	return o.pipelines.ExecutePipeline(ctx, pipelineID, input, userID)
}

// ProcessApproval records a human decision on an approval request.
func (o *Orchestrator) ProcessApproval(ctx context.Context, approvalID string, approved bool, resolver, notes string) (*approval.Resolution, error) {
	if o.approvals == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval service not configured")
	}
	return o.approvals.ProcessApproval(ctx, approvalID, approved, resolver, notes)
}

// launch starts a run on the pool without waiting for it.
func (o *Orchestrator) launch(ctx context.Context, def *store.WorkflowDefinition, trigger string, input map[string]any) error {
	return o.pool.Go(ctx, "run:"+def.ID, func(ctx context.Context) error {
		res, err := o.runs.StartWorkflow(ctx, def.ID, trigger, input)
		if err != nil {
			o.logger.WarnContext(ctx, "launched run did not succeed",
				slog.String("definition_id", def.ID),
				slog.String("trigger", trigger),
				slog.String("error", err.Error()),
			)
			return err
		}
		o.logger.InfoContext(ctx, "launched run finished",
			slog.String("definition_id", def.ID),
			slog.String("trigger", trigger),
			slog.String("run_id", res.RunID),
			slog.String("status", string(res.Status)),
		)
		return nil
	})
}

func manualTrigger(userID string) string {
	if userID == "" {
		return "manual"
	}
	return "manual:" + userID
}
