package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/expressions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/logging"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Launcher starts the active workflow definition for a workflow type.
type Launcher interface {
	StartWorkflowByType(ctx context.Context, workflowType, triggerSource string, input map[string]any) (*schema.WorkflowResult, error)
}

// Executor runs registered pipelines. Each wave's stages run concurrently on
// the worker pool and are joined before the next wave starts.
type Executor struct {
	registry   *Registry
	launcher   Launcher
	pool       *engine.WorkerPool
	store      store.Store
	conditions *expressions.ExprEngine
	selectors  *expressions.JQEngine
	logger     *slog.Logger
}

// NewExecutor wires an executor. The pool should be dedicated to stages:
// a pipeline that itself runs on a saturated pool would wait on itself.
func NewExecutor(registry *Registry, launcher Launcher, pool *engine.WorkerPool, s store.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:   registry,
		launcher:   launcher,
		pool:       pool,
		store:      s,
		conditions: expressions.NewExprEngine(),
		selectors:  expressions.NewJQEngine(),
		logger:     logger.With(slog.String("component", "pipeline")),
	}
}

// Registry returns the pipeline registry.
func (x *Executor) Registry() *Registry { return x.registry }

// stageRun carries one stage's outcome out of its worker.
type stageRun struct {
	stage  schema.Stage
	result *schema.WorkflowResult
	err    error
	done   <-chan error
}

// ExecutePipeline runs pipelineID wave by wave. A stage whose condition is
// false is skipped. A stage receives input plus the forwarded output of each
// dependency under that dependency's forward key. A stage awaiting approval
// counts as complete for wave progression. A failed stage with dependents
// halts the pipeline after its wave; one without dependents does not.
func (x *Executor) ExecutePipeline(ctx context.Context, pipelineID string, input map[string]any, triggeredBy string) (*schema.PipelineResult, error) {
	p, err := x.registry.Get(pipelineID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPipelineID(ctx, p.ID)
	logger := logging.LogWith(ctx, x.logger)
	started := time.Now()

	waves := BuildExecutionWaves(p.Stages, logger)
	res := &schema.PipelineResult{
		PipelineID: p.ID,
		Waves:      WaveNames(waves),
		Stages:     make(map[string]*schema.StageResult, len(p.Stages)),
	}

	stageByType := make(map[string]schema.Stage, len(p.Stages))
	hasDependents := make(map[string]bool, len(p.Stages))
	for _, st := range p.Stages {
		stageByType[st.WorkflowType] = st
		for _, dep := range st.DependsOn {
			hasDependents[dep] = true
		}
	}
	forwarded := make(map[string]any, len(p.Stages))
	trigger := "pipeline:" + p.ID
	if triggeredBy != "" {
		trigger += ":" + triggeredBy
	}
	logger.InfoContext(ctx, "pipeline started", slog.Int("waves", len(waves)), slog.String("triggered_by", triggeredBy))

	for i, wave := range waves {
		if res.Halted {
			for _, st := range wave {
				res.Stages[st.WorkflowType] = &schema.StageResult{WorkflowType: st.WorkflowType, Wave: i, Status: schema.StageNotRun}
			}
			continue
		}

		var running []*stageRun
		for _, st := range wave {
			run, ok := x.admit(ctx, st, i, input, res, hasDependents, logger)
			if !ok {
				continue
			}
			run.done, run.err = x.submit(ctx, run, buildStageInput(input, st, stageByType, forwarded), trigger)
			running = append(running, run)
		}

		for _, run := range running {
			if run.done != nil {
				if err := <-run.done; err != nil && run.err == nil {
					run.err = err
				}
			}
			x.record(ctx, run, i, res, forwarded, hasDependents, logger)
		}
	}

	res.Success = len(res.Failed) == 0 && !res.Halted
	x.emit(ctx, p, res, time.Since(started))
	return res, nil
}

// admit evaluates the stage's skip condition. It returns false when the stage
// has already been recorded as skipped or failed. A condition that cannot be
// evaluated fails the stage, halting the pipeline if others depend on it.
func (x *Executor) admit(ctx context.Context, st schema.Stage, wave int, input map[string]any,
	res *schema.PipelineResult, hasDependents map[string]bool, logger *slog.Logger) (*stageRun, bool) {
	if st.Condition == "" {
		return &stageRun{stage: st}, true
	}
	ok, err := expressions.EvaluateBool(ctx, x.conditions, st.Condition, map[string]any{
		"input":   input,
		"results": resultsView(res),
	})
	if err != nil {
		logger.WarnContext(ctx, "stage condition failed",
			slog.String("stage", st.WorkflowType),
			slog.String("error", err.Error()),
		)
		res.Stages[st.WorkflowType] = &schema.StageResult{
			WorkflowType: st.WorkflowType, Wave: wave, Status: schema.StageFailed, Error: err.Error(),
		}
		res.Failed = append(res.Failed, st.WorkflowType)
		if hasDependents[st.WorkflowType] {
			res.Halted = true
		}
		return nil, false
	}
	if !ok {
		logger.InfoContext(ctx, "stage skipped by condition", slog.String("stage", st.WorkflowType))
		res.Stages[st.WorkflowType] = &schema.StageResult{WorkflowType: st.WorkflowType, Wave: wave, Status: schema.StageSkipped}
		return nil, false
	}
	return &stageRun{stage: st}, true
}

func (x *Executor) submit(ctx context.Context, run *stageRun, stageInput map[string]any, trigger string) (<-chan error, error) {
	return x.pool.Submit(ctx, "stage:"+run.stage.WorkflowType, func(ctx context.Context) error {
		result, err := x.launcher.StartWorkflowByType(ctx, run.stage.WorkflowType, trigger, stageInput)
		run.result = result
		return err
	})
}

func (x *Executor) record(ctx context.Context, run *stageRun, wave int, res *schema.PipelineResult,
	forwarded map[string]any, hasDependents map[string]bool, logger *slog.Logger) {
	name := run.stage.WorkflowType
	sr := &schema.StageResult{WorkflowType: name, Wave: wave, Result: run.result}
	res.Stages[name] = sr

	switch {
	case run.result != nil && run.result.Status == schema.RunStatusAwaitingApproval:
		sr.Status = schema.StageAwaitingApproval
		res.AwaitingApproval = append(res.AwaitingApproval, name)
		x.forward(ctx, run, forwarded, logger)
		return
	case run.err == nil && run.result != nil && run.result.Success:
		sr.Status = schema.StageCompleted
		x.forward(ctx, run, forwarded, logger)
		return
	}

	sr.Status = schema.StageFailed
	switch {
	case run.err != nil:
		sr.Error = run.err.Error()
	case run.result != nil && run.result.Error != "":
		sr.Error = run.result.Error
	default:
		sr.Error = "stage did not succeed"
	}
	res.Failed = append(res.Failed, name)
	if hasDependents[name] {
		res.Halted = true
	}
	logger.WarnContext(ctx, "stage failed",
		slog.String("stage", name),
		slog.Bool("halts_pipeline", hasDependents[name]),
		slog.String("error", sr.Error),
	)
}

// forward stores a stage's output for its dependents, narrowed by the
// stage's selector when one is configured.
func (x *Executor) forward(ctx context.Context, run *stageRun, forwarded map[string]any, logger *slog.Logger) {
	if run.result == nil || run.result.Output == nil {
		return
	}
	var out any = run.result.Output
	if run.stage.OutputSelector != "" {
		selected, err := x.selectors.Evaluate(ctx, run.stage.OutputSelector, run.result.Output)
		if err != nil {
			logger.WarnContext(ctx, "output selector failed, forwarding full output",
				slog.String("stage", run.stage.WorkflowType),
				slog.String("error", err.Error()),
			)
		} else {
			out = selected
		}
	}
	forwarded[run.stage.WorkflowType] = out
}

func buildStageInput(input map[string]any, st schema.Stage, stageByType map[string]schema.Stage,
	forwarded map[string]any) map[string]any {
	stageInput := maps.Clone(input)
	if stageInput == nil {
		stageInput = make(map[string]any, len(st.DependsOn))
	}
	for _, dep := range st.DependsOn {
		if out, ok := forwarded[dep]; ok {
			stageInput[stageByType[dep].ForwardKey()] = out
		}
	}
	return stageInput
}

// resultsView exposes finished stages to skip conditions.
func resultsView(res *schema.PipelineResult) map[string]any {
	view := make(map[string]any, len(res.Stages))
	for name, sr := range res.Stages {
		entry := map[string]any{"status": string(sr.Status), "success": sr.Status == schema.StageCompleted}
		if sr.Result != nil {
			entry["output"] = sr.Result.Output
			entry["items_processed"] = sr.Result.ItemsProcessed
		}
		view[name] = entry
	}
	return view
}

func (x *Executor) emit(ctx context.Context, p *schema.PipelineDefinition, res *schema.PipelineResult, elapsed time.Duration) {
	eventType := schema.EventPipelineCompleted
	sev := schema.SeverityLow
	if !res.Success {
		eventType = schema.EventPipelineFailed
		sev = schema.SeverityHigh
	}
	x.logger.InfoContext(ctx, "pipeline finished",
		slog.String("pipeline_id", p.ID),
		slog.Bool("success", res.Success),
		slog.Bool("halted", res.Halted),
		slog.Any("awaiting_approval", res.AwaitingApproval),
		slog.Duration("elapsed", elapsed),
	)
	if x.store == nil {
		return
	}
	err := x.store.AppendEvent(ctx, &store.DomainEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Severity:     sev,
		SourceEntity: "pipeline",
		SourceID:     p.ID,
		Payload: map[string]any{
			"pipeline_id":       p.ID,
			"halted":            res.Halted,
			"failed":            res.Failed,
			"awaiting_approval": res.AwaitingApproval,
		},
	})
	if err != nil {
		x.logger.ErrorContext(ctx, "failed to append pipeline event", slog.String("error", err.Error()))
	}
}
