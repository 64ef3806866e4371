package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/logging"
	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/reasoning"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Config holds engine-wide settings.
type Config struct {
	// Retry applies to definitions that leave their own policy empty.
	Retry          schema.RetryPolicy   `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	// DeadLetterRoles receive the notification for exhausted runs.
	DeadLetterRoles []string `mapstructure:"dead_letter_roles"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Retry:           schema.DefaultRetryPolicy(),
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
		DeadLetterRoles: []string{schema.RoleOps, schema.RoleAdmin},
	}
}

// Engine owns the run lifecycle: attempts, retries, step journaling,
// oracle decisions, dead-lettering and approval resumption.
type Engine struct {
	store       store.Store
	registry    *Registry
	oracle      reasoning.Oracle
	notifier    notify.Notifier
	breaker     *CircuitBreaker
	concurrency *ConcurrencyController
	fsm         *RunFSM
	metrics     *Metrics
	config      Config
	logger      *slog.Logger

	approvals  ApprovalRequester
	exceptions ExceptionHandler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// background tracks breaker event writes so Close can wait for them.
	bgMu       sync.Mutex
	background sync.WaitGroup
	closed     bool
}

// NewEngine wires an engine. oracle and notifier may be nil; metrics may be
// nil to disable instrumentation.
func NewEngine(s store.Store, registry *Registry, oracle reasoning.Oracle, notifier notify.Notifier,
	metrics *Metrics, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if len(cfg.DeadLetterRoles) == 0 {
		cfg.DeadLetterRoles = def.DeadLetterRoles
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop
	}

	e := &Engine{
		store:       s,
		registry:    registry,
		oracle:      oracle,
		notifier:    notifier,
		breaker:     NewCircuitBreaker(cfg.CircuitBreaker),
		concurrency: NewConcurrencyController(),
		fsm:         NewRunFSM(s),
		metrics:     metrics,
		config:      cfg,
		logger:      logger.With(slog.String("component", "engine")),
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       WaitForBackoff,
	}
	e.breaker.OnStateChange(e.onBreakerTransition)
	return e
}

// Close waits for pending breaker event writes. Transitions after Close are
// logged but no longer written to the store.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.background.Wait()
}

// Breaker exposes the oracle circuit breaker.
func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

// Concurrency exposes the per-definition concurrency controller.
func (e *Engine) Concurrency() *ConcurrencyController { return e.concurrency }

// Registry exposes the processor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// attemptOpts carries resume state through the retry loop.
type attemptOpts struct {
	resumed         *store.WorkflowRun
	approvalGranted bool
	resumeFromStep  int
}

// StartWorkflow runs a definition with retries. It fails fast, creating no
// run, when the definition is missing or inactive. Run failures are reported
// through the result; the error return is reserved for those pre-run checks
// and for context cancellation during backoff.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID, triggerSource string, input map[string]any) (*schema.WorkflowResult, error) {
	def, err := e.loadActiveDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return e.runWithRetry(ctx, def, triggerSource, input, attemptOpts{})
}

// StartWorkflowByType runs the active definition registered for a workflow type.
func (e *Engine) StartWorkflowByType(ctx context.Context, workflowType, triggerSource string, input map[string]any) (*schema.WorkflowResult, error) {
	def, err := e.store.GetDefinitionByType(ctx, workflowType)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, schema.NewErrorf(schema.ErrCodeInactiveDefinition, "workflow definition %q is inactive", def.ID)
	}
	return e.runWithRetry(ctx, def, triggerSource, input, attemptOpts{})
}

func (e *Engine) loadActiveDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, schema.NewErrorf(schema.ErrCodeInactiveDefinition, "workflow definition %q is inactive", id)
	}
	return def, nil
}

func (e *Engine) retryPolicy(def *store.WorkflowDefinition) schema.RetryPolicy {
	p := def.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = e.config.Retry.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = e.config.Retry.BaseDelay
	}
	return p
}

func (e *Engine) runWithRetry(ctx context.Context, def *store.WorkflowDefinition, trigger string,
	input map[string]any, opts attemptOpts) (*schema.WorkflowResult, error) {
	policy := e.retryPolicy(def)
	logger := e.logger.With(slog.String("definition_id", def.ID), slog.String("workflow_type", def.WorkflowType))

	parentID := ""
	for attempt := 1; ; attempt++ {
		var (
			res *schema.WorkflowResult
			err error
		)
		if attempt == 1 && opts.resumed != nil {
			res, err = e.resumeAttempt(ctx, def, opts.resumed)
		} else {
			res, err = e.executeAttempt(ctx, def, trigger, input, attempt, parentID, opts)
		}
		res.Attempts = attempt

		switch {
		case err == nil && res.Success:
			return res, nil
		case res.Status == schema.RunStatusAwaitingApproval:
			return res, nil
		case res.Status == schema.RunStatusCancelled, res.Status == schema.RunStatusRejected:
			// Not retried: the caller re-triggers or a human already decided.
			return res, nil
		}

		cause := err
		if cause == nil {
			cause = errors.New(res.Error)
		}
		if !IsTransientError(cause) || attempt >= policy.MaxAttempts {
			e.deadLetter(ctx, def, res, cause, attempt)
			return res, nil
		}

		delay := ComputeBackoff(policy.BaseDelay, attempt)
		logger.WarnContext(ctx, "transient failure, retrying",
			slog.String("run_id", res.RunID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", cause.Error()),
		)
		e.metrics.recordRetry(ctx, def.WorkflowType)
		if err := e.sleep(ctx, delay); err != nil {
			return res, err
		}
		parentID = res.RunID
	}
}

// NewRunNumber renders a human-readable run number: RUN-YYYYMMDD-XXXXXXXX.
func NewRunNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("RUN-%s-%s", now.Format("20060102"), suffix)
}

// executeAttempt performs one attempt on a fresh run row.
func (e *Engine) executeAttempt(ctx context.Context, def *store.WorkflowDefinition, trigger string,
	input map[string]any, attempt int, parentID string, opts attemptOpts) (*schema.WorkflowResult, error) {
	now := e.now()
	run := &store.WorkflowRun{
		ID:             uuid.New().String(),
		DefinitionID:   def.ID,
		WorkflowType:   def.WorkflowType,
		RunNumber:      NewRunNumber(now),
		Status:         schema.RunStatusRunning,
		TriggerSource:  trigger,
		Attempt:        attempt,
		ParentRunID:    parentID,
		Input:          input,
		ResumeFromStep: opts.resumeFromStep,
		StartedAt:      now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return &schema.WorkflowResult{Status: schema.RunStatusFailed, Error: err.Error()}, err
	}
	ctx = logging.WithRun(ctx, def.ID, run.ID)
	e.appendRunEvent(ctx, run, schema.EventWorkflowStarted, schema.SeverityLow)

	if !e.concurrency.Acquire(def.ID, def.MaxConcurrent, run.ID) {
		return e.cancelForConcurrency(ctx, def, run)
	}
	defer e.concurrency.Release(def.ID, run.ID)

	rc := &RunContext{
		Run:             run,
		Definition:      def,
		Input:           input,
		ApprovalGranted: opts.approvalGranted,
		ResumeFromStep:  opts.resumeFromStep,
	}
	return e.dispatch(ctx, def, run, rc, now)
}

// resumeAttempt re-dispatches a run that was moved back to running after
// its approval was granted.
func (e *Engine) resumeAttempt(ctx context.Context, def *store.WorkflowDefinition, run *store.WorkflowRun) (*schema.WorkflowResult, error) {
	ctx = logging.WithRun(ctx, def.ID, run.ID)
	if !e.concurrency.Acquire(def.ID, def.MaxConcurrent, run.ID) {
		return e.cancelForConcurrency(ctx, def, run)
	}
	defer e.concurrency.Release(def.ID, run.ID)

	rc := &RunContext{
		Run:             run,
		Definition:      def,
		Input:           run.Input,
		ApprovalGranted: true,
		ResumeFromStep:  run.ResumeFromStep,
	}
	return e.dispatch(ctx, def, run, rc, e.now())
}

func (e *Engine) cancelForConcurrency(ctx context.Context, def *store.WorkflowDefinition, run *store.WorkflowRun) (*schema.WorkflowResult, error) {
	limit := max(def.MaxConcurrent, 1)
	msg := fmt.Sprintf("concurrency limit reached: %d active run(s) for %s", limit, def.ID)
	e.logger.WarnContext(ctx, "run cancelled", slog.String("reason", msg))

	if err := e.fsm.Transition(ctx, run, schema.RunStatusCancelled, store.RunUpdate{ErrorMessage: &msg}); err != nil {
		e.logger.ErrorContext(ctx, "failed to cancel run", slog.String("error", err.Error()))
	}
	e.metrics.recordRun(ctx, def.WorkflowType, string(schema.RunStatusCancelled), 0)
	return &schema.WorkflowResult{
			RunID:     run.ID,
			RunNumber: run.RunNumber,
			Status:    schema.RunStatusCancelled,
			Error:     msg,
		}, schema.NewError(schema.ErrCodeConcurrencyLimit, msg).
			WithRun(run.ID).
			WithDetails(map[string]any{"max_concurrent": limit})
}

// dispatch invokes the processor and persists the outcome.
func (e *Engine) dispatch(ctx context.Context, def *store.WorkflowDefinition, run *store.WorkflowRun,
	rc *RunContext, started time.Time) (*schema.WorkflowResult, error) {
	rc.Logger = logging.LogWith(ctx, e.logger)

	proc, ok := e.registry.Lookup(def.WorkflowType)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeUnknownProcessor,
			"no processor registered for workflow type %q", def.WorkflowType).WithRun(run.ID)
		return e.finish(ctx, def, run, nil, err, started)
	}

	res, err := e.invoke(ctx, proc, rc)
	return e.finish(ctx, def, run, res, err, started)
}

func (e *Engine) invoke(ctx context.Context, proc Processor, rc *RunContext) (res *schema.WorkflowResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "processor panicked: %v", r).WithRun(rc.RunID())
		}
	}()
	return proc.Execute(ctx, e, rc)
}

// finish persists a processor outcome. The run row is re-read first, because
// the processor may have suspended it for approval or an exception rule may
// have halted it.
func (e *Engine) finish(ctx context.Context, def *store.WorkflowDefinition, run *store.WorkflowRun,
	res *schema.WorkflowResult, procErr error, started time.Time) (*schema.WorkflowResult, error) {
	elapsed := e.now().Sub(started).Seconds()
	if res == nil {
		res = &schema.WorkflowResult{}
	}
	res.RunID = run.ID
	res.RunNumber = run.RunNumber

	current, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to reload run", slog.String("error", err.Error()))
		current = run
	}
	run.Status = current.Status

	counters := store.RunUpdate{
		Output:         res.Output,
		ItemsProcessed: &res.ItemsProcessed,
		ItemsSucceeded: &res.ItemsSucceeded,
		ItemsFailed:    &res.ItemsFailed,
		TotalValue:     res.TotalValue,
	}

	switch current.Status {
	case schema.RunStatusAwaitingApproval:
		from := schema.RunStatusAwaitingApproval
		counters.FromStatus = &from
		if err := e.store.UpdateRun(ctx, run.ID, counters); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist suspended run", slog.String("error", err.Error()))
		}
		res.Status = schema.RunStatusAwaitingApproval
		res.Success = false
		res.RequiresApproval = true
		res.ApprovalID = current.ApprovalID
		e.logger.InfoContext(ctx, "run awaiting approval", slog.String("approval_id", current.ApprovalID))
		e.metrics.recordRun(ctx, def.WorkflowType, string(res.Status), elapsed)
		return res, nil

	case schema.RunStatusFailed:
		// Halted by an exception rule while the processor was running.
		res.Status = schema.RunStatusFailed
		res.Success = false
		res.Error = current.ErrorMessage
		e.recordOutcome(ctx, def, false)
		e.metrics.recordRun(ctx, def.WorkflowType, string(res.Status), elapsed)
		return res, schema.NewErrorf(schema.ErrCodeBusinessRule, "run halted: %s", current.ErrorMessage).WithRun(run.ID)
	}

	if procErr == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "processor reported failure"
		}
		// Plain failure reports are classified by their message.
		if plain := errors.New(msg); IsTransientError(plain) {
			procErr = plain
		} else {
			procErr = schema.NewError(schema.ErrCodeBusinessRule, msg).WithRun(run.ID)
		}
	}

	if procErr != nil {
		msg := procErr.Error()
		counters.ErrorMessage = &msg
		if err := e.fsm.Transition(ctx, run, schema.RunStatusFailed, counters); err != nil {
			e.logger.ErrorContext(ctx, "failed to mark run failed", slog.String("error", err.Error()))
		}
		res.Status = schema.RunStatusFailed
		res.Success = false
		res.Error = msg
		e.recordOutcome(ctx, def, false)
		e.metrics.recordRun(ctx, def.WorkflowType, string(res.Status), elapsed)
		e.logger.WarnContext(ctx, "run failed", slog.String("error", msg), slog.Float64("elapsed_s", elapsed))
		return res, procErr
	}

	if err := e.fsm.Transition(ctx, run, schema.RunStatusCompleted, counters); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark run completed", slog.String("error", err.Error()))
	}
	res.Status = schema.RunStatusCompleted
	res.Success = true
	e.recordOutcome(ctx, def, true)
	e.metrics.recordRun(ctx, def.WorkflowType, string(res.Status), elapsed)
	e.logger.InfoContext(ctx, "run completed",
		slog.Int("items_processed", res.ItemsProcessed),
		slog.Float64("elapsed_s", elapsed),
	)
	return res, nil
}

func (e *Engine) recordOutcome(ctx context.Context, def *store.WorkflowDefinition, success bool) {
	now := e.now()
	update := store.DefinitionUpdate{LastRunAt: &now}
	if success {
		update.AddSuccess = 1
	} else {
		update.AddFailure = 1
	}
	if err := e.store.UpdateDefinition(ctx, def.ID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to update definition counters", slog.String("error", err.Error()))
	}
}

func (e *Engine) appendRunEvent(ctx context.Context, run *store.WorkflowRun, eventType string, sev schema.Severity) {
	err := e.store.AppendEvent(ctx, &store.DomainEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Severity:     sev,
		SourceEntity: "workflow_run",
		SourceID:     run.ID,
		Payload: map[string]any{
			schema.PayloadRunID:        run.ID,
			schema.PayloadDefinitionID: run.DefinitionID,
			schema.PayloadWorkflowType: run.WorkflowType,
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to append event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) onBreakerTransition(from, to CircuitState) {
	ctx := context.Background()
	e.metrics.recordBreaker(ctx, from, to)
	e.logger.Warn("circuit breaker transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	var eventType string
	switch to {
	case CircuitOpen:
		eventType = schema.EventCircuitOpened
	case CircuitClosed:
		eventType = schema.EventCircuitClosed
	default:
		return
	}
	// Runs on the breaker's lock; append asynchronously.
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		e.logger.Warn("engine closed, breaker event not recorded", slog.String("event_type", eventType))
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		err := e.store.AppendEvent(ctx, &store.DomainEvent{
			ID:           uuid.New().String(),
			Type:         eventType,
			Severity:     schema.SeverityHigh,
			SourceEntity: "circuit_breaker",
			SourceID:     "decision_oracle",
			Payload:      map[string]any{"from": from.String(), "to": to.String()},
		})
		if err != nil {
			e.logger.Error("failed to append breaker event", slog.String("error", err.Error()))
		}
	}()
}
