package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/logging"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// StepFunc is the unit of work journaled by RecordStep.
type StepFunc func(ctx context.Context) (*StepOutcome, error)

// Step describes one journaled unit of work.
type Step struct {
	Number int
	Name   string
	Type   string
	Input  map[string]any
	Run    StepFunc
}

// StepOutcome is what a step reports back for the journal.
type StepOutcome struct {
	Output           map[string]any
	AIResponse       string
	AIConfidence     *float64
	AITokens         int
	EntitiesCreated  []store.EntityRef
	EntitiesModified []store.EntityRef
}

// StepResult is the journaled result returned to the processor.
type StepResult struct {
	Number     int
	Name       string
	Status     schema.StepStatus
	Output     map[string]any
	Error      string
	Skipped    bool
	DurationMs int64
}

// Succeeded reports whether the step completed, including resume skips.
func (r *StepResult) Succeeded() bool {
	return r.Status == schema.StepStatusCompleted
}

// RecordStep journals and executes one step. Step failures, including
// panics, are captured on the step row and returned as data. Steps numbered
// below rc.ResumeFromStep are skipped as no-op successes.
func (e *Engine) RecordStep(ctx context.Context, rc *RunContext, step Step) *StepResult {
	if rc.ResumeFromStep > 0 && step.Number < rc.ResumeFromStep {
		return &StepResult{
			Number:  step.Number,
			Name:    step.Name,
			Status:  schema.StepStatusCompleted,
			Skipped: true,
		}
	}

	ctx = logging.WithStep(ctx, step.Name)
	started := e.now()
	row := &store.WorkflowStep{
		ID:         uuid.New().String(),
		RunID:      rc.RunID(),
		StepNumber: step.Number,
		Name:       step.Name,
		Type:       step.Type,
		Status:     schema.StepStatusRunning,
		Input:      step.Input,
		StartedAt:  started,
	}
	e.persistStep(ctx, row)

	outcome, err := runStep(ctx, step.Run)

	completed := e.now()
	row.CompletedAt = &completed
	row.DurationMs = completed.Sub(started).Milliseconds()
	result := &StepResult{
		Number:     step.Number,
		Name:       step.Name,
		DurationMs: row.DurationMs,
	}

	if outcome != nil {
		row.Output = outcome.Output
		row.AIResponse = outcome.AIResponse
		row.AIConfidence = outcome.AIConfidence
		row.AITokens = outcome.AITokens
		row.EntitiesCreated = outcome.EntitiesCreated
		row.EntitiesModified = outcome.EntitiesModified
		result.Output = outcome.Output
	}

	if err != nil {
		row.Status = schema.StepStatusFailed
		row.ErrorMessage = err.Error()
		result.Status = schema.StepStatusFailed
		result.Error = err.Error()
		e.logger.WarnContext(ctx, "step failed",
			slog.Int("step_number", step.Number),
			slog.String("error", err.Error()),
		)
	} else {
		row.Status = schema.StepStatusCompleted
		result.Status = schema.StepStatusCompleted
	}
	e.persistStep(ctx, row)
	return result
}

func runStep(ctx context.Context, fn StepFunc) (outcome *StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

func (e *Engine) persistStep(ctx context.Context, row *store.WorkflowStep) {
	if row.RunID == "" {
		return
	}
	if err := e.store.UpsertStep(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to journal step",
			slog.Int("step_number", row.StepNumber),
			slog.String("error", err.Error()),
		)
	}
}
