package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// deadLetter tags the final failed run, notifies the dead-letter roles and
// appends a workflow.dead_lettered event. Nothing here fails the caller.
func (e *Engine) deadLetter(ctx context.Context, def *store.WorkflowDefinition, res *schema.WorkflowResult, cause error, attempts int) {
	res.DeadLettered = true
	res.Success = false
	if res.Status == "" {
		res.Status = schema.RunStatusFailed
	}
	if res.Error == "" {
		res.Error = cause.Error()
	}

	e.logger.ErrorContext(ctx, "run dead-lettered",
		slog.String("definition_id", def.ID),
		slog.String("workflow_type", def.WorkflowType),
		slog.String("run_id", res.RunID),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)
	e.metrics.recordDeadLetter(ctx, def.WorkflowType)

	if res.RunID != "" {
		tagged := true
		failed := schema.RunStatusFailed
		if err := e.store.UpdateRun(ctx, res.RunID, store.RunUpdate{FromStatus: &failed, DeadLettered: &tagged}); err != nil {
			e.logger.ErrorContext(ctx, "failed to tag dead-lettered run", slog.String("error", err.Error()))
		}
	}

	notify.Deliver(ctx, e.notifier, e.logger, notify.Message{
		Title: fmt.Sprintf("Workflow %s failed permanently", def.Name),
		Message: fmt.Sprintf("Workflow %s (%s) failed after %d attempt(s): %s. Manual intervention required.",
			def.Name, def.WorkflowType, attempts, res.Error),
		Roles:     e.config.DeadLetterRoles,
		SendEmail: true,
		ActionURL: "/runs/" + res.RunID,
	})

	err := e.store.AppendEvent(ctx, &store.DomainEvent{
		ID:           uuid.New().String(),
		Type:         schema.EventWorkflowDeadLettered,
		Severity:     schema.SeverityCritical,
		SourceEntity: "workflow_run",
		SourceID:     res.RunID,
		Payload: map[string]any{
			schema.PayloadRunID:        res.RunID,
			schema.PayloadDefinitionID: def.ID,
			schema.PayloadWorkflowType: def.WorkflowType,
			schema.PayloadError:        res.Error,
			"attempts":                 attempts,
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to append dead-letter event", slog.String("error", err.Error()))
	}
}
