package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/internal/expressions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/scheduler"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/internal/streaming"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// PrimeSchedules gives every active scheduled definition without a
// next_run_at its first trigger time. Definitions are not launched here.
func (o *Orchestrator) PrimeSchedules(ctx context.Context) error {
	defs, err := o.definitions(ctx, schema.TriggerScheduled, nil)
	if err != nil {
		return err
	}
	now := o.now()
	for _, def := range defs {
		if def.NextRunAt != nil {
			continue
		}
		next := scheduler.NextRun(def.Schedule, now)
		if err := o.store.UpdateDefinition(ctx, def.ID, store.DefinitionUpdate{NextRunAt: &next}); err != nil {
			return fmt.Errorf("prime schedule for %s: %w", def.ID, err)
		}
		o.logger.DebugContext(ctx, "schedule primed",
			slog.String("definition_id", def.ID),
			slog.Time("next_run_at", next),
		)
	}
	return nil
}

// ScheduleTick launches every scheduled definition that is due. next_run_at
// is advanced before the launch, so a run outliving the interval is not
// launched twice.
func (o *Orchestrator) ScheduleTick(ctx context.Context) error {
	now := o.now()
	due, err := o.definitions(ctx, schema.TriggerScheduled, &now)
	if err != nil {
		return err
	}
	for _, def := range due {
		next := scheduler.NextRun(def.Schedule, now)
		if err := o.store.UpdateDefinition(ctx, def.ID, store.DefinitionUpdate{NextRunAt: &next}); err != nil {
			o.logger.ErrorContext(ctx, "failed to advance schedule",
				slog.String("definition_id", def.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := o.launch(ctx, def, "schedule", nil); err != nil {
			return fmt.Errorf("launch %s: %w", def.ID, err)
		}
		o.logger.InfoContext(ctx, "scheduled run launched",
			slog.String("definition_id", def.ID),
			slog.Time("next_run_at", next),
		)
	}
	return nil
}

// EventTick consumes unprocessed domain events oldest first. Each event is
// published to live subscribers, launches the event-triggered definitions
// listening for its type and, for workflow.completed, the definitions that
// depend on the completed workflow type. The event is marked processed once
// every launch has been attempted. Failed launches are logged, not retried,
// and returned together after the batch.
func (o *Orchestrator) EventTick(ctx context.Context) error {
	events, err := o.store.ListUnprocessedEvents(ctx, o.config.EventBatch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	listeners, err := o.definitions(ctx, schema.TriggerEvent, nil)
	if err != nil {
		return err
	}
	dependents, err := o.definitions(ctx, schema.TriggerDependency, nil)
	if err != nil {
		return err
	}

	var failed []error
	fanOut := func(ev *store.DomainEvent, def *store.WorkflowDefinition, trigger string) {
		if err := o.launch(ctx, def, trigger, eventInput(ev)); err != nil {
			o.logger.WarnContext(ctx, "event launch failed",
				slog.String("event_id", ev.ID),
				slog.String("definition_id", def.ID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, fmt.Errorf("launch %s for event %s: %w", def.ID, ev.ID, err))
			return
		}
		o.logger.InfoContext(ctx, "event launched workflow",
			slog.String("event_id", ev.ID),
			slog.String("definition_id", def.ID),
			slog.String("trigger", trigger),
		)
	}

	for _, ev := range events {
		o.publish(ctx, ev)

		for _, def := range listeners {
			if slices.Contains(def.TriggerEvents, ev.Type) {
				fanOut(ev, def, "event:"+ev.Type)
			}
		}

		if ev.Type == schema.EventWorkflowCompleted {
			upstream, _ := ev.Payload[schema.PayloadWorkflowType].(string)
			for _, def := range dependents {
				if upstream != "" && slices.Contains(def.DependsOn, upstream) {
					fanOut(ev, def, "dependency:"+upstream)
				}
			}
		}

		if err := o.store.MarkEventProcessed(ctx, ev.ID); err != nil {
			return errors.Join(append(failed, fmt.Errorf("mark event %s processed: %w", ev.ID, err))...)
		}
	}
	o.logger.DebugContext(ctx, "events processed", slog.Int("count", len(events)), slog.Int("failed_launches", len(failed)))
	return errors.Join(failed...)
}

// EscalationTick promotes overdue approval requests.
func (o *Orchestrator) EscalationTick(ctx context.Context) error {
	if o.approvals == nil {
		return nil
	}
	n, err := o.approvals.EscalateOverdue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "approvals escalated", slog.Int("count", n))
	}
	return nil
}

// ThresholdTick evaluates each threshold definition's condition against a
// fresh metric snapshot and launches the ones that hold, outside cooldown.
// The condition sees `value` (the watched metric) and `metrics` (all of them).
func (o *Orchestrator) ThresholdTick(ctx context.Context) error {
	if o.metrics == nil {
		return nil
	}
	defs, err := o.definitions(ctx, schema.TriggerThreshold, nil)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return nil
	}
	snapshot, err := o.metrics.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("metric snapshot: %w", err)
	}

	now := o.now()
	metrics := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		metrics[k] = v
	}
	for _, def := range defs {
		th := def.Threshold
		if th == nil {
			continue
		}
		logger := o.logger.With(slog.String("definition_id", def.ID), slog.String("metric", th.Metric))

		value, ok := snapshot[th.Metric]
		if !ok {
			logger.WarnContext(ctx, "threshold metric not reported")
			continue
		}
		if def.LastRunAt != nil && th.Cooldown > 0 && now.Sub(*def.LastRunAt) < th.Cooldown {
			continue
		}
		hit, err := expressions.EvaluateBool(ctx, o.conditions, th.Condition, map[string]any{
			"value":   value,
			"metrics": metrics,
		})
		if err != nil {
			logger.WarnContext(ctx, "threshold condition failed", slog.String("error", err.Error()))
			continue
		}
		if !hit {
			continue
		}

		// Claim the cooldown window before the run finishes.
		if err := o.store.UpdateDefinition(ctx, def.ID, store.DefinitionUpdate{LastRunAt: &now}); err != nil {
			logger.ErrorContext(ctx, "failed to stamp threshold trigger", slog.String("error", err.Error()))
			continue
		}
		input := map[string]any{"metric": th.Metric, "value": value}
		if err := o.launch(ctx, def, "threshold:"+th.Metric, input); err != nil {
			return fmt.Errorf("launch %s: %w", def.ID, err)
		}
		logger.InfoContext(ctx, "threshold crossed, run launched", slog.Float64("value", value))
	}
	return nil
}

func (o *Orchestrator) definitions(ctx context.Context, trigger schema.TriggerType, dueBefore *time.Time) ([]*store.WorkflowDefinition, error) {
	return o.store.ListDefinitions(ctx, store.DefinitionFilter{
		TriggerType: &trigger,
		ActiveOnly:  true,
		DueBefore:   dueBefore,
	})
}

func (o *Orchestrator) publish(ctx context.Context, ev *store.DomainEvent) {
	if o.hub == nil {
		return
	}
	err := o.hub.Publish(ctx, streaming.StreamEvent{
		ID:           ev.ID,
		Type:         ev.Type,
		Severity:     ev.Severity,
		SourceEntity: ev.SourceEntity,
		SourceID:     ev.SourceID,
		Payload:      ev.Payload,
		CreatedAt:    ev.CreatedAt,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "failed to publish event", slog.String("error", err.Error()))
	}
}

func eventInput(ev *store.DomainEvent) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":            ev.ID,
			"type":          ev.Type,
			"severity":      string(ev.Severity),
			"source_entity": ev.SourceEntity,
			"source_id":     ev.SourceID,
			"payload":       ev.Payload,
		},
	}
}
