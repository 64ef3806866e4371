package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// ValidRunTransitions is the forward-only run state machine.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
		schema.RunStatusAwaitingApproval,
	},
	schema.RunStatusAwaitingApproval: {
		schema.RunStatusApproved,
		schema.RunStatusRejected,
	},
	schema.RunStatusApproved: {
		schema.RunStatusRunning,
	},
}

// CanTransition reports whether from -> to is a legal run transition.
func CanTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

// RunFSM validates and persists run transitions. The status update is
// conditional on the current status, so two concurrent transitions out of the
// same state cannot both succeed.
type RunFSM struct {
	store store.Store
	now   func() time.Time
}

// NewRunFSM creates a RunFSM over the given store.
func NewRunFSM(s store.Store) *RunFSM {
	return &RunFSM{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Transition moves a run from -> to, applying extra field updates atomically
// with the status change, then emits the matching domain event.
func (f *RunFSM) Transition(ctx context.Context, run *store.WorkflowRun, to schema.RunStatus, extra store.RunUpdate) error {
	from := run.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithRun(run.ID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	extra.FromStatus = &from
	extra.Status = &to
	if to.IsTerminal() && extra.CompletedAt == nil {
		now := f.now()
		extra.CompletedAt = &now
	}
	if err := f.store.UpdateRun(ctx, run.ID, extra); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist run transition %s -> %s", from, to).
			WithRun(run.ID).WithCause(err)
	}
	run.Status = to

	eventType := runEventType(from, to)
	if eventType == "" {
		return nil
	}
	payload := map[string]any{
		schema.PayloadRunID:        run.ID,
		schema.PayloadDefinitionID: run.DefinitionID,
		schema.PayloadWorkflowType: run.WorkflowType,
	}
	if extra.ErrorMessage != nil && *extra.ErrorMessage != "" {
		payload[schema.PayloadError] = *extra.ErrorMessage
	}
	event := &store.DomainEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Severity:     runEventSeverity(to),
		SourceEntity: "workflow_run",
		SourceID:     run.ID,
		Payload:      payload,
	}
	if err := f.store.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.RunStatusFailed:
		return schema.EventWorkflowFailed
	case schema.RunStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.RunStatusAwaitingApproval:
		return schema.EventWorkflowSuspended
	case schema.RunStatusRejected:
		return schema.EventWorkflowRejected
	case schema.RunStatusRunning:
		if from == schema.RunStatusApproved {
			return schema.EventWorkflowResumed
		}
	}
	return ""
}

func runEventSeverity(to schema.RunStatus) schema.Severity {
	switch to {
	case schema.RunStatusFailed, schema.RunStatusRejected:
		return schema.SeverityHigh
	case schema.RunStatusCancelled, schema.RunStatusAwaitingApproval:
		return schema.SeverityMedium
	}
	return schema.SeverityLow
}
