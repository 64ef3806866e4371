package engine

import (
	"context"
	"log/slog"

	"github.com/jcheng510/ai-erp-system-sub003/internal/logging"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// AwaitApproval suspends a running run until an approval decision arrives.
// The run resumes at resumeFromStep.
func (e *Engine) AwaitApproval(ctx context.Context, runID, approvalID string, resumeFromStep int) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.fsm.Transition(ctx, run, schema.RunStatusAwaitingApproval, store.RunUpdate{
		ApprovalID:     &approvalID,
		ResumeFromStep: &resumeFromStep,
	})
}

// ResumeAfterApproval moves a suspended run through approved back to running
// and re-dispatches its processor with the approval marker set. Steps before
// the recorded resume point are skipped. Further attempts after a transient
// failure carry the same markers.
func (e *Engine) ResumeAfterApproval(ctx context.Context, runID string) (*schema.WorkflowResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	def, err := e.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, def.ID, run.ID)

	if err := e.fsm.Transition(ctx, run, schema.RunStatusApproved, store.RunUpdate{}); err != nil {
		return nil, err
	}
	if err := e.fsm.Transition(ctx, run, schema.RunStatusRunning, store.RunUpdate{}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "resuming run after approval", slog.Int("resume_from_step", run.ResumeFromStep))

	return e.runWithRetry(ctx, def, run.TriggerSource, run.Input, attemptOpts{
		resumed:         run,
		approvalGranted: true,
		resumeFromStep:  run.ResumeFromStep,
	})
}

// RejectRun terminates a suspended run after its approval was rejected.
func (e *Engine) RejectRun(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := e.fsm.Transition(ctx, run, schema.RunStatusRejected, store.RunUpdate{ErrorMessage: &reason}); err != nil {
		return err
	}
	if def, err := e.store.GetDefinition(ctx, run.DefinitionID); err == nil {
		e.recordOutcome(ctx, def, false)
	}
	return nil
}

// FailRun forces a running run to failed, recording reason as its error.
func (e *Engine) FailRun(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.fsm.Transition(ctx, run, schema.RunStatusFailed, store.RunUpdate{ErrorMessage: &reason})
}
