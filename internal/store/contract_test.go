package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

func newDefinition(id, workflowType string) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:            id,
		Name:          id,
		WorkflowType:  workflowType,
		TriggerType:   schema.TriggerEvent,
		TriggerEvents: []string{"inventory.low"},
		Retry:         schema.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute},
		MaxConcurrent: 2,
		Active:        true,
	}
}

func newRun(defID string) *WorkflowRun {
	id := uuid.New().String()
	return &WorkflowRun{
		ID:            id,
		DefinitionID:  defID,
		WorkflowType:  "demand_forecast",
		RunNumber:     "RUN-" + id[:8],
		Status:        schema.RunStatusRunning,
		TriggerSource: "manual",
		Attempt:       1,
		Input:         map[string]any{"sku": "A-1"},
		StartedAt:     time.Now().UTC(),
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr), "expected EngineError, got %T", err)
	assert.Equal(t, code, engErr.Code)
}

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("definitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		def := newDefinition("forecast", "demand_forecast")
		def.Threshold = &schema.ThresholdSpec{Metric: "stockouts", Condition: "value > 3"}
		require.NoError(t, s.UpsertDefinition(ctx, def))

		got, err := s.GetDefinition(ctx, "forecast")
		require.NoError(t, err)
		assert.Equal(t, "demand_forecast", got.WorkflowType)
		assert.Equal(t, []string{"inventory.low"}, got.TriggerEvents)
		assert.Equal(t, time.Minute, got.Retry.BaseDelay)
		require.NotNil(t, got.Threshold)
		assert.Equal(t, "value > 3", got.Threshold.Condition)

		byType, err := s.GetDefinitionByType(ctx, "demand_forecast")
		require.NoError(t, err)
		assert.Equal(t, "forecast", byType.ID)

		require.NoError(t, s.UpdateDefinition(ctx, "forecast", DefinitionUpdate{AddSuccess: 1}))
		require.NoError(t, s.UpdateDefinition(ctx, "forecast", DefinitionUpdate{AddSuccess: 1, AddFailure: 1}))
		got, err = s.GetDefinition(ctx, "forecast")
		require.NoError(t, err)
		assert.Equal(t, 2, got.SuccessCount)
		assert.Equal(t, 1, got.FailureCount)

		_, err = s.GetDefinition(ctx, "missing")
		requireCode(t, err, schema.ErrCodeNotFound)
	})

	t.Run("due definitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		due := newDefinition("due", "po_generation")
		due.TriggerType = schema.TriggerScheduled
		past := now.Add(-time.Minute)
		due.NextRunAt = &past
		later := newDefinition("later", "invoice_matching")
		later.TriggerType = schema.TriggerScheduled
		future := now.Add(time.Hour)
		later.NextRunAt = &future
		inactive := newDefinition("inactive", "payments")
		inactive.TriggerType = schema.TriggerScheduled
		inactive.NextRunAt = &past
		inactive.Active = false

		for _, d := range []*WorkflowDefinition{due, later, inactive} {
			require.NoError(t, s.UpsertDefinition(ctx, d))
		}

		trigger := schema.TriggerScheduled
		defs, err := s.ListDefinitions(ctx, DefinitionFilter{TriggerType: &trigger, ActiveOnly: true, DueBefore: &now})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "due", defs[0].ID)
	})

	t.Run("runs with conditional update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertDefinition(ctx, newDefinition("forecast", "demand_forecast")))

		run := newRun("forecast")
		require.NoError(t, s.CreateRun(ctx, run))

		from := schema.RunStatusRunning
		to := schema.RunStatusCompleted
		processed := 12
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
			FromStatus:     &from,
			Status:         &to,
			ItemsProcessed: &processed,
			TotalValue:     schema.Float(1520.5),
			Output:         map[string]any{"forecasts": float64(12)},
			AddTokens:      40,
		}))
		require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{AddTokens: 2}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, got.Status)
		assert.Equal(t, 12, got.ItemsProcessed)
		assert.Equal(t, 42, got.TokensUsed)
		require.NotNil(t, got.TotalValue)
		assert.InDelta(t, 1520.5, *got.TotalValue, 0.001)
		assert.Equal(t, "A-1", got.Input["sku"])

		// A second transition out of running no longer applies.
		failed := schema.RunStatusFailed
		err = s.UpdateRun(ctx, run.ID, RunUpdate{FromStatus: &from, Status: &failed})
		requireCode(t, err, schema.ErrCodeConflict)

		err = s.UpdateRun(ctx, "nope", RunUpdate{FromStatus: &from, Status: &failed})
		requireCode(t, err, schema.ErrCodeNotFound)
	})

	t.Run("dead lettered runs are filterable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertDefinition(ctx, newDefinition("forecast", "demand_forecast")))

		ok := newRun("forecast")
		dead := newRun("forecast")
		require.NoError(t, s.CreateRun(ctx, ok))
		require.NoError(t, s.CreateRun(ctx, dead))
		yes := true
		require.NoError(t, s.UpdateRun(ctx, dead.ID, RunUpdate{DeadLettered: &yes}))

		runs, err := s.ListRuns(ctx, RunFilter{DeadLettered: &yes})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, dead.ID, runs[0].ID)
	})

	t.Run("steps are ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertDefinition(ctx, newDefinition("forecast", "demand_forecast")))
		run := newRun("forecast")
		require.NoError(t, s.CreateRun(ctx, run))

		for _, n := range []int{2, 1} {
			require.NoError(t, s.UpsertStep(ctx, &WorkflowStep{
				ID: uuid.New().String(), RunID: run.ID, StepNumber: n, Name: "step", Type: "compute",
				Status: schema.StepStatusCompleted, EntitiesCreated: []EntityRef{{Type: "po", ID: "PO-1"}},
			}))
		}
		steps, err := s.ListSteps(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].StepNumber)
		assert.Equal(t, []EntityRef{{Type: "po", ID: "PO-1"}}, steps[1].EntitiesCreated)
	})

	t.Run("decisions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateDecision(ctx, &Decision{
			ID: uuid.New().String(), RunID: "run-1", DecisionType: "reorder", ContextPrompt: "stock low",
			Options: []string{"order", "wait"}, Chosen: "order", Reasoning: "below safety stock", Confidence: 88,
		}))
		decs, err := s.ListDecisions(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, decs, 1)
		assert.Equal(t, []string{"order", "wait"}, decs[0].Options)
	})

	t.Run("approvals", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		overdue := time.Now().UTC().Add(-time.Minute)
		req := &ApprovalRequest{
			ID: uuid.New().String(), EntityType: "purchase_order", Amount: 15250, RiskTier: schema.RiskMedium,
			Tier: schema.TierLevel2, Level: 2, Status: schema.ApprovalPending,
			AssignedRoles: []string{"admin"}, EscalateAt: &overdue,
		}
		require.NoError(t, s.CreateApproval(ctx, req))

		now := time.Now().UTC()
		due, err := s.ListApprovals(ctx, ApprovalFilter{
			Status: []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated}, EscalateBefore: &now,
		})
		require.NoError(t, err)
		require.Len(t, due, 1)

		byRole, err := s.ListApprovals(ctx, ApprovalFilter{Role: "admin"})
		require.NoError(t, err)
		assert.Len(t, byRole, 1)
		none, err := s.ListApprovals(ctx, ApprovalFilter{Role: "exec"})
		require.NoError(t, err)
		assert.Empty(t, none)

		// Escalation level never decreases.
		two, one := 2, 1
		require.NoError(t, s.UpdateApproval(ctx, req.ID, ApprovalUpdate{EscalationLevel: &two}))
		require.NoError(t, s.UpdateApproval(ctx, req.ID, ApprovalUpdate{EscalationLevel: &one}))
		got, err := s.GetApproval(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.EscalationLevel)

		approved := schema.ApprovalApproved
		open := []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated}
		require.NoError(t, s.UpdateApproval(ctx, req.ID, ApprovalUpdate{FromStatus: open, Status: &approved}))
		err = s.UpdateApproval(ctx, req.ID, ApprovalUpdate{FromStatus: open, Status: &approved})
		requireCode(t, err, schema.ErrCodeConflict)
	})

	t.Run("thresholds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertThreshold(ctx, &ApprovalThreshold{
			EntityType: "purchase_order", AutoApproveMax: 500, Level1Max: 5000, Level2Max: 25000,
			Level1Roles: []string{"ops"}, Level2Roles: []string{"admin"},
		}))
		th, err := s.GetThreshold(ctx, "purchase_order")
		require.NoError(t, err)
		assert.InDelta(t, 25000, th.Level2Max, 0.001)
		assert.Equal(t, []string{"admin"}, th.Level2Roles)
		assert.Empty(t, th.Level3Roles)

		_, err = s.GetThreshold(ctx, "invoice")
		requireCode(t, err, schema.ErrCodeNotFound)
	})

	t.Run("exceptions and rules", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := &ExceptionRecord{
			ID: uuid.New().String(), Type: "price_variance", Severity: schema.SeverityMedium, Title: "variance",
			Payload: map[string]any{"variance_pct": 4.5}, Status: schema.ExceptionOpen,
		}
		require.NoError(t, s.CreateException(ctx, rec))

		resolved := schema.ExceptionResolved
		strategy := schema.StrategyAutoResolve
		require.NoError(t, s.UpdateException(ctx, rec.ID, ExceptionUpdate{
			FromStatus: []schema.ExceptionStatus{schema.ExceptionOpen}, Status: &resolved, ResolutionType: &strategy,
		}))
		got, err := s.GetException(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ExceptionResolved, got.Status)
		assert.Equal(t, schema.StrategyAutoResolve, got.ResolutionType)
		assert.InDelta(t, 4.5, got.Payload["variance_pct"], 0.001)

		for _, r := range []*ExceptionRule{
			{ID: "r-low", ExceptionType: "price_variance", Priority: 20, Strategy: schema.StrategyRouteToHuman, Active: true},
			{ID: "r-high", ExceptionType: "price_variance", Priority: 5, Strategy: schema.StrategyAIDecide, Active: true},
			{ID: "r-off", ExceptionType: "price_variance", Priority: 1, Strategy: schema.StrategyHaltWorkflow, Active: false},
		} {
			require.NoError(t, s.UpsertExceptionRule(ctx, r))
		}
		rules, err := s.ListExceptionRules(ctx, "price_variance")
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "r-high", rules[0].ID)
	})

	t.Run("events are consumed oldest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"e1", "e2", "e3"} {
			require.NoError(t, s.AppendEvent(ctx, &DomainEvent{
				ID: id, Type: "inventory.low", Payload: map[string]any{"id": id},
			}))
		}
		require.NoError(t, s.MarkEventProcessed(ctx, "e1"))

		events, err := s.ListUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "e2", events[0].ID)
		assert.Equal(t, "e3", events[1].ID)
		assert.Less(t, events[0].Seq, events[1].Seq)

		limited, err := s.ListUnprocessedEvents(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("notifications by role", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateNotification(ctx, &Notification{
			ID: uuid.New().String(), Title: "t", Message: "m", Roles: []string{"ops", "admin"},
		}))
		ops, err := s.ListNotifications(ctx, "ops", 0)
		require.NoError(t, err)
		assert.Len(t, ops, 1)
		execs, err := s.ListNotifications(ctx, "exec", 0)
		require.NoError(t, err)
		assert.Empty(t, execs)
	})
}
