// Package exceptions routes domain anomalies raised by processors through
// prioritized resolution rules.
package exceptions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/expressions"
	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// RunController halts runs on behalf of halt_workflow rules.
type RunController interface {
	FailRun(ctx context.Context, runID, reason string) error
}

// DecisionMaker consults the decision oracle behind the circuit breaker.
type DecisionMaker interface {
	MakeAIDecision(ctx context.Context, rc *engine.RunContext, req engine.DecisionRequest) (*engine.DecisionResult, error)
}

// defaultHumanRoles receive exceptions no rule claims.
var defaultHumanRoles = []string{schema.RoleOps, schema.RoleAdmin}

// escalationRoles receive escalated exceptions.
var escalationRoles = []string{schema.RoleAdmin, schema.RoleExec}

// openStatuses are the states a resolution may start from.
var openStatuses = []schema.ExceptionStatus{
	schema.ExceptionOpen,
	schema.ExceptionInProgress,
	schema.ExceptionEscalated,
}

// Handler records exceptions and applies the first matching rule.
type Handler struct {
	store      store.Store
	runs       RunController
	decider    DecisionMaker
	conditions *expressions.CELEngine
	notifier   notify.Notifier
	logger     *slog.Logger
	now        func() time.Time
}

var _ engine.ExceptionHandler = (*Handler)(nil)

// NewHandler wires the rule engine. decider and conditions may be nil: rules
// using ai_decide then route to humans and rule conditions never match.
func NewHandler(s store.Store, runs RunController, decider DecisionMaker, conditions *expressions.CELEngine,
	notifier notify.Notifier, logger *slog.Logger) *Handler {
	if notifier == nil {
		notifier = notify.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      s,
		runs:       runs,
		decider:    decider,
		conditions: conditions,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "exceptions")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleException logs an ExceptionRecord, then resolves it with the active
// rule of lowest priority number whose condition holds. With no matching rule
// the exception is routed to ops and admin.
func (h *Handler) HandleException(ctx context.Context, runID string, ex engine.ExceptionInput) (*store.ExceptionRecord, error) {
	if ex.Type == "" || ex.Title == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "exception needs a type and a title").WithRun(runID)
	}
	if ex.Severity == "" {
		ex.Severity = schema.SeverityMedium
	}

	now := h.now()
	rec := &store.ExceptionRecord{
		ID:          uuid.New().String(),
		RunID:       runID,
		Type:        ex.Type,
		Severity:    ex.Severity,
		Title:       ex.Title,
		Description: ex.Description,
		Payload:     ex.Payload,
		EntityType:  ex.EntityType,
		EntityID:    ex.EntityID,
		Status:      schema.ExceptionOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateException(ctx, rec); err != nil {
		return nil, fmt.Errorf("record exception: %w", err)
	}
	h.logger.WarnContext(ctx, "exception raised",
		slog.String("exception_id", rec.ID),
		slog.String("type", rec.Type),
		slog.String("severity", string(rec.Severity)),
	)
	h.appendEvent(ctx, rec, schema.EventExceptionRaised, rec.Severity)

	rule, err := h.matchRule(ctx, rec)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load exception rules", slog.String("error", err.Error()))
	}
	if rule == nil {
		return h.routeToHuman(ctx, rec, nil, defaultHumanRoles)
	}
	h.logger.InfoContext(ctx, "exception rule matched",
		slog.String("exception_id", rec.ID),
		slog.String("rule_id", rule.ID),
		slog.String("strategy", string(rule.Strategy)),
	)

	switch rule.Strategy {
	case schema.StrategyAutoResolve:
		return h.resolve(ctx, rec, rule, schema.StrategyAutoResolve, rule.AutoAction, "auto-resolved by rule "+rule.ID)
	case schema.StrategyAIDecide:
		return h.aiDecide(ctx, rec, rule)
	case schema.StrategyEscalate:
		return h.escalate(ctx, rec, rule)
	case schema.StrategyNotifyAndContinue:
		h.notify(ctx, rec, rolesOr(rule.NotifyRoles, defaultHumanRoles), false)
		return h.resolve(ctx, rec, rule, schema.StrategyNotifyAndContinue, "notified", "notified and continued")
	case schema.StrategyHaltWorkflow:
		return h.halt(ctx, rec, rule)
	default:
		return h.routeToHuman(ctx, rec, rule, rolesOr(rule.NotifyRoles, defaultHumanRoles))
	}
}

// matchRule returns the first active rule, by ascending priority, whose
// condition holds. A rule whose condition fails to evaluate is skipped.
func (h *Handler) matchRule(ctx context.Context, rec *store.ExceptionRecord) (*store.ExceptionRule, error) {
	rules, err := h.store.ListExceptionRules(ctx, rec.Type)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"type":     rec.Type,
		"severity": string(rec.Severity),
		"payload":  rec.Payload,
		"entity":   map[string]any{"type": rec.EntityType, "id": rec.EntityID},
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if rule.Condition == "" {
			return rule, nil
		}
		if h.conditions == nil {
			continue
		}
		ok, err := expressions.EvaluateBool(ctx, h.conditions, rule.Condition, data)
		if err != nil {
			h.logger.WarnContext(ctx, "exception rule condition failed",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			return rule, nil
		}
	}
	return nil, nil
}

func (h *Handler) aiDecide(ctx context.Context, rec *store.ExceptionRecord, rule *store.ExceptionRule) (*store.ExceptionRecord, error) {
	if h.decider == nil {
		return h.routeToHuman(ctx, rec, rule, rolesOr(rule.NotifyRoles, defaultHumanRoles))
	}

	var rc *engine.RunContext
	if rec.RunID != "" {
		rc = &engine.RunContext{Run: &store.WorkflowRun{ID: rec.RunID}}
	}
	decision, err := h.decider.MakeAIDecision(ctx, rc, engine.DecisionRequest{
		DecisionType: "exception_resolution",
		Question:     fmt.Sprintf("How should the %s exception %q be resolved?", rec.Type, rec.Title),
		Context: map[string]any{
			"type":        rec.Type,
			"severity":    string(rec.Severity),
			"description": rec.Description,
			"payload":     rec.Payload,
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
		},
		Options: schema.ExceptionDecisionOptions,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "AI exception decision unavailable, routing to human",
			slog.String("exception_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return h.routeToHuman(ctx, rec, rule, rolesOr(rule.NotifyRoles, defaultHumanRoles))
	}

	notes := fmt.Sprintf("%s (confidence %.0f)", decision.Reasoning, decision.Confidence)
	if decision.Confidence > schema.AutoResolveConfidence {
		return h.resolve(ctx, rec, rule, schema.StrategyAIDecide, decision.Decision, notes)
	}

	status := schema.ExceptionInProgress
	strategy := schema.StrategyAIDecide
	err = h.store.UpdateException(ctx, rec.ID, store.ExceptionUpdate{
		FromStatus:       openStatuses,
		Status:           &status,
		RuleID:           &rule.ID,
		ResolutionType:   &strategy,
		ResolutionAction: &decision.Decision,
		ResolutionNotes:  &notes,
	})
	if err != nil {
		return nil, err
	}
	rec.Status = status
	rec.RuleID = rule.ID
	rec.ResolutionType = strategy
	rec.ResolutionAction = decision.Decision
	rec.ResolutionNotes = notes
	h.notify(ctx, rec, rolesOr(rule.NotifyRoles, defaultHumanRoles), false)
	return rec, nil
}

func (h *Handler) escalate(ctx context.Context, rec *store.ExceptionRecord, rule *store.ExceptionRule) (*store.ExceptionRecord, error) {
	status := schema.ExceptionEscalated
	severity := schema.SeverityHigh
	strategy := schema.StrategyEscalate
	err := h.store.UpdateException(ctx, rec.ID, store.ExceptionUpdate{
		FromStatus:     openStatuses,
		Status:         &status,
		Severity:       &severity,
		RuleID:         &rule.ID,
		ResolutionType: &strategy,
	})
	if err != nil {
		return nil, err
	}
	rec.Status = status
	rec.Severity = severity
	rec.RuleID = rule.ID
	rec.ResolutionType = strategy
	h.notify(ctx, rec, escalationRoles, true)
	return rec, nil
}

func (h *Handler) halt(ctx context.Context, rec *store.ExceptionRecord, rule *store.ExceptionRule) (*store.ExceptionRecord, error) {
	strategy := schema.StrategyHaltWorkflow
	err := h.store.UpdateException(ctx, rec.ID, store.ExceptionUpdate{
		FromStatus:     openStatuses,
		RuleID:         &rule.ID,
		ResolutionType: &strategy,
	})
	if err != nil {
		return nil, err
	}
	rec.RuleID = rule.ID
	rec.ResolutionType = strategy

	if rec.RunID != "" && h.runs != nil {
		reason := fmt.Sprintf("halted by %s exception: %s", rec.Type, rec.Title)
		if err := h.runs.FailRun(ctx, rec.RunID, reason); err != nil {
			h.logger.ErrorContext(ctx, "failed to halt run",
				slog.String("exception_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	h.notify(ctx, rec, rolesOr(rule.NotifyRoles, defaultHumanRoles), true)
	return rec, nil
}

func (h *Handler) routeToHuman(ctx context.Context, rec *store.ExceptionRecord, rule *store.ExceptionRule,
	roles []string) (*store.ExceptionRecord, error) {
	strategy := schema.StrategyRouteToHuman
	update := store.ExceptionUpdate{FromStatus: openStatuses, ResolutionType: &strategy}
	if rule != nil {
		update.RuleID = &rule.ID
		rec.RuleID = rule.ID
	}
	if err := h.store.UpdateException(ctx, rec.ID, update); err != nil {
		return nil, err
	}
	rec.ResolutionType = strategy
	h.notify(ctx, rec, roles, rec.Severity == schema.SeverityHigh || rec.Severity == schema.SeverityCritical)
	return rec, nil
}

func (h *Handler) resolve(ctx context.Context, rec *store.ExceptionRecord, rule *store.ExceptionRule,
	strategy schema.ResolutionStrategy, action, notes string) (*store.ExceptionRecord, error) {
	status := schema.ExceptionResolved
	now := h.now()
	resolver := "system"
	update := store.ExceptionUpdate{
		FromStatus:       openStatuses,
		Status:           &status,
		ResolutionType:   &strategy,
		ResolutionAction: &action,
		ResolvedBy:       &resolver,
		ResolutionNotes:  &notes,
		ResolvedAt:       &now,
	}
	if rule != nil {
		update.RuleID = &rule.ID
		rec.RuleID = rule.ID
	}
	if err := h.store.UpdateException(ctx, rec.ID, update); err != nil {
		return nil, err
	}
	rec.Status = status
	rec.ResolutionType = strategy
	rec.ResolutionAction = action
	rec.ResolvedBy = resolver
	rec.ResolutionNotes = notes
	rec.ResolvedAt = &now
	h.appendEvent(ctx, rec, schema.EventExceptionResolved, schema.SeverityLow)
	return rec, nil
}

// ResolveException closes an exception by hand.
func (h *Handler) ResolveException(ctx context.Context, id, resolver, action, notes string) (*store.ExceptionRecord, error) {
	rec, err := h.store.GetException(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == schema.ExceptionResolved {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "exception %s is already resolved", id)
	}
	status := schema.ExceptionResolved
	now := h.now()
	err = h.store.UpdateException(ctx, id, store.ExceptionUpdate{
		FromStatus:       openStatuses,
		Status:           &status,
		ResolutionAction: &action,
		ResolvedBy:       &resolver,
		ResolutionNotes:  &notes,
		ResolvedAt:       &now,
	})
	if err != nil {
		return nil, err
	}
	rec.Status = status
	rec.ResolutionAction = action
	rec.ResolvedBy = resolver
	rec.ResolutionNotes = notes
	rec.ResolvedAt = &now
	h.appendEvent(ctx, rec, schema.EventExceptionResolved, schema.SeverityLow)
	return rec, nil
}

// List returns exceptions matching filter.
func (h *Handler) List(ctx context.Context, filter store.ExceptionFilter) ([]*store.ExceptionRecord, error) {
	return h.store.ListExceptions(ctx, filter)
}

func (h *Handler) notify(ctx context.Context, rec *store.ExceptionRecord, roles []string, email bool) {
	notify.Deliver(ctx, h.notifier, h.logger, notify.Message{
		Title:     fmt.Sprintf("[%s] %s", rec.Severity, rec.Title),
		Message:   exceptionSummary(rec),
		Roles:     roles,
		SendEmail: email,
		ActionURL: "/exceptions/" + rec.ID,
	})
}

func (h *Handler) appendEvent(ctx context.Context, rec *store.ExceptionRecord, eventType string, sev schema.Severity) {
	payload := map[string]any{
		"exception_id":   rec.ID,
		"exception_type": rec.Type,
		"status":         string(rec.Status),
	}
	if rec.RunID != "" {
		payload[schema.PayloadRunID] = rec.RunID
	}
	err := h.store.AppendEvent(ctx, &store.DomainEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Severity:     sev,
		SourceEntity: "exception",
		SourceID:     rec.ID,
		Payload:      payload,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to append exception event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func exceptionSummary(rec *store.ExceptionRecord) string {
	msg := fmt.Sprintf("%s exception", rec.Type)
	if rec.EntityType != "" {
		msg += fmt.Sprintf(" on %s %s", rec.EntityType, rec.EntityID)
	}
	if rec.Description != "" {
		msg += ": " + rec.Description
	}
	if rec.ResolutionAction != "" {
		msg += fmt.Sprintf(" (suggested action: %s)", rec.ResolutionAction)
	}
	return msg
}

func rolesOr(roles, fallback []string) []string {
	if len(roles) > 0 {
		return roles
	}
	return fallback
}
