// Package approval implements monetary-threshold approvals and their
// escalation through role tiers.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// RunController is the slice of the run engine the approval service drives.
type RunController interface {
	AwaitApproval(ctx context.Context, runID, approvalID string, resumeFromStep int) error
	ResumeAfterApproval(ctx context.Context, runID string) (*schema.WorkflowResult, error)
	RejectRun(ctx context.Context, runID, reason string) error
}

// Config holds approval timing.
type Config struct {
	// EscalationWindow is the deadline given to a new request.
	EscalationWindow time.Duration `mapstructure:"escalation_window"`
	// ReescalationWindow is the deadline reset after each escalation.
	ReescalationWindow time.Duration `mapstructure:"reescalation_window"`
}

// DefaultConfig returns a 60 minute first deadline and 2 hour re-escalation window.
func DefaultConfig() Config {
	return Config{
		EscalationWindow:   60 * time.Minute,
		ReescalationWindow: 2 * time.Hour,
	}
}

// DefaultThreshold is applied to entity types with no configured threshold.
func DefaultThreshold(entityType string) *store.ApprovalThreshold {
	return &store.ApprovalThreshold{
		EntityType:     entityType,
		AutoApproveMax: 500,
		Level1Max:      5000,
		Level2Max:      25000,
		Level3Max:      100000,
		Level1Roles:    []string{schema.RoleOps},
		Level2Roles:    []string{schema.RoleAdmin},
		Level3Roles:    []string{schema.RoleExec},
		ExecutiveRoles: []string{schema.RoleExec},
	}
}

// Requirement is the outcome of bucketing an amount against a threshold.
type Requirement struct {
	Required    bool                `json:"required"`
	AutoApprove bool                `json:"auto_approve"`
	Tier        schema.ApprovalTier `json:"tier"`
	Level       int                 `json:"level"`
	Roles       []string            `json:"roles,omitempty"`
}

// Classify buckets amount into a tier. Bands with a zero maximum are skipped.
func Classify(th *store.ApprovalThreshold, amount float64) Requirement {
	fallback := DefaultThreshold(th.EntityType)
	pick := func(tier schema.ApprovalTier, roles, def []string) Requirement {
		if len(roles) == 0 {
			roles = def
		}
		return Requirement{Required: true, Tier: tier, Level: tier.Level(), Roles: roles}
	}

	switch {
	case amount <= th.AutoApproveMax:
		return Requirement{AutoApprove: true, Tier: schema.TierAutoApprove}
	case th.Level1Max > 0 && amount <= th.Level1Max:
		return pick(schema.TierLevel1, th.Level1Roles, fallback.Level1Roles)
	case th.Level2Max > 0 && amount <= th.Level2Max:
		return pick(schema.TierLevel2, th.Level2Roles, fallback.Level2Roles)
	case th.Level3Max > 0 && amount <= th.Level3Max:
		return pick(schema.TierLevel3, th.Level3Roles, fallback.Level3Roles)
	}
	return pick(schema.TierExecutive, th.ExecutiveRoles, fallback.ExecutiveRoles)
}

// Service creates, resolves and escalates approval requests.
type Service struct {
	store    store.Store
	runs     RunController
	notifier notify.Notifier
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

var _ engine.ApprovalRequester = (*Service)(nil)

// NewService wires an approval service. notifier may be nil.
func NewService(s store.Store, runs RunController, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = def.EscalationWindow
	}
	if cfg.ReescalationWindow <= 0 {
		cfg.ReescalationWindow = def.ReescalationWindow
	}
	if notifier == nil {
		notifier = notify.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		runs:     runs,
		notifier: notifier,
		config:   cfg,
		logger:   logger.With(slog.String("component", "approval")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckApprovalRequired buckets amount against the entity type's threshold,
// falling back to DefaultThreshold when none is configured.
func (s *Service) CheckApprovalRequired(ctx context.Context, entityType string, amount float64) (*Requirement, error) {
	th, err := s.store.GetThreshold(ctx, entityType)
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		th = DefaultThreshold(entityType)
	case err != nil:
		return nil, fmt.Errorf("load approval threshold: %w", err)
	}
	req := Classify(th, amount)
	return &req, nil
}

// RequestApproval records an approval request for runID. Amounts within the
// auto-approve band are resolved immediately with an audit note. Otherwise a
// pending request is written, the run is suspended to resume after
// in.StepNumber, and the assigned roles are notified.
func (s *Service) RequestApproval(ctx context.Context, runID string, in engine.ApprovalInput) (*engine.ApprovalOutcome, error) {
	if in.EntityType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval request needs an entity type").WithRun(runID)
	}
	if in.Amount < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "negative approval amount %.2f", in.Amount).WithRun(runID)
	}
	reqmt, err := s.CheckApprovalRequired(ctx, in.EntityType, in.Amount)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &store.ApprovalRequest{
		ID:               uuid.New().String(),
		RunID:            runID,
		EntityType:       in.EntityType,
		EntityID:         in.EntityID,
		Amount:           in.Amount,
		Description:      in.Description,
		AIRecommendation: in.AIRecommendation,
		AIConfidence:     in.AIConfidence,
		RiskTier:         schema.RiskFromConfidence(in.AIConfidence),
		Tier:             reqmt.Tier,
		Level:            reqmt.Level,
		AssignedRoles:    reqmt.Roles,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	outcome := &engine.ApprovalOutcome{
		ApprovalID: rec.ID,
		Tier:       reqmt.Tier,
		Level:      reqmt.Level,
		Roles:      reqmt.Roles,
	}

	if reqmt.AutoApprove {
		rec.Status = schema.ApprovalAutoApproved
		rec.ResolvedBy = "system"
		rec.ResolvedAt = &now
		rec.ResolutionNotes = fmt.Sprintf("auto-approved: %.2f is within the auto-approve limit for %s", in.Amount, in.EntityType)
		if err := s.store.CreateApproval(ctx, rec); err != nil {
			return nil, fmt.Errorf("record auto-approval: %w", err)
		}
		outcome.AutoApproved = true
		s.logger.InfoContext(ctx, "approval auto-granted",
			slog.String("approval_id", rec.ID),
			slog.String("entity_type", in.EntityType),
			slog.Float64("amount", in.Amount),
		)
		return outcome, nil
	}

	escalateAt := now.Add(s.config.EscalationWindow)
	rec.Status = schema.ApprovalPending
	rec.EscalateAt = &escalateAt
	rec.ResumeFromStep = in.StepNumber + 1
	if err := s.store.CreateApproval(ctx, rec); err != nil {
		return nil, fmt.Errorf("record approval request: %w", err)
	}
	if runID != "" {
		if err := s.runs.AwaitApproval(ctx, runID, rec.ID, rec.ResumeFromStep); err != nil {
			return nil, fmt.Errorf("suspend run for approval: %w", err)
		}
	}
	outcome.Required = true

	s.logger.InfoContext(ctx, "approval requested",
		slog.String("approval_id", rec.ID),
		slog.String("tier", string(rec.Tier)),
		slog.Int("level", rec.Level),
		slog.Float64("amount", in.Amount),
	)
	notify.Deliver(ctx, s.notifier, s.logger, notify.Message{
		Title: fmt.Sprintf("Approval required: %s %.2f", in.EntityType, in.Amount),
		Message: fmt.Sprintf("%s requires level %d approval. %s",
			describe(rec), rec.Level, recommendation(rec)),
		Roles:     rec.AssignedRoles,
		SendEmail: true,
		ActionURL: "/approvals/" + rec.ID,
	})
	s.appendEvent(ctx, rec, schema.EventApprovalRequested, schema.SeverityMedium, nil)
	return outcome, nil
}

// Resolution is the outcome of ProcessApproval.
type Resolution struct {
	Approval *store.ApprovalRequest `json:"approval"`
	// Run is the resumed run's result; nil on rejection or for requests
	// without an owning run.
	Run *schema.WorkflowResult `json:"run,omitempty"`
}

// ProcessApproval records a human decision. Approval resumes the owning run
// past the approval point; rejection terminates it as rejected.
func (s *Service) ProcessApproval(ctx context.Context, id string, approved bool, resolver, notes string) (*Resolution, error) {
	rec, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsOpen() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval %s is already %s", id, rec.Status)
	}

	status := schema.ApprovalRejected
	if approved {
		status = schema.ApprovalApproved
	}
	now := s.now()
	err = s.store.UpdateApproval(ctx, id, store.ApprovalUpdate{
		FromStatus:      []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated},
		Status:          &status,
		ResolvedBy:      &resolver,
		ResolutionNotes: &notes,
		ResolvedAt:      &now,
	})
	if err != nil {
		return nil, err
	}
	rec.Status = status
	rec.ResolvedBy = resolver
	rec.ResolutionNotes = notes
	rec.ResolvedAt = &now

	s.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", id),
		slog.String("status", string(status)),
		slog.String("resolver", resolver),
	)
	s.appendEvent(ctx, rec, schema.EventApprovalResolved, schema.SeverityLow, map[string]any{
		"status":      string(status),
		"resolved_by": resolver,
	})

	res := &Resolution{Approval: rec}
	if rec.RunID == "" {
		return res, nil
	}
	if !approved {
		reason := fmt.Sprintf("approval %s rejected by %s", id, resolver)
		if notes != "" {
			reason += ": " + notes
		}
		if err := s.runs.RejectRun(ctx, rec.RunID, reason); err != nil {
			return res, fmt.Errorf("reject run %s: %w", rec.RunID, err)
		}
		return res, nil
	}
	run, err := s.runs.ResumeAfterApproval(ctx, rec.RunID)
	res.Run = run
	if err != nil {
		return res, fmt.Errorf("resume run %s: %w", rec.RunID, err)
	}
	return res, nil
}

// ListPending returns open requests, optionally restricted to one assigned role.
func (s *Service) ListPending(ctx context.Context, role string, limit int) ([]*store.ApprovalRequest, error) {
	return s.store.ListApprovals(ctx, store.ApprovalFilter{
		Status: []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated},
		Role:   role,
		Limit:  limit,
	})
}

func (s *Service) appendEvent(ctx context.Context, rec *store.ApprovalRequest, eventType string,
	sev schema.Severity, extra map[string]any) {
	payload := map[string]any{
		"approval_id": rec.ID,
		"entity_type": rec.EntityType,
		"amount":      rec.Amount,
		"level":       rec.Level,
	}
	if rec.RunID != "" {
		payload[schema.PayloadRunID] = rec.RunID
	}
	for k, v := range extra {
		payload[k] = v
	}
	err := s.store.AppendEvent(ctx, &store.DomainEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Severity:     sev,
		SourceEntity: "approval_request",
		SourceID:     rec.ID,
		Payload:      payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to append approval event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func describe(rec *store.ApprovalRequest) string {
	d := fmt.Sprintf("%s %.2f", rec.EntityType, rec.Amount)
	if rec.EntityID != "" {
		d = fmt.Sprintf("%s %s (%.2f)", rec.EntityType, rec.EntityID, rec.Amount)
	}
	if rec.Description != "" {
		d += ": " + rec.Description
	}
	return d
}

func recommendation(rec *store.ApprovalRequest) string {
	if rec.AIRecommendation == "" {
		return "No AI recommendation."
	}
	if rec.AIConfidence == nil {
		return fmt.Sprintf("AI recommends %s (risk %s).", rec.AIRecommendation, rec.RiskTier)
	}
	return fmt.Sprintf("AI recommends %s at %.0f%% confidence (risk %s).",
		rec.AIRecommendation, *rec.AIConfidence, rec.RiskTier)
}
