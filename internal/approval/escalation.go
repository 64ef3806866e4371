package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// EscalateOverdue moves every open request past its deadline one escalation
// level up, capped at schema.MaxEscalationLevel, reassigns it to that level's
// roles and grants a fresh re-escalation window. It returns the number of
// requests escalated. A request resolved concurrently is skipped.
func (s *Service) EscalateOverdue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListApprovals(ctx, store.ApprovalFilter{
		Status:         []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated},
		EscalateBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue approvals: %w", err)
	}

	escalated := 0
	for _, rec := range due {
		level := min(rec.EscalationLevel+1, schema.MaxEscalationLevel)
		roles := schema.EscalationRoles(level)
		status := schema.ApprovalEscalated
		next := now.Add(s.config.ReescalationWindow)

		err := s.store.UpdateApproval(ctx, rec.ID, store.ApprovalUpdate{
			FromStatus:      []schema.ApprovalStatus{schema.ApprovalPending, schema.ApprovalEscalated},
			Status:          &status,
			AssignedRoles:   roles,
			EscalationLevel: &level,
			EscalateAt:      &next,
		})
		if schema.IsCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to escalate approval",
				slog.String("approval_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		rec.Status = status
		rec.EscalationLevel = level
		rec.AssignedRoles = roles
		rec.EscalateAt = &next
		escalated++

		s.logger.WarnContext(ctx, "approval escalated",
			slog.String("approval_id", rec.ID),
			slog.Int("escalation_level", level),
		)
		notify.Deliver(ctx, s.notifier, s.logger, notify.Message{
			Title:     fmt.Sprintf("Escalated approval (level %d): %s %.2f", level, rec.EntityType, rec.Amount),
			Message:   fmt.Sprintf("%s has been waiting since %s and now needs your decision.", describe(rec), rec.CreatedAt.Format("2006-01-02 15:04 MST")),
			Roles:     roles,
			SendEmail: true,
			ActionURL: "/approvals/" + rec.ID,
		})
		s.appendEvent(ctx, rec, schema.EventApprovalEscalated, schema.SeverityHigh, map[string]any{
			"escalation_level": level,
		})
	}
	return escalated, nil
}
