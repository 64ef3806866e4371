package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

const approvalColumns = `id, run_id, entity_type, entity_id, amount, description, ai_recommendation, ai_confidence,
	risk_tier, tier, level, status, assigned_roles, assigned_users, escalation_level, escalate_at, resume_from_step,
	resolved_by, resolution_notes, resolved_at, created_at, updated_at`

func (s *LibSQLStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	roles, err := marshalList(req.AssignedRoles)
	if err != nil {
		return fmt.Errorf("marshal assigned_roles: %w", err)
	}
	users, err := marshalList(req.AssignedUsers)
	if err != nil {
		return fmt.Errorf("marshal assigned_users: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, nullStr(req.RunID), req.EntityType, nullStr(req.EntityID), req.Amount, nullStr(req.Description),
		nullStr(req.AIRecommendation), nullFloat(req.AIConfidence), string(req.RiskTier), string(req.Tier),
		req.Level, string(req.Status), roles, users, req.EscalationLevel, nullTime(req.EscalateAt),
		req.ResumeFromStep, nullStr(req.ResolvedBy), nullStr(req.ResolutionNotes), nullTime(req.ResolvedAt),
		timeOrNow(req.CreatedAt), timeOrNow(req.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval request", id)
	}
	return req, err
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedRoles != nil {
		roles, err := marshalList(update.AssignedRoles)
		if err != nil {
			return fmt.Errorf("marshal assigned_roles: %w", err)
		}
		sets = append(sets, "assigned_roles = ?")
		args = append(args, roles)
	}
	if update.EscalationLevel != nil {
		// Escalation level never decreases.
		sets = append(sets, "escalation_level = MAX(escalation_level, ?)")
		args = append(args, *update.EscalationLevel)
	}
	if update.EscalateAt != nil {
		sets = append(sets, "escalate_at = ?")
		args = append(args, *update.EscalateAt)
	}
	if update.ResolvedBy != nil {
		sets = append(sets, "resolved_by = ?")
		args = append(args, *update.ResolvedBy)
	}
	if update.ResolutionNotes != nil {
		sets = append(sets, "resolution_notes = ?")
		args = append(args, *update.ResolutionNotes)
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, *update.ResolvedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	query := fmt.Sprintf("UPDATE approval_requests SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if len(update.FromStatus) > 0 {
		query += " AND status IN (" + inPlaceholders(len(update.FromStatus)) + ")"
		for _, st := range update.FromStatus {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if len(update.FromStatus) > 0 {
		return s.checkConditional(ctx, res, "approval_requests", "approval request", id)
	}
	return checkRowsAffected(res, "approval request", id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	var where []string
	var args []any

	if len(filter.Status) > 0 {
		where = append(where, "status IN ("+inPlaceholders(len(filter.Status))+")")
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Role != "" {
		// Roles are stored as a JSON array of strings.
		where = append(where, "assigned_roles LIKE ?")
		args = append(args, `%"`+filter.Role+`"%`)
	}
	if filter.EscalateBefore != nil {
		where = append(where, "escalate_at IS NOT NULL AND escalate_at <= ?")
		args = append(args, *filter.EscalateBefore)
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func scanApproval(sc scanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var (
		runID, entityID, description, recommendation sql.NullString
		roles, users, resolvedBy, notes              sql.NullString
		riskTier, tier, status                       string
		confidence                                   sql.NullFloat64
		escalateAt, resolvedAt                       sql.NullTime
	)
	err := sc.Scan(&req.ID, &runID, &req.EntityType, &entityID, &req.Amount, &description, &recommendation,
		&confidence, &riskTier, &tier, &req.Level, &status, &roles, &users, &req.EscalationLevel, &escalateAt,
		&req.ResumeFromStep, &resolvedBy, &notes, &resolvedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.RunID = runID.String
	req.EntityID = entityID.String
	req.Description = description.String
	req.AIRecommendation = recommendation.String
	req.RiskTier = schema.RiskTier(riskTier)
	req.Tier = schema.ApprovalTier(tier)
	req.Status = schema.ApprovalStatus(status)
	req.ResolvedBy = resolvedBy.String
	req.ResolutionNotes = notes.String
	req.EscalateAt = timePtr(escalateAt)
	req.ResolvedAt = timePtr(resolvedAt)
	if confidence.Valid {
		req.AIConfidence = &confidence.Float64
	}
	if err := unmarshalNullable(roles, &req.AssignedRoles); err != nil {
		return nil, fmt.Errorf("unmarshal assigned_roles: %w", err)
	}
	if err := unmarshalNullable(users, &req.AssignedUsers); err != nil {
		return nil, fmt.Errorf("unmarshal assigned_users: %w", err)
	}
	return req, nil
}

// --- Thresholds ---

func (s *LibSQLStore) UpsertThreshold(ctx context.Context, th *ApprovalThreshold) error {
	var encoded [4]any
	for i, roles := range [][]string{th.Level1Roles, th.Level2Roles, th.Level3Roles, th.ExecutiveRoles} {
		v, err := marshalList(roles)
		if err != nil {
			return fmt.Errorf("marshal threshold roles: %w", err)
		}
		encoded[i] = v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_thresholds (entity_type, auto_approve_max, level1_max, level2_max, level3_max,
		   level1_roles, level2_roles, level3_roles, executive_roles, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type) DO UPDATE SET auto_approve_max=excluded.auto_approve_max,
		   level1_max=excluded.level1_max, level2_max=excluded.level2_max, level3_max=excluded.level3_max,
		   level1_roles=excluded.level1_roles, level2_roles=excluded.level2_roles,
		   level3_roles=excluded.level3_roles, executive_roles=excluded.executive_roles,
		   updated_at=excluded.updated_at`,
		th.EntityType, th.AutoApproveMax, th.Level1Max, th.Level2Max, th.Level3Max,
		encoded[0], encoded[1], encoded[2], encoded[3], time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetThreshold(ctx context.Context, entityType string) (*ApprovalThreshold, error) {
	th := &ApprovalThreshold{}
	var l1, l2, l3, exec sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, auto_approve_max, level1_max, level2_max, level3_max,
		   level1_roles, level2_roles, level3_roles, executive_roles, updated_at
		 FROM approval_thresholds WHERE entity_type = ?`, entityType,
	).Scan(&th.EntityType, &th.AutoApproveMax, &th.Level1Max, &th.Level2Max, &th.Level3Max,
		&l1, &l2, &l3, &exec, &th.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval threshold", entityType)
	}
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw sql.NullString
		dst *[]string
	}{{l1, &th.Level1Roles}, {l2, &th.Level2Roles}, {l3, &th.Level3Roles}, {exec, &th.ExecutiveRoles}} {
		if err := unmarshalNullable(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("unmarshal threshold roles: %w", err)
		}
	}
	return th, nil
}
