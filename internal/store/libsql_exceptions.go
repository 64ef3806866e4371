package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

const exceptionColumns = `id, run_id, type, severity, title, description, payload, entity_type, entity_id, rule_id,
	status, resolution_type, resolution_action, resolved_by, resolution_notes, created_at, updated_at, resolved_at`

func (s *LibSQLStore) CreateException(ctx context.Context, rec *ExceptionRecord) error {
	payload, err := marshalMap(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exceptions (`+exceptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullStr(rec.RunID), rec.Type, string(rec.Severity), rec.Title, nullStr(rec.Description), payload,
		nullStr(rec.EntityType), nullStr(rec.EntityID), nullStr(rec.RuleID), string(rec.Status),
		nullStr(string(rec.ResolutionType)), nullStr(rec.ResolutionAction), nullStr(rec.ResolvedBy),
		nullStr(rec.ResolutionNotes), timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt), nullTime(rec.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetException(ctx context.Context, id string) (*ExceptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id = ?`, id)
	rec, err := scanException(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("exception", id)
	}
	return rec, err
}

func (s *LibSQLStore) UpdateException(ctx context.Context, id string, update ExceptionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Severity != nil {
		sets = append(sets, "severity = ?")
		args = append(args, string(*update.Severity))
	}
	if update.RuleID != nil {
		sets = append(sets, "rule_id = ?")
		args = append(args, *update.RuleID)
	}
	if update.ResolutionType != nil {
		sets = append(sets, "resolution_type = ?")
		args = append(args, string(*update.ResolutionType))
	}
	if update.ResolutionAction != nil {
		sets = append(sets, "resolution_action = ?")
		args = append(args, *update.ResolutionAction)
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

	query := fmt.Sprintf("UPDATE exceptions SET %s WHERE id = ?", strings.Join(sets, ", "))
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
		return s.checkConditional(ctx, res, "exceptions", "exception", id)
	}
	return checkRowsAffected(res, "exception", id)
}

func (s *LibSQLStore) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]*ExceptionRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}

	query := `SELECT ` + exceptionColumns + ` FROM exceptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ExceptionRecord
	for rows.Next() {
		rec, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanException(sc scanner) (*ExceptionRecord, error) {
	rec := &ExceptionRecord{}
	var (
		runID, description, payload, entityType, entityID, ruleID sql.NullString
		resType, resAction, resolvedBy, notes                     sql.NullString
		severity, status                                          string
		resolvedAt                                                sql.NullTime
	)
	err := sc.Scan(&rec.ID, &runID, &rec.Type, &severity, &rec.Title, &description, &payload, &entityType,
		&entityID, &ruleID, &status, &resType, &resAction, &resolvedBy, &notes, &rec.CreatedAt, &rec.UpdatedAt,
		&resolvedAt)
	if err != nil {
		return nil, err
	}
	rec.RunID = runID.String
	rec.Severity = schema.Severity(severity)
	rec.Description = description.String
	rec.EntityType = entityType.String
	rec.EntityID = entityID.String
	rec.RuleID = ruleID.String
	rec.Status = schema.ExceptionStatus(status)
	rec.ResolutionType = schema.ResolutionStrategy(resType.String)
	rec.ResolutionAction = resAction.String
	rec.ResolvedBy = resolvedBy.String
	rec.ResolutionNotes = notes.String
	rec.ResolvedAt = timePtr(resolvedAt)
	if err := unmarshalNullable(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return rec, nil
}

// --- Rules ---

func (s *LibSQLStore) UpsertExceptionRule(ctx context.Context, rule *ExceptionRule) error {
	roles, err := marshalList(rule.NotifyRoles)
	if err != nil {
		return fmt.Errorf("marshal notify_roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exception_rules (id, exception_type, priority, strategy, condition_expr, auto_action, notify_roles, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET exception_type=excluded.exception_type, priority=excluded.priority,
		   strategy=excluded.strategy, condition_expr=excluded.condition_expr, auto_action=excluded.auto_action,
		   notify_roles=excluded.notify_roles, active=excluded.active`,
		rule.ID, rule.ExceptionType, rule.Priority, string(rule.Strategy), nullStr(rule.Condition),
		nullStr(rule.AutoAction), roles, rule.Active,
	)
	return err
}

// ListExceptionRules returns active rules for the type ordered by ascending priority.
func (s *LibSQLStore) ListExceptionRules(ctx context.Context, exceptionType string) ([]*ExceptionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exception_type, priority, strategy, condition_expr, auto_action, notify_roles, active
		 FROM exception_rules WHERE exception_type = ? AND active = 1 ORDER BY priority ASC, id ASC`, exceptionType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*ExceptionRule
	for rows.Next() {
		r := &ExceptionRule{}
		var strategy string
		var condition, action, roles sql.NullString
		if err := rows.Scan(&r.ID, &r.ExceptionType, &r.Priority, &strategy, &condition, &action, &roles,
			&r.Active); err != nil {
			return nil, err
		}
		r.Strategy = schema.ResolutionStrategy(strategy)
		r.Condition = condition.String
		r.AutoAction = action.String
		if err := unmarshalNullable(roles, &r.NotifyRoles); err != nil {
			return nil, fmt.Errorf("unmarshal notify_roles: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
