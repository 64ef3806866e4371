package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/orchestrator.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

const definitionColumns = `id, name, description, workflow_type, trigger_type, schedule, trigger_events, depends_on,
	threshold, retry_max_attempts, retry_base_delay_ms, max_concurrent, active, last_run_at, next_run_at,
	success_count, failure_count, created_at, updated_at`

func (s *LibSQLStore) UpsertDefinition(ctx context.Context, def *WorkflowDefinition) error {
	events, err := marshalList(def.TriggerEvents)
	if err != nil {
		return fmt.Errorf("marshal trigger_events: %w", err)
	}
	deps, err := marshalList(def.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	threshold, err := marshalOptional(def.Threshold)
	if err != nil {
		return fmt.Errorf("marshal threshold: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (`+definitionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		   workflow_type=excluded.workflow_type, trigger_type=excluded.trigger_type, schedule=excluded.schedule,
		   trigger_events=excluded.trigger_events, depends_on=excluded.depends_on, threshold=excluded.threshold,
		   retry_max_attempts=excluded.retry_max_attempts, retry_base_delay_ms=excluded.retry_base_delay_ms,
		   max_concurrent=excluded.max_concurrent, active=excluded.active,
		   next_run_at=COALESCE(workflow_definitions.next_run_at, excluded.next_run_at),
		   updated_at=excluded.updated_at`,
		def.ID, def.Name, nullStr(def.Description), def.WorkflowType, string(def.TriggerType), nullStr(def.Schedule),
		events, deps, threshold, def.Retry.MaxAttempts, def.Retry.BaseDelay.Milliseconds(), def.MaxConcurrent,
		def.Active, nullTime(def.LastRunAt), nullTime(def.NextRunAt), def.SuccessCount, def.FailureCount,
		timeOrNow(def.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	return def, err
}

func (s *LibSQLStore) GetDefinitionByType(ctx context.Context, workflowType string) (*WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE workflow_type = ?
		 ORDER BY active DESC, created_at ASC LIMIT 1`, workflowType)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition for type", workflowType)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.TriggerType != nil {
		where = append(where, "trigger_type = ?")
		args = append(args, string(*filter.TriggerType))
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	if filter.DueBefore != nil {
		where = append(where, "next_run_at IS NOT NULL AND next_run_at <= ?")
		args = append(args, *filter.DueBefore)
	}

	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) UpdateDefinition(ctx context.Context, id string, update DefinitionUpdate) error {
	var sets []string
	var args []any

	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *update.Active)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.AddSuccess != 0 {
		sets = append(sets, "success_count = success_count + ?")
		args = append(args, update.AddSuccess)
	}
	if update.AddFailure != 0 {
		sets = append(sets, "failure_count = failure_count + ?")
		args = append(args, update.AddFailure)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_definitions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

func scanDefinition(sc scanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var (
		description, schedule, events, deps, threshold sql.NullString
		triggerType                                    string
		baseDelayMs                                    int64
		lastRun, nextRun                               sql.NullTime
	)
	err := sc.Scan(&def.ID, &def.Name, &description, &def.WorkflowType, &triggerType, &schedule, &events, &deps,
		&threshold, &def.Retry.MaxAttempts, &baseDelayMs, &def.MaxConcurrent, &def.Active, &lastRun, &nextRun,
		&def.SuccessCount, &def.FailureCount, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.Description = description.String
	def.Schedule = schedule.String
	def.TriggerType = schema.TriggerType(triggerType)
	def.Retry.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	def.LastRunAt = timePtr(lastRun)
	def.NextRunAt = timePtr(nextRun)
	if err := unmarshalNullable(events, &def.TriggerEvents); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_events: %w", err)
	}
	if err := unmarshalNullable(deps, &def.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if threshold.Valid && threshold.String != "" {
		def.Threshold = &schema.ThresholdSpec{}
		if err := json.Unmarshal([]byte(threshold.String), def.Threshold); err != nil {
			return nil, fmt.Errorf("unmarshal threshold: %w", err)
		}
	}
	return def, nil
}

// --- Runs ---

const runColumns = `id, definition_id, workflow_type, run_number, status, trigger_source, attempt, parent_run_id,
	input, output, items_processed, items_succeeded, items_failed, total_value, tokens_used, error_message,
	dead_lettered, resume_from_step, approval_id, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	input, err := marshalMap(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMap(run.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, run.WorkflowType, run.RunNumber, string(run.Status), run.TriggerSource,
		run.Attempt, nullStr(run.ParentRunID), input, output, run.ItemsProcessed, run.ItemsSucceeded,
		run.ItemsFailed, nullFloat(run.TotalValue), run.TokensUsed, nullStr(run.ErrorMessage), run.DeadLettered,
		run.ResumeFromStep, nullStr(run.ApprovalID), timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
		timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		out, err := marshalMap(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, out)
	}
	if update.ItemsProcessed != nil {
		sets = append(sets, "items_processed = ?")
		args = append(args, *update.ItemsProcessed)
	}
	if update.ItemsSucceeded != nil {
		sets = append(sets, "items_succeeded = ?")
		args = append(args, *update.ItemsSucceeded)
	}
	if update.ItemsFailed != nil {
		sets = append(sets, "items_failed = ?")
		args = append(args, *update.ItemsFailed)
	}
	if update.TotalValue != nil {
		sets = append(sets, "total_value = ?")
		args = append(args, *update.TotalValue)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.DeadLettered != nil {
		sets = append(sets, "dead_lettered = ?")
		args = append(args, *update.DeadLettered)
	}
	if update.ResumeFromStep != nil {
		sets = append(sets, "resume_from_step = ?")
		args = append(args, *update.ResumeFromStep)
	}
	if update.ApprovalID != nil {
		sets = append(sets, "approval_id = ?")
		args = append(args, *update.ApprovalID)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.AddTokens != 0 {
		sets = append(sets, "tokens_used = tokens_used + ?")
		args = append(args, update.AddTokens)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if update.FromStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.FromStatus))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if update.FromStatus != nil {
		return s.checkConditional(ctx, res, "workflow_runs", "workflow run", id)
	}
	return checkRowsAffected(res, "workflow run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any

	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DeadLettered != nil {
		where = append(where, "dead_lettered = ?")
		args = append(args, *filter.DeadLettered)
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(sc scanner) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var (
		status                                  string
		parentID, input, output, errMsg, apprID sql.NullString
		totalValue                              sql.NullFloat64
		completedAt                             sql.NullTime
	)
	err := sc.Scan(&run.ID, &run.DefinitionID, &run.WorkflowType, &run.RunNumber, &status, &run.TriggerSource,
		&run.Attempt, &parentID, &input, &output, &run.ItemsProcessed, &run.ItemsSucceeded, &run.ItemsFailed,
		&totalValue, &run.TokensUsed, &errMsg, &run.DeadLettered, &run.ResumeFromStep, &apprID,
		&run.StartedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.ParentRunID = parentID.String
	run.ErrorMessage = errMsg.String
	run.ApprovalID = apprID.String
	run.CompletedAt = timePtr(completedAt)
	if totalValue.Valid {
		run.TotalValue = &totalValue.Float64
	}
	if err := unmarshalNullable(input, &run.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := unmarshalNullable(output, &run.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	return run, nil
}

// --- Steps ---

func (s *LibSQLStore) UpsertStep(ctx context.Context, step *WorkflowStep) error {
	input, err := marshalMap(step.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	output, err := marshalMap(step.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	created, err := marshalList(step.EntitiesCreated)
	if err != nil {
		return fmt.Errorf("marshal entities_created: %w", err)
	}
	modified, err := marshalList(step.EntitiesModified)
	if err != nil {
		return fmt.Errorf("marshal entities_modified: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, run_id, step_number, name, type, status, input, output, ai_response,
		   ai_confidence, ai_tokens, entities_created, entities_modified, error_message, duration_ms, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, output=excluded.output, ai_response=excluded.ai_response,
		   ai_confidence=excluded.ai_confidence, ai_tokens=excluded.ai_tokens, entities_created=excluded.entities_created,
		   entities_modified=excluded.entities_modified, error_message=excluded.error_message,
		   duration_ms=excluded.duration_ms, completed_at=excluded.completed_at`,
		step.ID, step.RunID, step.StepNumber, step.Name, step.Type, string(step.Status), input, output,
		nullStr(step.AIResponse), nullFloat(step.AIConfidence), step.AITokens, created, modified,
		nullStr(step.ErrorMessage), step.DurationMs, timeOrNow(step.StartedAt), nullTime(step.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_number, name, type, status, input, output, ai_response, ai_confidence, ai_tokens,
		   entities_created, entities_modified, error_message, duration_ms, started_at, completed_at
		 FROM workflow_steps WHERE run_id = ? ORDER BY step_number ASC, started_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		st := &WorkflowStep{}
		var (
			status                                               string
			input, output, aiResp, created, modified, errMessage sql.NullString
			confidence                                           sql.NullFloat64
			completedAt                                          sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepNumber, &st.Name, &st.Type, &status, &input, &output,
			&aiResp, &confidence, &st.AITokens, &created, &modified, &errMessage, &st.DurationMs,
			&st.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		st.Status = schema.StepStatus(status)
		st.AIResponse = aiResp.String
		st.ErrorMessage = errMessage.String
		st.CompletedAt = timePtr(completedAt)
		if confidence.Valid {
			st.AIConfidence = &confidence.Float64
		}
		if err := unmarshalNullable(input, &st.Input); err != nil {
			return nil, fmt.Errorf("unmarshal step input: %w", err)
		}
		if err := unmarshalNullable(output, &st.Output); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
		if err := unmarshalNullable(created, &st.EntitiesCreated); err != nil {
			return nil, fmt.Errorf("unmarshal entities_created: %w", err)
		}
		if err := unmarshalNullable(modified, &st.EntitiesModified); err != nil {
			return nil, fmt.Errorf("unmarshal entities_modified: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Decisions ---

func (s *LibSQLStore) CreateDecision(ctx context.Context, dec *Decision) error {
	options, err := marshalList(dec.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, run_id, decision_type, context_prompt, options, chosen, reasoning, confidence, tokens_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, nullStr(dec.RunID), dec.DecisionType, dec.ContextPrompt, options, dec.Chosen,
		nullStr(dec.Reasoning), dec.Confidence, dec.TokensUsed, timeOrNow(dec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDecisions(ctx context.Context, runID string) ([]*Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, decision_type, context_prompt, options, chosen, reasoning, confidence, tokens_used, created_at
		 FROM decisions WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d := &Decision{}
		var run, options, reasoning sql.NullString
		if err := rows.Scan(&d.ID, &run, &d.DecisionType, &d.ContextPrompt, &options, &d.Chosen, &reasoning,
			&d.Confidence, &d.TokensUsed, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.RunID = run.String
		d.Reasoning = reasoning.String
		if err := unmarshalNullable(options, &d.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q is not in the expected state", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// checkConditional distinguishes a missing row from a failed status precondition.
func (s *LibSQLStore) checkConditional(ctx context.Context, res sql.Result, table, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE id = ?", table), id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return storeNotFound(resource, id)
	}
	return storeConflict(resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalList[T any](list []T) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalOptional[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNullable(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
