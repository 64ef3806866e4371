package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// MemoryStore is an in-process Store used by tests and by ephemeral mode.
// Records are copied on the way in and out so callers never share state with it.
type MemoryStore struct {
	mu            sync.RWMutex
	definitions   map[string]*WorkflowDefinition
	runs          map[string]*WorkflowRun
	steps         map[string]*WorkflowStep
	decisions     []*Decision
	approvals     map[string]*ApprovalRequest
	thresholds    map[string]*ApprovalThreshold
	exceptions    map[string]*ExceptionRecord
	rules         map[string]*ExceptionRule
	events        []*DomainEvent
	notifications []*Notification
	seq           int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*WorkflowDefinition),
		runs:        make(map[string]*WorkflowRun),
		steps:       make(map[string]*WorkflowStep),
		approvals:   make(map[string]*ApprovalRequest),
		thresholds:  make(map[string]*ApprovalThreshold),
		exceptions:  make(map[string]*ExceptionRecord),
		rules:       make(map[string]*ExceptionRule),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Workflow definitions ---

func (m *MemoryStore) UpsertDefinition(_ context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyDefinition(def)
	now := time.Now().UTC()
	cp.UpdatedAt = now
	if existing, ok := m.definitions[def.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.SuccessCount = existing.SuccessCount
		cp.FailureCount = existing.FailureCount
		cp.LastRunAt = existing.LastRunAt
		if existing.NextRunAt != nil {
			cp.NextRunAt = existing.NextRunAt
		}
	} else {
		cp.CreatedAt = timeOrNow(def.CreatedAt)
	}
	m.definitions[def.ID] = cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, storeNotFound("workflow definition", id)
	}
	return copyDefinition(def), nil
}

func (m *MemoryStore) GetDefinitionByType(_ context.Context, workflowType string) (*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *WorkflowDefinition
	for _, def := range m.sortedDefinitions() {
		if def.WorkflowType != workflowType {
			continue
		}
		if best == nil || (def.Active && !best.Active) {
			best = def
		}
	}
	if best == nil {
		return nil, storeNotFound("workflow definition for type", workflowType)
	}
	return copyDefinition(best), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowDefinition
	for _, def := range m.sortedDefinitions() {
		if filter.TriggerType != nil && def.TriggerType != *filter.TriggerType {
			continue
		}
		if filter.ActiveOnly && !def.Active {
			continue
		}
		if filter.DueBefore != nil && (def.NextRunAt == nil || def.NextRunAt.After(*filter.DueBefore)) {
			continue
		}
		out = append(out, copyDefinition(def))
	}
	return out, nil
}

func (m *MemoryStore) UpdateDefinition(_ context.Context, id string, update DefinitionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return storeNotFound("workflow definition", id)
	}
	if update.Active != nil {
		def.Active = *update.Active
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		def.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		def.NextRunAt = &t
	}
	def.SuccessCount += update.AddSuccess
	def.FailureCount += update.AddFailure
	def.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) sortedDefinitions() []*WorkflowDefinition {
	defs := make([]*WorkflowDefinition, 0, len(m.definitions))
	for _, d := range m.definitions {
		defs = append(defs, d)
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].CreatedAt.Before(defs[j].CreatedAt)
	})
	return defs
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow run %q already exists", run.ID)
	}
	cp := copyRun(run)
	cp.StartedAt = timeOrNow(run.StartedAt)
	cp.UpdatedAt = timeOrNow(run.UpdatedAt)
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("workflow run", id)
	}
	return copyRun(run), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return storeNotFound("workflow run", id)
	}
	if update.FromStatus != nil && run.Status != *update.FromStatus {
		return storeConflict("workflow run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = maps.Clone(update.Output)
	}
	if update.ItemsProcessed != nil {
		run.ItemsProcessed = *update.ItemsProcessed
	}
	if update.ItemsSucceeded != nil {
		run.ItemsSucceeded = *update.ItemsSucceeded
	}
	if update.ItemsFailed != nil {
		run.ItemsFailed = *update.ItemsFailed
	}
	if update.TotalValue != nil {
		v := *update.TotalValue
		run.TotalValue = &v
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	if update.DeadLettered != nil {
		run.DeadLettered = *update.DeadLettered
	}
	if update.ResumeFromStep != nil {
		run.ResumeFromStep = *update.ResumeFromStep
	}
	if update.ApprovalID != nil {
		run.ApprovalID = *update.ApprovalID
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		run.CompletedAt = &t
	}
	run.TokensUsed += update.AddTokens
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowRun
	for _, run := range m.runs {
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.DeadLettered != nil && run.DeadLettered != *filter.DeadLettered {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Steps ---

func (m *MemoryStore) UpsertStep(_ context.Context, step *WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	cp.Input = maps.Clone(step.Input)
	cp.Output = maps.Clone(step.Output)
	cp.EntitiesCreated = slices.Clone(step.EntitiesCreated)
	cp.EntitiesModified = slices.Clone(step.EntitiesModified)
	cp.StartedAt = timeOrNow(step.StartedAt)
	m.steps[step.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*WorkflowStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowStep
	for _, st := range m.steps {
		if st.RunID == runID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepNumber == out[j].StepNumber {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].StepNumber < out[j].StepNumber
	})
	return out, nil
}

// --- Decisions ---

func (m *MemoryStore) CreateDecision(_ context.Context, dec *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dec
	cp.Options = slices.Clone(dec.Options)
	cp.CreatedAt = timeOrNow(dec.CreatedAt)
	m.decisions = append(m.decisions, &cp)
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, runID string) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Decision
	for _, d := range m.decisions {
		if d.RunID == runID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(_ context.Context, req *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyApproval(req)
	cp.CreatedAt = timeOrNow(req.CreatedAt)
	cp.UpdatedAt = timeOrNow(req.UpdatedAt)
	m.approvals[req.ID] = cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[id]
	if !ok {
		return nil, storeNotFound("approval request", id)
	}
	return copyApproval(req), nil
}

func (m *MemoryStore) UpdateApproval(_ context.Context, id string, update ApprovalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.approvals[id]
	if !ok {
		return storeNotFound("approval request", id)
	}
	if len(update.FromStatus) > 0 && !slices.Contains(update.FromStatus, req.Status) {
		return storeConflict("approval request", id)
	}
	if update.Status != nil {
		req.Status = *update.Status
	}
	if update.AssignedRoles != nil {
		req.AssignedRoles = slices.Clone(update.AssignedRoles)
	}
	if update.EscalationLevel != nil && *update.EscalationLevel > req.EscalationLevel {
		req.EscalationLevel = *update.EscalationLevel
	}
	if update.EscalateAt != nil {
		t := *update.EscalateAt
		req.EscalateAt = &t
	}
	if update.ResolvedBy != nil {
		req.ResolvedBy = *update.ResolvedBy
	}
	if update.ResolutionNotes != nil {
		req.ResolutionNotes = *update.ResolutionNotes
	}
	if update.ResolvedAt != nil {
		t := *update.ResolvedAt
		req.ResolvedAt = &t
	}
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range m.approvals {
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, req.Status) {
			continue
		}
		if filter.RunID != "" && req.RunID != filter.RunID {
			continue
		}
		if filter.Role != "" && !slices.Contains(req.AssignedRoles, filter.Role) {
			continue
		}
		if filter.EscalateBefore != nil && (req.EscalateAt == nil || req.EscalateAt.After(*filter.EscalateBefore)) {
			continue
		}
		out = append(out, copyApproval(req))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertThreshold(_ context.Context, th *ApprovalThreshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *th
	cp.UpdatedAt = time.Now().UTC()
	m.thresholds[th.EntityType] = &cp
	return nil
}

func (m *MemoryStore) GetThreshold(_ context.Context, entityType string) (*ApprovalThreshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	th, ok := m.thresholds[entityType]
	if !ok {
		return nil, storeNotFound("approval threshold", entityType)
	}
	cp := *th
	return &cp, nil
}

// --- Exceptions ---

func (m *MemoryStore) CreateException(_ context.Context, rec *ExceptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Payload = maps.Clone(rec.Payload)
	cp.CreatedAt = timeOrNow(rec.CreatedAt)
	cp.UpdatedAt = timeOrNow(rec.UpdatedAt)
	m.exceptions[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetException(_ context.Context, id string) (*ExceptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.exceptions[id]
	if !ok {
		return nil, storeNotFound("exception", id)
	}
	cp := *rec
	cp.Payload = maps.Clone(rec.Payload)
	return &cp, nil
}

func (m *MemoryStore) UpdateException(_ context.Context, id string, update ExceptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.exceptions[id]
	if !ok {
		return storeNotFound("exception", id)
	}
	if len(update.FromStatus) > 0 && !slices.Contains(update.FromStatus, rec.Status) {
		return storeConflict("exception", id)
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Severity != nil {
		rec.Severity = *update.Severity
	}
	if update.RuleID != nil {
		rec.RuleID = *update.RuleID
	}
	if update.ResolutionType != nil {
		rec.ResolutionType = *update.ResolutionType
	}
	if update.ResolutionAction != nil {
		rec.ResolutionAction = *update.ResolutionAction
	}
	if update.ResolvedBy != nil {
		rec.ResolvedBy = *update.ResolvedBy
	}
	if update.ResolutionNotes != nil {
		rec.ResolutionNotes = *update.ResolutionNotes
	}
	if update.ResolvedAt != nil {
		t := *update.ResolvedAt
		rec.ResolvedAt = &t
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExceptions(_ context.Context, filter ExceptionFilter) ([]*ExceptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ExceptionRecord
	for _, rec := range m.exceptions {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.RunID != "" && rec.RunID != filter.RunID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertExceptionRule(_ context.Context, rule *ExceptionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rule
	cp.NotifyRoles = slices.Clone(rule.NotifyRoles)
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MemoryStore) ListExceptionRules(_ context.Context, exceptionType string) ([]*ExceptionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ExceptionRule
	for _, r := range m.rules {
		if r.ExceptionType == exceptionType && r.Active {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

// --- Domain events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	event.Seq = m.seq
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	cp.Payload = maps.Clone(event.Payload)
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListUnprocessedEvents(_ context.Context, limit int) ([]*DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DomainEvent
	for _, e := range m.events {
		if e.Processed {
			continue
		}
		cp := *e
		cp.Payload = maps.Clone(e.Payload)
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			now := time.Now().UTC()
			e.Processed = true
			e.ProcessedAt = &now
			return nil
		}
	}
	return storeNotFound("domain event", id)
}

// Events returns every appended event of the given type, processed or not.
// An empty type returns all events.
func (m *MemoryStore) Events(eventType string) []*DomainEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DomainEvent
	for _, e := range m.events {
		if eventType == "" || e.Type == eventType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// --- Notifications ---

func (m *MemoryStore) CreateNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	cp.Roles = slices.Clone(n.Roles)
	cp.CreatedAt = timeOrNow(n.CreatedAt)
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, role string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if role != "" && !slices.Contains(n.Roles, role) {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Copy helpers ---

func copyDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	cp := *def
	cp.TriggerEvents = slices.Clone(def.TriggerEvents)
	cp.DependsOn = slices.Clone(def.DependsOn)
	if def.Threshold != nil {
		th := *def.Threshold
		cp.Threshold = &th
	}
	return &cp
}

func copyRun(run *WorkflowRun) *WorkflowRun {
	cp := *run
	cp.Input = maps.Clone(run.Input)
	cp.Output = maps.Clone(run.Output)
	return &cp
}

func copyApproval(req *ApprovalRequest) *ApprovalRequest {
	cp := *req
	cp.AssignedRoles = slices.Clone(req.AssignedRoles)
	cp.AssignedUsers = slices.Clone(req.AssignedUsers)
	return &cp
}

