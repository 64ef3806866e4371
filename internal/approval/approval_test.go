package approval

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcheng510/ai-erp-system-sub003/internal/engine"
	"github.com/jcheng510/ai-erp-system-sub003/internal/notify"
	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRuns struct {
	awaited  []string
	resumed  []string
	rejected map[string]string
}

func (f *fakeRuns) AwaitApproval(_ context.Context, runID, approvalID string, _ int) error {
	f.awaited = append(f.awaited, runID+"/"+approvalID)
	return nil
}

func (f *fakeRuns) ResumeAfterApproval(_ context.Context, runID string) (*schema.WorkflowResult, error) {
	f.resumed = append(f.resumed, runID)
	return &schema.WorkflowResult{RunID: runID, Success: true, Status: schema.RunStatusCompleted}, nil
}

func (f *fakeRuns) RejectRun(_ context.Context, runID, reason string) error {
	if f.rejected == nil {
		f.rejected = map[string]string{}
	}
	f.rejected[runID] = reason
	return nil
}

type inbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (i *inbox) Notify(_ context.Context, msg notify.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	return nil
}

func (i *inbox) Messages() []notify.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]notify.Message(nil), i.msgs...)
}

var poThreshold = &store.ApprovalThreshold{
	EntityType:     "purchase_order",
	AutoApproveMax: 500,
	Level1Max:      5000,
	Level2Max:      25000,
	Level1Roles:    []string{"buyer"},
	Level2Roles:    []string{"controller"},
	ExecutiveRoles: []string{"cfo"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		amount float64
		tier   schema.ApprovalTier
		level  int
		roles  []string
	}{
		{100, schema.TierAutoApprove, 0, nil},
		{500, schema.TierAutoApprove, 0, nil},
		{500.01, schema.TierLevel1, 1, []string{"buyer"}},
		{5000, schema.TierLevel1, 1, []string{"buyer"}},
		{15250, schema.TierLevel2, 2, []string{"controller"}},
		{25000, schema.TierLevel2, 2, []string{"controller"}},
		{30000, schema.TierExecutive, 4, []string{"cfo"}},
	}
	for _, tt := range tests {
		req := Classify(poThreshold, tt.amount)
		assert.Equal(t, tt.tier, req.Tier, "amount %.2f", tt.amount)
		assert.Equal(t, tt.level, req.Level, "amount %.2f", tt.amount)
		assert.Equal(t, tt.roles, req.Roles, "amount %.2f", tt.amount)
		assert.Equal(t, tt.tier != schema.TierAutoApprove, req.Required)
		assert.Equal(t, tt.tier == schema.TierAutoApprove, req.AutoApprove)
	}
}

func TestClassify_LevelThreeAndRoleFallback(t *testing.T) {
	th := &store.ApprovalThreshold{EntityType: "invoice", AutoApproveMax: 100, Level1Max: 1000, Level2Max: 10000, Level3Max: 50000}
	req := Classify(th, 40000)
	assert.Equal(t, schema.TierLevel3, req.Tier)
	assert.Equal(t, 3, req.Level)
	assert.Equal(t, []string{schema.RoleExec}, req.Roles)

	req = Classify(th, 800)
	assert.Equal(t, []string{schema.RoleOps}, req.Roles)
}

func TestCheckApprovalRequired_DefaultPolicy(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), &fakeRuns{}, nil, Config{}, quietLogger())

	req, err := svc.CheckApprovalRequired(context.Background(), "freight_quote", 499)
	require.NoError(t, err)
	assert.True(t, req.AutoApprove)
	assert.False(t, req.Required)

	req, err = svc.CheckApprovalRequired(context.Background(), "freight_quote", 750)
	require.NoError(t, err)
	assert.True(t, req.Required)
	assert.Equal(t, 1, req.Level)
	assert.Equal(t, []string{schema.RoleOps}, req.Roles)
}

func TestRequestApproval_AutoApproved(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertThreshold(context.Background(), poThreshold))
	runs := &fakeRuns{}
	box := &inbox{}
	svc := NewService(s, runs, box, Config{}, quietLogger())

	out, err := svc.RequestApproval(context.Background(), "run-1", engine.ApprovalInput{
		EntityType: "purchase_order", EntityID: "PO-1", Amount: 120,
	})
	require.NoError(t, err)
	assert.True(t, out.AutoApproved)
	assert.False(t, out.Required)
	assert.Empty(t, runs.awaited)
	assert.Empty(t, box.Messages())

	rec, err := s.GetApproval(context.Background(), out.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalAutoApproved, rec.Status)
	assert.Equal(t, "system", rec.ResolvedBy)
	assert.Contains(t, rec.ResolutionNotes, "auto-approve limit")
	assert.NotNil(t, rec.ResolvedAt)
}

func TestRequestApproval_Validation(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), &fakeRuns{}, nil, Config{}, quietLogger())
	_, err := svc.RequestApproval(context.Background(), "run-1", engine.ApprovalInput{Amount: 10})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = svc.RequestApproval(context.Background(), "run-1", engine.ApprovalInput{EntityType: "po", Amount: -1})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRequestApproval_SuspendsRunAtLevelTwo(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertThreshold(ctx, poThreshold))

	var issued int
	proc := engine.ProcessorFunc(func(ctx context.Context, h engine.Handle, rc *engine.RunContext) (*schema.WorkflowResult, error) {
		if !rc.ApprovalGranted {
			out, err := h.RequestApproval(ctx, rc, engine.ApprovalInput{
				EntityType:       "purchase_order",
				EntityID:         "PO-2291",
				Amount:           15250,
				AIRecommendation: "approve",
				AIConfidence:     schema.Float(72),
				StepNumber:       1,
			})
			if err != nil {
				return nil, err
			}
			if out.Required {
				return &schema.WorkflowResult{Success: true, RequiresApproval: true}, nil
			}
		}
		h.RecordStep(ctx, rc, engine.Step{Number: 2, Name: "issue_po", Run: func(context.Context) (*engine.StepOutcome, error) {
			issued++
			return nil, nil
		}})
		return &schema.WorkflowResult{Success: true, ItemsProcessed: 1, TotalValue: schema.Float(15250)}, nil
	})
	reg, err := engine.NewRegistry(map[string]engine.Processor{"po_generation": proc})
	require.NoError(t, err)
	eng := engine.NewEngine(s, reg, nil, nil, nil, engine.Config{}, quietLogger())
	box := &inbox{}
	svc := NewService(s, eng, box, Config{}, quietLogger())
	eng.SetApprovalService(svc)

	require.NoError(t, s.UpsertDefinition(ctx, &store.WorkflowDefinition{
		ID: "def-po", Name: "PO generation", WorkflowType: "po_generation",
		TriggerType: schema.TriggerManual, MaxConcurrent: 1, Active: true,
	}))

	res, err := eng.StartWorkflow(ctx, "def-po", "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAwaitingApproval, res.Status)
	require.NotEmpty(t, res.ApprovalID)

	rec, err := s.GetApproval(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, rec.Status)
	assert.Equal(t, 2, rec.Level)
	assert.Equal(t, []string{"controller"}, rec.AssignedRoles)
	assert.Equal(t, schema.RiskMedium, rec.RiskTier)
	require.NotNil(t, rec.EscalateAt)
	assert.WithinDuration(t, rec.CreatedAt.Add(time.Hour), *rec.EscalateAt, time.Second)

	msgs := box.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"controller"}, msgs[0].Roles)
	assert.Contains(t, msgs[0].Message, "PO-2291")

	pending, err := svc.ListPending(ctx, "controller", 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	resolution, err := svc.ProcessApproval(ctx, res.ApprovalID, true, "dana", "budgeted")
	require.NoError(t, err)
	require.NotNil(t, resolution.Run)
	assert.True(t, resolution.Run.Success)
	assert.Equal(t, 1, issued)

	run, err := s.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestProcessApproval_RejectAndConflict(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	runs := &fakeRuns{}
	svc := NewService(s, runs, nil, Config{}, quietLogger())

	out, err := svc.RequestApproval(ctx, "run-7", engine.ApprovalInput{EntityType: "invoice", Amount: 9000})
	require.NoError(t, err)
	require.True(t, out.Required)
	assert.Equal(t, []string{"run-7/" + out.ApprovalID}, runs.awaited)

	res, err := svc.ProcessApproval(ctx, out.ApprovalID, false, "sam", "duplicate invoice")
	require.NoError(t, err)
	assert.Nil(t, res.Run)
	assert.Equal(t, schema.ApprovalRejected, res.Approval.Status)
	assert.Contains(t, runs.rejected["run-7"], "duplicate invoice")
	assert.Empty(t, runs.resumed)

	_, err = svc.ProcessApproval(ctx, out.ApprovalID, true, "sam", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = svc.ProcessApproval(ctx, "missing", true, "sam", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEscalateOverdue(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	box := &inbox{}
	svc := NewService(s, &fakeRuns{}, box, Config{}, quietLogger())
	clock := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	out, err := svc.RequestApproval(ctx, "", engine.ApprovalInput{EntityType: "invoice", Amount: 1200})
	require.NoError(t, err)
	require.True(t, out.Required)
	initial := len(box.Messages())

	n, err := svc.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deadline not reached")

	expect := []struct {
		advance time.Duration
		level   int
		roles   []string
	}{
		{61 * time.Minute, 1, []string{schema.RoleOps, schema.RoleAdmin}},
		{2 * time.Hour, 2, []string{schema.RoleAdmin, schema.RoleExec}},
		{2 * time.Hour, 3, []string{schema.RoleExec}},
		{2 * time.Hour, 3, []string{schema.RoleExec}},
	}
	for _, step := range expect {
		clock = clock.Add(step.advance)
		n, err := svc.EscalateOverdue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := s.GetApproval(ctx, out.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, schema.ApprovalEscalated, rec.Status)
		assert.Equal(t, step.level, rec.EscalationLevel)
		assert.Equal(t, step.roles, rec.AssignedRoles)
		assert.Equal(t, clock.Add(2*time.Hour), *rec.EscalateAt)

		// Nothing is due again until the new window closes.
		clock = clock.Add(time.Minute)
		n, err = svc.EscalateOverdue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		clock = clock.Add(-time.Minute)
	}
	assert.Len(t, box.Messages(), initial+len(expect))

	_, err = svc.ProcessApproval(ctx, out.ApprovalID, true, "exec-1", "")
	require.NoError(t, err)
	clock = clock.Add(3 * time.Hour)
	n, err = svc.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "resolved requests never escalate")
}
