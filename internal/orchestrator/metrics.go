package orchestrator

import (
	"context"
	"fmt"

	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// Built-in metric names reported by StoreMetrics.
const (
	MetricPendingApprovals   = "pending_approvals"
	MetricEscalatedApprovals = "escalated_approvals"
	MetricOpenExceptions     = "open_exceptions"
	MetricFailedRuns         = "failed_runs"
	MetricDeadLetteredRuns   = "dead_lettered_runs"
)

// StoreMetrics derives operational metrics from the store, so threshold
// definitions can react to backlog without an external metrics feed.
type StoreMetrics struct {
	store store.Store
	// Window caps how many rows each count inspects.
	window int
}

// NewStoreMetrics returns a MetricSource counting at most window rows per metric.
func NewStoreMetrics(s store.Store, window int) *StoreMetrics {
	if window <= 0 {
		window = 1000
	}
	return &StoreMetrics{store: s, window: window}
}

var _ MetricSource = (*StoreMetrics)(nil)

// Snapshot counts open approvals, open exceptions and failed runs.
func (m *StoreMetrics) Snapshot(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, 5)

	pending, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
		Status: []schema.ApprovalStatus{schema.ApprovalPending},
		Limit:  m.window,
	})
	if err != nil {
		return nil, fmt.Errorf("count pending approvals: %w", err)
	}
	out[MetricPendingApprovals] = float64(len(pending))

	escalated, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
		Status: []schema.ApprovalStatus{schema.ApprovalEscalated},
		Limit:  m.window,
	})
	if err != nil {
		return nil, fmt.Errorf("count escalated approvals: %w", err)
	}
	out[MetricEscalatedApprovals] = float64(len(escalated))

	open := schema.ExceptionOpen
	exceptions, err := m.store.ListExceptions(ctx, store.ExceptionFilter{Status: &open, Limit: m.window})
	if err != nil {
		return nil, fmt.Errorf("count open exceptions: %w", err)
	}
	out[MetricOpenExceptions] = float64(len(exceptions))

	failed := schema.RunStatusFailed
	runs, err := m.store.ListRuns(ctx, store.RunFilter{Status: &failed, Limit: m.window})
	if err != nil {
		return nil, fmt.Errorf("count failed runs: %w", err)
	}
	out[MetricFailedRuns] = float64(len(runs))

	deadLettered := true
	dead, err := m.store.ListRuns(ctx, store.RunFilter{DeadLettered: &deadLettered, Limit: m.window})
	if err != nil {
		return nil, fmt.Errorf("count dead-lettered runs: %w", err)
	}
	out[MetricDeadLetteredRuns] = float64(len(dead))
	return out, nil
}
