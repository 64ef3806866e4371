package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jcheng510/ai-erp-system-sub003/internal/engine"

// Metrics holds the engine's OpenTelemetry instruments. With no meter
// provider installed the global no-op provider is used.
type Metrics struct {
	runs        metric.Int64Counter
	retries     metric.Int64Counter
	deadLetters metric.Int64Counter
	tokens      metric.Int64Counter
	breaker     metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics creates instruments on the given meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.runs, err = meter.Int64Counter("orchestrator.runs",
		metric.WithDescription("Workflow runs by final status")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("orchestrator.retries",
		metric.WithDescription("Retry attempts scheduled after transient failures")); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("orchestrator.dead_letters",
		metric.WithDescription("Runs routed to the dead-letter path")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("orchestrator.oracle.tokens",
		metric.WithDescription("Tokens consumed by oracle calls")); err != nil {
		return nil, err
	}
	if m.breaker, err = meter.Int64Counter("orchestrator.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("orchestrator.run.duration",
		metric.WithDescription("Run execution time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordRun(ctx context.Context, workflowType, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow_type", workflowType),
		attribute.String("status", status),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}

func (m *Metrics) recordRetry(ctx context.Context, workflowType string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_type", workflowType)))
}

func (m *Metrics) recordDeadLetter(ctx context.Context, workflowType string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_type", workflowType)))
}

func (m *Metrics) recordTokens(ctx context.Context, decisionType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(ctx, int64(n), metric.WithAttributes(attribute.String("decision_type", decisionType)))
}

func (m *Metrics) recordBreaker(ctx context.Context, from, to CircuitState) {
	if m == nil {
		return
	}
	m.breaker.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}
