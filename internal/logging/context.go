package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	pipelineIDKey
	definitionIDKey
	runIDKey
	stepKey
)

// correlationFields lists the context values attached to log records, in
// output order, with their attribute names.
var correlationFields = []struct {
	key  ctxKey
	attr string
}{
	{requestIDKey, "request_id"},
	{pipelineIDKey, "pipeline_id"},
	{definitionIDKey, "definition_id"},
	{runIDKey, "run_id"},
	{stepKey, "step"},
}

func with(ctx context.Context, key ctxKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID tags ctx with the inbound API request's correlation ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, requestIDKey, id)
}

// WithPipelineID tags ctx with the pipeline whose stages run under it.
func WithPipelineID(ctx context.Context, id string) context.Context {
	return with(ctx, pipelineIDKey, id)
}

func WithDefinitionID(ctx context.Context, id string) context.Context {
	return with(ctx, definitionIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return with(ctx, runIDKey, id)
}

// WithStep tags ctx with the journaled step being executed.
func WithStep(ctx context.Context, name string) context.Context {
	return with(ctx, stepKey, name)
}

// WithRun tags ctx with a workflow run and the definition it belongs to.
func WithRun(ctx context.Context, definitionID, runID string) context.Context {
	return WithRunID(WithDefinitionID(ctx, definitionID), runID)
}

func RequestID(ctx context.Context) string    { return value(ctx, requestIDKey) }
func PipelineID(ctx context.Context) string   { return value(ctx, pipelineIDKey) }
func DefinitionID(ctx context.Context) string { return value(ctx, definitionIDKey) }
func RunID(ctx context.Context) string        { return value(ctx, runIDKey) }
func Step(ctx context.Context) string         { return value(ctx, stepKey) }

// Attrs returns the correlation values set on ctx. Unset ones are omitted.
func Attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range correlationFields {
		if v := value(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith binds the correlation values of ctx to logger, for code that logs
// without passing a context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := Attrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation values of each record's context,
// so logger.InfoContext(ctx, ...) is enough to tag a line.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
