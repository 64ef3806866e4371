package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationValues(t *testing.T) {
	empty := context.Background()
	for _, get := range []func(context.Context) string{RequestID, PipelineID, DefinitionID, RunID, Step} {
		assert.Empty(t, get(empty))
	}
	assert.Empty(t, Attrs(empty))

	ctx := WithRequestID(empty, "req-1")
	ctx = WithPipelineID(ctx, "weekly_replenishment")
	ctx = WithRun(ctx, "demand_forecast", "run-9")
	ctx = WithStep(ctx, "generate_pos")

	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "weekly_replenishment", PipelineID(ctx))
	assert.Equal(t, "demand_forecast", DefinitionID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "generate_pos", Step(ctx))

	var keys []string
	for _, a := range Attrs(ctx) {
		keys = append(keys, a.Key)
	}
	assert.Equal(t, []string{"request_id", "pipeline_id", "definition_id", "run_id", "step"}, keys)
}

func logLines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestLogWith(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name: "run and step",
			ctx:  WithStep(WithRun(context.Background(), "def-a", "run-a"), "match"),
			want: []string{"definition_id=def-a", "run_id=run-a", "step=match"},
		},
		{
			name:    "run only",
			ctx:     WithRunID(context.Background(), "run-only"),
			want:    []string{"run_id=run-only"},
			notWant: []string{"definition_id", "step="},
		},
		{
			name:    "nothing set",
			ctx:     context.Background(),
			notWant: []string{"run_id", "request_id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			LogWith(tt.ctx, logger).Info("bound")

			line := buf.String()
			assert.Contains(t, line, "bound")
			for _, s := range tt.want {
				assert.Contains(t, line, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, line, s)
			}
		})
	}
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).
		With(slog.String("component", "pipeline"))

	ctx := WithPipelineID(WithRequestID(context.Background(), "req-42"), "month_end")
	logger.InfoContext(ctx, "tagged")
	logger.WithGroup("stage").Info("untagged", slog.String("type", "forecast"))

	lines := logLines(&buf)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=pipeline")
	assert.Contains(t, lines[0], "request_id=req-42")
	assert.Contains(t, lines[0], "pipeline_id=month_end")
	assert.NotContains(t, lines[1], "request_id")
	assert.Contains(t, lines[1], "stage.type=forecast")
}
