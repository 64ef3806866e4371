package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcheng510/ai-erp-system-sub003/internal/logging"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "orchestrator.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 8, cfg.StagePoolSize)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 10*time.Second, cfg.API.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.Loops.ScheduleInterval)
	assert.Equal(t, 10*time.Second, cfg.Loops.EventInterval)
	assert.Equal(t, 3, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Engine.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Engine.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Hour, cfg.Approval.EscalationWindow)
	assert.Equal(t, OracleNone, cfg.Oracle.Provider)
	assert.False(t, cfg.SMTP.Enabled())
	assert.Empty(t, cfg.Processors)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/orch/orch.db
catalog_path: catalog.yaml
api:
  listen_addr: ":7000"
  api_key: s3cret
loops:
  event_interval: 30s
engine:
  retry:
    max_attempts: 5
    base_delay: 2m
  dead_letter_roles: [admin]
oracle:
  provider: http
  endpoint: http://oracle.local/decide
  timeout: 5s
smtp:
  host: smtp.local
  from: orchestrator@example.com
  roles:
    ops: [ops@example.com]
processors:
  demand_forecasting:
    kind: remote
    url: http://forecast.local/run
    timeout: 1m
`), 0o644))

	t.Setenv("ORCH_API_LISTEN_ADDR", ":9090")
	t.Setenv("ORCH_POOL_SIZE", "4")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/orch/orch.db", cfg.DBPath)
	assert.Equal(t, "catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, "s3cret", cfg.API.APIKey)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Loops.EventInterval)
	assert.Equal(t, time.Minute, cfg.Loops.ScheduleInterval)
	assert.Equal(t, 5, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Engine.Retry.BaseDelay)
	assert.Equal(t, []string{"admin"}, cfg.Engine.DeadLetterRoles)
	assert.Equal(t, OracleHTTP, cfg.Oracle.Provider)
	assert.Equal(t, "http://oracle.local/decide", cfg.Oracle.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Oracle.Timeout)
	assert.True(t, cfg.SMTP.Enabled())
	assert.Equal(t, []string{"ops@example.com"}, cfg.SMTP.Roles["ops"])

	require.Contains(t, cfg.Processors, "demand_forecasting")
	binding := cfg.Processors["demand_forecasting"]
	assert.Equal(t, "remote", binding.Kind)
	assert.Equal(t, "http://forecast.local/run", binding.URL)
	assert.Equal(t, time.Minute, binding.Timeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	tests := []struct {
		name string
		yaml string
	}{
		{"http oracle without endpoint", "oracle:\n  provider: http\n"},
		{"unknown oracle", "oracle:\n  provider: crystal_ball\n"},
		{"zero pool", "pool_size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := loadConfig(path)
			assert.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	logger = newLogger(&buf, "debug", "json")
	ctx := logging.WithRun(context.Background(), "def-1", "run-1")
	logger.DebugContext(ctx, "tick")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "tick", record["msg"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "def-1", record["definition_id"])
}

func TestParseInput(t *testing.T) {
	input, err := parseInput("")
	require.NoError(t, err)
	assert.Nil(t, input)

	input, err = parseInput(`{"horizon_days": 14}`)
	require.NoError(t, err)
	assert.Equal(t, float64(14), input["horizon_days"])

	_, err = parseInput(`[1,2]`)
	assert.Error(t, err)
}
