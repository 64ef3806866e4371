package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"connection code", schema.NewError(schema.ErrCodeConnection, "refused"), true},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), true},
		{"oracle failed", schema.NewError(schema.ErrCodeOracleFailed, "503"), true},
		{"business rule", schema.NewError(schema.ErrCodeBusinessRule, "vendor missing"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"business rule mentioning timeout", schema.NewError(schema.ErrCodeBusinessRule, "timeout clause violated"), false},
		{"net error", timeoutErr{}, true},
		{"econnrefused", errors.New("connect ECONNREFUSED 127.0.0.1:5432"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"plain business", errors.New("duplicate purchase order"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := time.Minute
	assert.Equal(t, time.Minute, ComputeBackoff(base, 1))
	assert.Equal(t, 2*time.Minute, ComputeBackoff(base, 2))
	assert.Equal(t, 4*time.Minute, ComputeBackoff(base, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(base, 0))
	assert.Equal(t, time.Duration(0), ComputeBackoff(0, 2))
}

func TestComputeBackoff_CappedForLongRetryPolicies(t *testing.T) {
	for _, attempt := range []int{12, 35, 64, 1000} {
		assert.Equal(t, MaxBackoff, ComputeBackoff(time.Minute, attempt), attempt)
	}
	assert.Equal(t, MaxBackoff, ComputeBackoff(48*time.Hour, 1))
	assert.Equal(t, 512*time.Minute, ComputeBackoff(time.Minute, 10))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
