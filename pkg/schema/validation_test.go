package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("stages[1]", ErrCodeValidation, "stage has no output key")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, IssueWarning, r.Warnings[0].Level)
}

func TestValidationResult_SingleErrorKeepsCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("stages", ErrCodeCycleDetected, "cycle between a and b")

	err := r.ToError()
	require.Error(t, err)

	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, ErrCodeCycleDetected, engErr.Code)
	assert.Equal(t, "cycle between a and b", engErr.Message)
	assert.Equal(t, 1, engErr.Details["error_count"])
}

func TestValidationResult_MultipleErrorsCollapse(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeCycleDetected, "err1")
	other := &ValidationResult{}
	other.AddError("/", ErrCodeValidation, "err2")
	other.AddWarning("/", ErrCodeValidation, "warn1")
	r.Merge(other)
	r.Merge(nil)

	var engErr *EngineError
	require.True(t, errors.As(r.ToError(), &engErr))
	assert.Equal(t, ErrCodeValidation, engErr.Code)
	assert.Contains(t, engErr.Message, "2 errors")
	assert.Equal(t, 1, engErr.Details["warning_count"])
}

func TestValidationResult_MergeAtNestsPaths(t *testing.T) {
	stage := &ValidationResult{}
	stage.AddError("stages[1].depends_on[0]", ErrCodeValidation, "unknown stage")
	stage.AddError("/", ErrCodeValidation, "nil pipeline")
	stage.AddWarning("[0]", ErrCodeValidation, "indexed")

	r := &ValidationResult{}
	r.MergeAt("pipelines[plan]", stage)

	require.Len(t, r.Errors, 2)
	assert.Equal(t, "pipelines[plan].stages[1].depends_on[0]", r.Errors[0].Path)
	assert.Equal(t, "pipelines[plan]", r.Errors[1].Path)
	assert.Equal(t, "pipelines[plan][0]", r.Warnings[0].Path)
	assert.Equal(t, "stages[1].depends_on[0]", stage.Errors[0].Path, "source result is not modified")

	assert.Equal(t, "pipelines[plan]: nil pipeline", r.Errors[1].String())
	assert.Contains(t, r.ToError().Error(), "first: pipelines[plan].stages[1].depends_on[0]: unknown stage")
}

func TestEngineError_Retryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTimeout, "slow").IsRetryable())
	assert.True(t, NewError(ErrCodeCircuitOpen, "open").IsRetryable())
	assert.True(t, NewError(ErrCodeOracleFailed, "boom").IsRetryable())
	assert.False(t, NewError(ErrCodeBusinessRule, "vendor missing").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "bad").IsRetryable())
}

func TestEngineError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewErrorf(ErrCodeConnection, "oracle unreachable").WithRun("run-1").WithCause(cause)

	assert.Equal(t, "[CONNECTION_ERROR] run run-1: oracle unreachable", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestRiskFromConfidence(t *testing.T) {
	assert.Equal(t, RiskMedium, RiskFromConfidence(nil))
	assert.Equal(t, RiskLow, RiskFromConfidence(Float(92)))
	assert.Equal(t, RiskMedium, RiskFromConfidence(Float(60)))
	assert.Equal(t, RiskHigh, RiskFromConfidence(Float(10)))
}

func TestEscalationRoles(t *testing.T) {
	assert.Equal(t, []string{RoleOps, RoleAdmin}, EscalationRoles(1))
	assert.Equal(t, []string{RoleAdmin, RoleExec}, EscalationRoles(2))
	assert.Equal(t, []string{RoleExec}, EscalationRoles(3))
}
