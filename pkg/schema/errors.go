package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeConnection         = "CONNECTION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeOracleFailed       = "ORACLE_FAILED"
	ErrCodeConcurrencyLimit   = "CONCURRENCY_LIMIT"
	ErrCodeBusinessRule       = "BUSINESS_RULE"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeUnknownProcessor   = "UNKNOWN_PROCESSOR"
	ErrCodeInactiveDefinition = "INACTIVE_DEFINITION"
	ErrCodeApprovalRejected   = "APPROVAL_REJECTED"
)

// retryableCodes are the infrastructure failures worth another attempt.
var retryableCodes = map[string]bool{
	ErrCodeTimeout:      true,
	ErrCodeConnection:   true,
	ErrCodeCircuitOpen:  true,
	ErrCodeOracleFailed: true,
}

// EngineError is the structured error type returned across the orchestration engine.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error represents a transient infrastructure failure.
func (e *EngineError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *EngineError) WithRun(runID string) *EngineError {
	e.RunID = runID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsCode reports whether err wraps an EngineError with the given code.
func IsCode(err error, code string) bool {
	var engErr *EngineError
	return errors.As(err, &engErr) && engErr.Code == code
}
