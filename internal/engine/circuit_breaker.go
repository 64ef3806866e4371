package engine

import (
	"sync"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure count at which a closed circuit opens.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before probing in half-open.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	// HalfOpenTrials is the number of calls admitted while half-open.
	HalfOpenTrials int `mapstructure:"half_open_trials"`
}

// DefaultCircuitBreakerConfig returns the decision oracle defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenTrials:   2,
	}
}

// CircuitBreaker guards access to the decision oracle.
// It is safe for concurrent use by parallel runs.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailureTime  time.Time
	halfOpenAttempts int
	config           CircuitBreakerConfig
	now              func() time.Time
	onStateChange    func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenTrials <= 0 {
		config.HalfOpenTrials = def.HalfOpenTrials
	}
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// CanExecute reports whether a call may proceed. An open circuit whose reset
// timeout has elapsed moves to half-open and admits the call as its first trial.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			cb.halfOpenAttempts = 1
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenTrials {
			return false
		}
		cb.halfOpenAttempts++
		return true
	}

	return false
}

// Allow is CanExecute expressed as a CIRCUIT_OPEN error.
func (cb *CircuitBreaker) Allow() *schema.EngineError {
	if cb.CanExecute() {
		return nil
	}
	stats := cb.Stats()
	return schema.NewError(schema.ErrCodeCircuitOpen, "circuit breaker open: decision oracle unavailable").
		WithDetails(stats)
}

// RecordSuccess closes a half-open circuit. In the other states it
// decrements the failure counter by one so recovery is gradual.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.failures = 0
		cb.halfOpenAttempts = 0
		cb.transition(CircuitClosed)
		return
	}
	if cb.failures > 0 {
		cb.failures--
	}
}

// RecordFailure records a failed oracle call and returns the resulting state.
func (cb *CircuitBreaker) RecordFailure() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		// A failed trial re-opens immediately.
		cb.halfOpenAttempts = 0
		cb.transition(CircuitOpen)
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	}
	return cb.state
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current failure counter.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Stats returns diagnostic information about the breaker.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]any{
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": cb.config.FailureThreshold,
		"reset_timeout":     cb.config.ResetTimeout.String(),
	}
	if cb.state == CircuitOpen {
		remaining := cb.config.ResetTimeout - cb.now().Sub(cb.lastFailureTime)
		if remaining < 0 {
			remaining = 0
		}
		stats["reset_remaining"] = remaining.String()
	}
	return stats
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
