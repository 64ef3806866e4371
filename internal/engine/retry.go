package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// transientPatterns are message fragments of infrastructure failures raised by
// collaborators that do not return typed errors.
var transientPatterns = []string{
	"econnrefused",
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"circuit breaker",
	"oracle",
	"service unavailable",
	"bad gateway",
	"too many requests",
}

// IsTransientError classifies whether a failed attempt is worth retrying.
// Transient: timeouts, connection failures, open circuit, oracle invocation failures.
// Everything else, business-rule rejections included, is permanent.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the process is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// MaxBackoff caps the delay between attempts however many are configured.
const MaxBackoff = 24 * time.Hour

// ComputeBackoff returns the delay before the attempt after `attempt`:
// base × 2^(attempt-1), with attempt counted from 1, never above MaxBackoff.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	delay := min(base, MaxBackoff)
	for i := 1; i < attempt && delay < MaxBackoff; i++ {
		delay = min(delay*2, MaxBackoff)
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
