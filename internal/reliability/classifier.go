package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reason labels why a capability call did not produce a usable result.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
	ReasonOverload  Reason = "overload"
	ReasonUpstream  Reason = "upstream_error"
	ReasonClient    Reason = "client_error"
	ReasonTransport Reason = "transport_error"
	ReasonEmpty     Reason = "empty_result"
)

// CallError is the normalized failure of a single backend call.
type CallError struct {
	Capability string
	Reason     Reason
	Status     int
	Retryable  bool
	Err        error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Capability, e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Capability, e.Reason, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ReasonForStatus maps a non-2xx status onto a failure reason.
func ReasonForStatus(code int) Reason {
	switch {
	case code == 429:
		return ReasonOverload
	case code >= 500:
		return ReasonUpstream
	default:
		return ReasonClient
	}
}

// Classify reduces any call error to a reason label suitable for metrics.
func Classify(err error) Reason {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	var ce *CallError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	return ReasonTransport
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
