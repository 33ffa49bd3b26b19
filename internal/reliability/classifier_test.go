package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestClassify(t *testing.T) {
	wrappedTimeout := fmt.Errorf("tts: %w", context.DeadlineExceeded)
	if got := Classify(wrappedTimeout); got != ReasonTimeout {
		t.Fatalf("Classify(timeout) = %q, want %q", got, ReasonTimeout)
	}
	if got := Classify(context.Canceled); got != ReasonCancelled {
		t.Fatalf("Classify(cancelled) = %q, want %q", got, ReasonCancelled)
	}
	overload := &CallError{Capability: "llm", Reason: ReasonForStatus(429), Status: 429, Retryable: true, Err: errors.New("slow down")}
	if got := Classify(fmt.Errorf("wrap: %w", overload)); got != ReasonOverload {
		t.Fatalf("Classify(429) = %q, want %q", got, ReasonOverload)
	}
	if !IsRetryable(overload) {
		t.Fatalf("IsRetryable(429) = false, want true")
	}
	if got := Classify(errors.New("boom")); got != ReasonTransport {
		t.Fatalf("Classify(plain) = %q, want %q", got, ReasonTransport)
	}
	if got := Classify(nil); got != "" {
		t.Fatalf("Classify(nil) = %q, want empty", got)
	}
}
