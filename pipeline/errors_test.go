// ABOUTME: Tests for the error taxonomy's retryability and unwrap behavior.
package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", NewValidationError("field", "bad"), false},
		{"timeout", NewTimeoutError("slow", time.Second), true},
		{"transient", NewTransientError("flaky", nil), true},
		{"circuit open", NewCircuitOpenError(StepToolCall), false},
		{"rate limit", NewRateLimitError("u1", time.Now()), false},
		{"already executing", NewAlreadyExecutingError("p1"), false},
		{"plain error defaults retryable", errors.New("boom"), true},
		{"wrapped validation", fmt.Errorf("outer: %w", NewValidationError("f", "bad")), false},
		{"wrapped transient", fmt.Errorf("outer: %w", NewTransientError("flaky", nil)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %t, want %t", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewTransientError("call failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}

	var te *TransientError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &te) {
		t.Error("errors.As should find TransientError through wrapping")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("query", "must not be empty")
	want := "validation: query: must not be empty"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
