// ABOUTME: Tests for backoff delay calculation and rails defaults.
package pipeline

import (
	"testing"
	"time"
)

func TestDelayForAttempt(t *testing.T) {
	b := BackoffConfig{BaseDelay: 200 * time.Millisecond, Factor: 2.0, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{3, 1600 * time.Millisecond},
		{5, 6400 * time.Millisecond},
		{6, 10 * time.Second}, // 12.8s capped
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.DelayForAttempt(tt.attempt); got != tt.want {
			t.Errorf("DelayForAttempt(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayForAttemptJitter(t *testing.T) {
	b := BackoffConfig{BaseDelay: time.Second, Factor: 2.0, MaxDelay: 10 * time.Second, Jitter: true}

	for i := 0; i < 50; i++ {
		got := b.DelayForAttempt(2)
		if got < 0 || got > 4*time.Second {
			t.Fatalf("jittered delay %s outside [0, 4s]", got)
		}
	}
}

func TestDelayForAttemptZeroFactorDefaults(t *testing.T) {
	b := BackoffConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	if got := b.DelayForAttempt(1); got != 200*time.Millisecond {
		t.Errorf("DelayForAttempt(1) = %s, want 200ms with default factor", got)
	}
}

func TestDefaultSafetyRails(t *testing.T) {
	r := DefaultSafetyRails()

	if r.MaxRetriesPerStep != 2 {
		t.Errorf("MaxRetriesPerStep = %d, want 2", r.MaxRetriesPerStep)
	}
	if !r.CircuitBreakerEnabled || r.CircuitBreakerFailureThreshold != 5 {
		t.Errorf("breaker config = %v/%d, want enabled/5", r.CircuitBreakerEnabled, r.CircuitBreakerFailureThreshold)
	}
	if r.IdempotencyTTL != 5*time.Minute {
		t.Errorf("IdempotencyTTL = %s, want 5m", r.IdempotencyTTL)
	}
	if r.RateLimitCount != 30 || r.RateLimitWindow != time.Minute {
		t.Errorf("rate limit = %d/%s, want 30/1m", r.RateLimitCount, r.RateLimitWindow)
	}
	if r.Backoff.Jitter {
		t.Error("Jitter enabled by default; retries must be deterministic")
	}
}
