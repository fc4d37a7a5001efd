// ABOUTME: SafetyRails configuration governing step execution limits, timeouts, breakers, and quotas.
// ABOUTME: Includes exponential backoff delay calculation with a ceiling and optional jitter.
package pipeline

import (
	"math"
	"math/rand/v2"
	"time"
)

// SafetyRails is the static configuration for SafeExecutor. It is config,
// not per-request state; one SafetyRails value is shared by every plan.
type SafetyRails struct {
	MaxStepsPerPlan   int           `yaml:"max_steps_per_plan"`
	MaxRetriesPerStep int           `yaml:"max_retries_per_step"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`

	CircuitBreakerEnabled          bool `yaml:"circuit_breaker_enabled"`
	CircuitBreakerFailureThreshold int  `yaml:"circuit_breaker_failure_threshold"`

	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	RateLimitCount  int           `yaml:"rate_limit_count"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	Backoff BackoffConfig `yaml:"backoff"`

	// MaxParallelTools bounds concurrent tool fan-out. Zero means the default (4).
	MaxParallelTools int `yaml:"max_parallel_tools"`
}

// DefaultSafetyRails returns the rails used when no configuration is supplied.
func DefaultSafetyRails() SafetyRails {
	return SafetyRails{
		MaxStepsPerPlan:                20,
		MaxRetriesPerStep:              2,
		StepTimeout:                    30 * time.Second,
		TotalTimeout:                   2 * time.Minute,
		CircuitBreakerEnabled:          true,
		CircuitBreakerFailureThreshold: 5,
		IdempotencyTTL:                 5 * time.Minute,
		RateLimitCount:                 30,
		RateLimitWindow:                time.Minute,
		Backoff:                        DefaultBackoff(),
		MaxParallelTools:               4,
	}
}

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"` // default 200ms
	Factor    float64       `yaml:"factor"`     // default 2.0
	MaxDelay  time.Duration `yaml:"max_delay"`  // default 10s
	Jitter    bool          `yaml:"jitter"`     // default false
}

// DefaultBackoff returns the default backoff configuration.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 200 * time.Millisecond,
		Factor:    2.0,
		MaxDelay:  10 * time.Second,
	}
}

// DelayForAttempt calculates the delay before retrying after the given attempt
// (0-indexed). The formula is min(BaseDelay * Factor^attempt, MaxDelay).
// If Jitter is enabled, the delay is randomized in [0, calculated_delay].
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}
	baseNanos := float64(b.BaseDelay.Nanoseconds()) * math.Pow(factor, float64(attempt))
	maxNanos := float64(b.MaxDelay.Nanoseconds())
	delayNanos := math.Min(baseNanos, maxNanos)

	if b.Jitter && delayNanos > 0 {
		delayNanos = rand.Float64() * delayNanos
	}

	return time.Duration(int64(delayNanos))
}
