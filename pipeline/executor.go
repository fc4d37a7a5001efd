// ABOUTME: SafeExecutor runs a single step under idempotency, retry, circuit-breaker, rate-limit, and timeout rails.
// ABOUTME: Also owns the active-plan registry and the plan-creation admission checks.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StepFunc is one attempt of a step's underlying action. Implementations
// must honor ctx cancellation so the per-attempt timeout actually aborts
// in-flight I/O rather than merely ignoring its result.
type StepFunc func(ctx context.Context, input map[string]any) (any, error)

// StepResult is the outcome of SafeExecutor.Execute.
type StepResult struct {
	Value     any
	FromCache bool
	Attempts  int
}

// SafeExecutor is the generic engine that runs a single async step under the
// configured safety rails. Shared state lives behind injected store
// interfaces so a shared-store implementation can replace the in-memory ones
// for horizontal scaling.
type SafeExecutor struct {
	rails    SafetyRails
	idem     IdempotencyStore
	breakers BreakerStore
	rate     RateLimitStore

	activeMu sync.Mutex
	active   map[string]struct{}
}

// ExecutorOption configures a SafeExecutor at construction time.
type ExecutorOption func(*SafeExecutor)

// WithIdempotencyStore replaces the in-memory idempotency store.
func WithIdempotencyStore(store IdempotencyStore) ExecutorOption {
	return func(e *SafeExecutor) { e.idem = store }
}

// WithBreakerStore replaces the in-memory breaker store.
func WithBreakerStore(store BreakerStore) ExecutorOption {
	return func(e *SafeExecutor) { e.breakers = store }
}

// WithRateLimitStore replaces the in-memory rate-limit store.
func WithRateLimitStore(store RateLimitStore) ExecutorOption {
	return func(e *SafeExecutor) { e.rate = store }
}

// NewSafeExecutor creates a SafeExecutor with the given rails. Stores default
// to the in-memory implementations unless overridden via options.
func NewSafeExecutor(rails SafetyRails, opts ...ExecutorOption) *SafeExecutor {
	e := &SafeExecutor{
		rails:    rails,
		idem:     NewMemoryIdempotencyStore(),
		breakers: NewMemoryBreakerStore(),
		rate:     NewMemoryRateLimitStore(),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rails returns the executor's configured safety rails.
func (e *SafeExecutor) Rails() SafetyRails { return e.rails }

// AdmitPlan performs the plan-creation admission checks: the per-user rate
// limit (checked once per plan, not per step) and the active-plan registry
// (a plan id already executing cannot be re-entered). On success the plan is
// registered; the caller must release it with FinishPlan.
func (e *SafeExecutor) AdmitPlan(planID, userID string) error {
	if e.rails.RateLimitCount > 0 && userID != "" {
		ok, resetAt := e.rate.Take(userID, e.rails.RateLimitCount, e.rails.RateLimitWindow)
		if !ok {
			return NewRateLimitError(userID, resetAt)
		}
	}

	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, exists := e.active[planID]; exists {
		return NewAlreadyExecutingError(planID)
	}
	e.active[planID] = struct{}{}
	return nil
}

// FinishPlan evicts the plan from the active-plan registry.
func (e *SafeExecutor) FinishPlan(planID string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, planID)
}

// ActivePlans returns the number of currently registered plans.
func (e *SafeExecutor) ActivePlans() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// IsCircuitBreakerOpen reports whether the failure tally for the step type
// has reached the configured threshold. Once open, a breaker stays open
// until explicitly reset; there is no automatic half-open probe. Callers
// decide whether an open breaker aborts or merely skips a step.
func (e *SafeExecutor) IsCircuitBreakerOpen(t StepType) bool {
	if !e.rails.CircuitBreakerEnabled {
		return false
	}
	return e.breakers.Failures(t) >= e.rails.CircuitBreakerFailureThreshold
}

// ResetCircuitBreaker clears the failure tally for the step type (operator
// override).
func (e *SafeExecutor) ResetCircuitBreaker(t StepType) {
	e.breakers.Reset(t)
}

// BreakerSnapshot returns a copy of all failure tallies.
func (e *SafeExecutor) BreakerSnapshot() map[StepType]int {
	return e.breakers.Snapshot()
}

// Execute runs a single step under the safety rails, in order:
//
//  1. Idempotency: a live cache hit returns immediately with FromCache=true
//     and no retry or breaker bookkeeping.
//  2. Retry loop: up to MaxRetries+1 attempts; every failure increments the
//     breaker tally for the step's type; between attempts the executor
//     sleeps min(BaseDelay*Factor^attempt, MaxDelay).
//  3. Timeout: each attempt races a per-attempt timer; a timeout counts as a
//     failure for retry purposes and cancels the attempt's context.
//  4. Success: the result is cached under the idempotency key (respecting
//     the TTL) and the step is marked completed.
//
// Execute mutates the step's status, retry counter, output, and timestamps;
// nothing else touches a step after planning.
func (e *SafeExecutor) Execute(ctx context.Context, step *ExecutionStep, execCtx *ExecutionContext, fn StepFunc) (*StepResult, error) {
	start := time.Now()
	step.Status = StepRunning
	step.StartedAt = &start

	idempotencyEnabled := execCtx == nil || execCtx.Overrides == nil || !execCtx.Overrides.DisableIdempotency

	if idempotencyEnabled {
		if entry, ok, err := e.idem.Get(step.IdempotencyKey); err == nil && ok {
			e.finishStep(step, StepCompleted, entry.Result, nil)
			return &StepResult{Value: entry.Result, FromCache: true}, nil
		}
		// A store read error is treated as a cache miss: the step can still
		// run, it just loses deduplication.
	}

	maxRetries := e.rails.MaxRetriesPerStep
	if step.MaxRetries > 0 {
		maxRetries = step.MaxRetries
	}
	if execCtx != nil && execCtx.Overrides != nil && execCtx.Overrides.MaxRetries > 0 {
		maxRetries = execCtx.Overrides.MaxRetries
	}

	stepTimeout := e.rails.StepTimeout
	if execCtx != nil && execCtx.Overrides != nil && execCtx.Overrides.StepTimeout > 0 {
		stepTimeout = execCtx.Overrides.StepTimeout
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attempts++
		step.RetryCount = attempt

		value, err := e.runAttempt(ctx, step, stepTimeout, fn)
		if err == nil {
			if idempotencyEnabled {
				if putErr := e.idem.Put(step.IdempotencyKey, value, e.rails.IdempotencyTTL); putErr != nil {
					// Losing the cache entry only costs deduplication.
					_ = putErr
				}
			}
			e.finishStep(step, StepCompleted, value, nil)
			return &StepResult{Value: value, Attempts: attempts}, nil
		}

		lastErr = err
		e.breakers.RecordFailure(step.Type)

		if !IsRetryableError(err) || attempt >= maxRetries {
			break
		}
		sleepWithContext(ctx, e.rails.Backoff.DelayForAttempt(attempt))
	}

	e.finishStep(step, StepFailed, nil, lastErr)
	return &StepResult{Attempts: attempts}, lastErr
}

// runAttempt races one invocation of fn against the per-attempt timeout.
// The attempt context is cancelled on timeout so well-behaved collaborators
// abort their in-flight I/O.
func (e *SafeExecutor) runAttempt(ctx context.Context, step *ExecutionStep, timeout time.Duration, fn StepFunc) (any, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type attemptResult struct {
		value any
		err   error
	}
	done := make(chan attemptResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("step %q panic: %v", step.ID, r)}
			}
		}()
		value, err := fn(attemptCtx, step.Input)
		done <- attemptResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTimeoutError(fmt.Sprintf("step %q attempt exceeded %s", step.ID, timeout), timeout)
	}
}

// finishStep stamps the step's terminal status, output, and end time.
func (e *SafeExecutor) finishStep(step *ExecutionStep, status StepStatus, value any, err error) {
	end := time.Now()
	step.Status = status
	step.Output = value
	step.EndedAt = &end
	if err != nil {
		step.Err = err.Error()
	}
}

// sleepWithContext sleeps for the given duration, returning early if the
// context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
