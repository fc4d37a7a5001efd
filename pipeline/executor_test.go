// ABOUTME: Tests for SafeExecutor: idempotency, retries, timeouts, breakers, and admission.
// ABOUTME: Uses millisecond backoff so retry paths run fast and deterministically.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testRails() SafetyRails {
	r := DefaultSafetyRails()
	r.StepTimeout = 2 * time.Second
	r.Backoff = BackoffConfig{BaseDelay: time.Millisecond, Factor: 2.0, MaxDelay: 5 * time.Millisecond}
	r.CircuitBreakerFailureThreshold = 3
	return r
}

func testExecCtx() *ExecutionContext {
	return NewExecutionContext("sess-1", "user-1")
}

func TestExecuteSuccess(t *testing.T) {
	e := NewSafeExecutor(testRails())
	step := NewStep(StepToolCall, "echo", map[string]any{"q": "hi"})

	res, err := e.Execute(context.Background(), step, testExecCtx(), func(ctx context.Context, input map[string]any) (any, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "done" || res.FromCache || res.Attempts != 1 {
		t.Errorf("res = %+v", res)
	}
	if step.Status != StepCompleted {
		t.Errorf("Status = %s, want completed", step.Status)
	}
	if step.StartedAt == nil || step.EndedAt == nil {
		t.Error("timestamps not stamped")
	}
}

func TestExecuteIdempotencyCacheHit(t *testing.T) {
	e := NewSafeExecutor(testRails())
	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "computed", nil
	}

	// Two distinct steps with identical type/action/input share a key.
	first := NewStep(StepToolCall, "lookup", map[string]any{"q": "same"})
	second := NewStep(StepToolCall, "lookup", map[string]any{"q": "same"})

	res1, err := e.Execute(context.Background(), first, testExecCtx(), fn)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	res2, err := e.Execute(context.Background(), second, testExecCtx(), fn)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("underlying action invoked %d times, want 1", calls)
	}
	if res1.FromCache {
		t.Error("first result marked cached")
	}
	if !res2.FromCache {
		t.Error("second result not marked cached")
	}
	if res2.Value != "computed" {
		t.Errorf("cached Value = %v", res2.Value)
	}
	if second.Status != StepCompleted {
		t.Errorf("cached step Status = %s, want completed", second.Status)
	}
}

func TestExecuteCacheHitSkipsBookkeeping(t *testing.T) {
	e := NewSafeExecutor(testRails())
	fn := func(ctx context.Context, input map[string]any) (any, error) { return "v", nil }

	step := NewStep(StepToolCall, "lookup", map[string]any{"q": "x"})
	if _, err := e.Execute(context.Background(), step, testExecCtx(), fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	before := e.BreakerSnapshot()[StepToolCall]
	cached := NewStep(StepToolCall, "lookup", map[string]any{"q": "x"})
	failing := func(ctx context.Context, input map[string]any) (any, error) {
		return nil, NewTransientError("should not run", nil)
	}
	res, err := e.Execute(context.Background(), cached, testExecCtx(), failing)
	if err != nil {
		t.Fatalf("cached Execute: %v", err)
	}
	if !res.FromCache {
		t.Fatal("expected cache hit")
	}
	if after := e.BreakerSnapshot()[StepToolCall]; after != before {
		t.Errorf("cache hit touched breaker tally: %d -> %d", before, after)
	}
}

func TestExecuteDisableIdempotencyOverride(t *testing.T) {
	e := NewSafeExecutor(testRails())
	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	execCtx := testExecCtx()
	execCtx.Overrides = &Overrides{DisableIdempotency: true}

	for i := 0; i < 2; i++ {
		step := NewStep(StepToolCall, "lookup", map[string]any{"q": "x"})
		if _, err := e.Execute(context.Background(), step, execCtx, fn); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 with idempotency disabled", calls)
	}
}

func TestExecuteRetriesTransientUntilExhausted(t *testing.T) {
	e := NewSafeExecutor(testRails()) // MaxRetriesPerStep = 2
	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewTransientError("flaky backend", nil)
	}

	step := NewStep(StepToolCall, "flaky", map[string]any{"n": 1})
	res, err := e.Execute(context.Background(), step, testExecCtx(), fn)
	if err == nil {
		t.Fatal("expected error")
	}
	// maxRetries=2 means 3 attempts total: the initial try plus two retries.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if step.Status != StepFailed {
		t.Errorf("Status = %s, want failed", step.Status)
	}
	if step.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", step.RetryCount)
	}
}

func TestExecuteRetrySucceedsMidway(t *testing.T) {
	e := NewSafeExecutor(testRails())
	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, NewTransientError("not yet", nil)
		}
		return "finally", nil
	}

	step := NewStep(StepToolCall, "eventually", map[string]any{"n": 2})
	res, err := e.Execute(context.Background(), step, testExecCtx(), fn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "finally" || res.Attempts != 3 {
		t.Errorf("res = %+v", res)
	}
	if step.Status != StepCompleted {
		t.Errorf("Status = %s, want completed", step.Status)
	}
}

func TestExecuteValidationErrorNotRetried(t *testing.T) {
	e := NewSafeExecutor(testRails())
	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewValidationError("q", "malformed")
	}

	step := NewStep(StepToolCall, "strict", map[string]any{"n": 3})
	_, err := e.Execute(context.Background(), step, testExecCtx(), fn)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestExecuteStepMaxRetriesOverride(t *testing.T) {
	e := NewSafeExecutor(testRails())
	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewTransientError("down", nil)
	}

	step := NewStep(StepToolCall, "custom", map[string]any{"n": 4})
	step.MaxRetries = 4
	_, err := e.Execute(context.Background(), step, testExecCtx(), fn)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5 (step override)", calls)
	}
}

func TestExecuteTimeoutCountsAsFailure(t *testing.T) {
	rails := testRails()
	rails.StepTimeout = 20 * time.Millisecond
	rails.MaxRetriesPerStep = 1
	e := NewSafeExecutor(rails)

	var calls int32
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done() // honor cancellation like a well-behaved collaborator
		return nil, ctx.Err()
	}

	step := NewStep(StepToolCall, "slow", map[string]any{"n": 5})
	_, err := e.Execute(context.Background(), step, testExecCtx(), fn)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	// Timeouts are retryable at the step level: initial attempt + 1 retry.
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if e.BreakerSnapshot()[StepToolCall] != 2 {
		t.Errorf("breaker tally = %d, want 2 (each timeout is a failure)", e.BreakerSnapshot()[StepToolCall])
	}
}

func TestExecuteParentCancellationNotTimeout(t *testing.T) {
	e := NewSafeExecutor(testRails())
	ctx, cancel := context.WithCancel(context.Background())

	fn := func(ctx context.Context, input map[string]any) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	step := NewStep(StepToolCall, "cancelled", map[string]any{"n": 6})
	_, err := e.Execute(ctx, step, testExecCtx(), fn)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	e := NewSafeExecutor(testRails())
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		panic("tool blew up")
	}

	step := NewStep(StepToolCall, "panicky", map[string]any{"n": 7})
	_, err := e.Execute(context.Background(), step, testExecCtx(), fn)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("err = %v, want panic mention", err)
	}
}

func TestCircuitBreakerOpensAndStaysOpen(t *testing.T) {
	e := NewSafeExecutor(testRails()) // threshold = 3
	fn := func(ctx context.Context, input map[string]any) (any, error) {
		return nil, NewValidationError("q", "always fails") // not retried, one failure per Execute
	}

	for i := 0; i < 3; i++ {
		step := NewStep(StepToolCall, "failing", map[string]any{"i": i})
		e.Execute(context.Background(), step, testExecCtx(), fn)
	}

	if !e.IsCircuitBreakerOpen(StepToolCall) {
		t.Fatal("breaker should be open at threshold")
	}
	if e.IsCircuitBreakerOpen(StepSynthesis) {
		t.Error("unrelated step type's breaker open")
	}

	// No automatic recovery: only an explicit reset closes the breaker.
	if !e.IsCircuitBreakerOpen(StepToolCall) {
		t.Error("breaker auto-closed")
	}
	e.ResetCircuitBreaker(StepToolCall)
	if e.IsCircuitBreakerOpen(StepToolCall) {
		t.Error("breaker still open after reset")
	}
}

func TestCircuitBreakerDisabled(t *testing.T) {
	rails := testRails()
	rails.CircuitBreakerEnabled = false
	e := NewSafeExecutor(rails)

	for i := 0; i < 10; i++ {
		step := NewStep(StepToolCall, "failing", map[string]any{"i": i})
		e.Execute(context.Background(), step, testExecCtx(), func(ctx context.Context, input map[string]any) (any, error) {
			return nil, NewValidationError("q", "bad")
		})
	}
	if e.IsCircuitBreakerOpen(StepToolCall) {
		t.Error("disabled breaker reported open")
	}
}

func TestAdmitPlanRateLimit(t *testing.T) {
	rails := testRails()
	rails.RateLimitCount = 2
	rails.RateLimitWindow = time.Minute
	e := NewSafeExecutor(rails)

	if err := e.AdmitPlan("p1", "alice"); err != nil {
		t.Fatalf("AdmitPlan p1: %v", err)
	}
	if err := e.AdmitPlan("p2", "alice"); err != nil {
		t.Fatalf("AdmitPlan p2: %v", err)
	}

	err := e.AdmitPlan("p3", "alice")
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.UserID != "alice" || rle.ResetAt.IsZero() {
		t.Errorf("RateLimitError = %+v", rle)
	}

	// Other users are unaffected.
	if err := e.AdmitPlan("p4", "bob"); err != nil {
		t.Errorf("AdmitPlan for bob: %v", err)
	}
}

func TestAdmitPlanDuplicate(t *testing.T) {
	e := NewSafeExecutor(testRails())

	if err := e.AdmitPlan("dup", "alice"); err != nil {
		t.Fatalf("first AdmitPlan: %v", err)
	}

	err := e.AdmitPlan("dup", "alice")
	var aee *AlreadyExecutingError
	if !errors.As(err, &aee) {
		t.Fatalf("err = %v, want AlreadyExecutingError", err)
	}

	// After the plan finishes the id can run again.
	e.FinishPlan("dup")
	if err := e.AdmitPlan("dup", "alice"); err != nil {
		t.Errorf("AdmitPlan after finish: %v", err)
	}
}

func TestAdmitPlanAnonymousSkipsRateLimit(t *testing.T) {
	rails := testRails()
	rails.RateLimitCount = 1
	e := NewSafeExecutor(rails)

	// Empty user ids are not rate limited (nothing to key the window on).
	for i := 0; i < 5; i++ {
		planID := NewPlanID()
		if err := e.AdmitPlan(planID, ""); err != nil {
			t.Fatalf("AdmitPlan %d: %v", i, err)
		}
		e.FinishPlan(planID)
	}
}
