// ABOUTME: Error taxonomy for the request-execution pipeline with per-type retryability.
// ABOUTME: Defines validation, timeout, transient, circuit-open, rate-limit, and re-entrancy errors.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// PipelineError is the base error type for all pipeline errors.
// All other error types embed PipelineError either directly or transitively.
type PipelineError struct {
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns false for the base PipelineError. Subtypes override this.
func (e *PipelineError) IsRetryable() bool {
	return false
}

// ValidationError indicates malformed step or request input. Never retried.
type ValidationError struct {
	PipelineError
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.PipelineError.Error())
	}
	return "validation: " + e.PipelineError.Error()
}
func (e *ValidationError) Unwrap() error     { return e.PipelineError.Unwrap() }
func (e *ValidationError) IsRetryable() bool { return false }

// NewValidationError creates a ValidationError for the given field and message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{PipelineError: PipelineError{Message: message}, Field: field}
}

// TimeoutError indicates a step attempt or the whole plan exceeded its time budget.
// Retryable at the step level; fatal at the plan level.
type TimeoutError struct {
	PipelineError
	Budget time.Duration
}

func (e *TimeoutError) Error() string     { return "timeout: " + e.PipelineError.Error() }
func (e *TimeoutError) Unwrap() error     { return e.PipelineError.Unwrap() }
func (e *TimeoutError) IsRetryable() bool { return true }

// NewTimeoutError creates a TimeoutError with the exceeded budget attached.
func NewTimeoutError(message string, budget time.Duration) *TimeoutError {
	return &TimeoutError{PipelineError: PipelineError{Message: message}, Budget: budget}
}

// TransientError indicates a collaborator failure that is worth retrying
// with exponential backoff.
type TransientError struct {
	PipelineError
}

func (e *TransientError) Error() string     { return "transient: " + e.PipelineError.Error() }
func (e *TransientError) Unwrap() error     { return e.PipelineError.Unwrap() }
func (e *TransientError) IsRetryable() bool { return true }

// NewTransientError wraps a collaborator failure as retryable.
func NewTransientError(message string, cause error) *TransientError {
	return &TransientError{PipelineError: PipelineError{Message: message, Cause: cause}}
}

// CircuitOpenError indicates a step type has been disabled after repeated
// failures. Fails fast; never retried.
type CircuitOpenError struct {
	PipelineError
	StepType StepType
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for step type %q", e.StepType)
}
func (e *CircuitOpenError) IsRetryable() bool { return false }

// NewCircuitOpenError creates a CircuitOpenError for the given step type.
func NewCircuitOpenError(stepType StepType) *CircuitOpenError {
	return &CircuitOpenError{
		PipelineError: PipelineError{Message: "circuit breaker open"},
		StepType:      stepType,
	}
}

// RateLimitError indicates the per-user quota was exceeded. Rejected before
// plan creation; never retried inside the pipeline.
type RateLimitError struct {
	PipelineError
	UserID  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for user %q (resets at %s)", e.UserID, e.ResetAt.Format(time.RFC3339))
}
func (e *RateLimitError) IsRetryable() bool { return false }

// NewRateLimitError creates a RateLimitError for the given user and window reset time.
func NewRateLimitError(userID string, resetAt time.Time) *RateLimitError {
	return &RateLimitError{
		PipelineError: PipelineError{Message: "rate limit exceeded"},
		UserID:        userID,
		ResetAt:       resetAt,
	}
}

// AlreadyExecutingError indicates a duplicate concurrent invocation of the
// same plan id. The second caller fails fast.
type AlreadyExecutingError struct {
	PipelineError
	PlanID string
}

func (e *AlreadyExecutingError) Error() string {
	return fmt.Sprintf("plan %q is already executing", e.PlanID)
}
func (e *AlreadyExecutingError) IsRetryable() bool { return false }

// NewAlreadyExecutingError creates an AlreadyExecutingError for the given plan id.
func NewAlreadyExecutingError(planID string) *AlreadyExecutingError {
	return &AlreadyExecutingError{
		PipelineError: PipelineError{Message: "already executing"},
		PlanID:        planID,
	}
}

// IsRetryableError reports whether err should be retried by SafeExecutor.
// Errors implementing IsRetryable() decide for themselves; unknown errors
// are treated as transient (conservative default, matching collaborator
// failures that surface as plain errors).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
