// ABOUTME: Core data model for the request-execution pipeline: contexts, steps, plans, phases, and proofs.
// ABOUTME: Also defines the public PipelineRequest/PipelineResult contract consumed by the surrounding dashboard layer.
package pipeline

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/lanternlabs/switchboard/classify"
)

// StepType identifies the kind of work a step performs. Closed set.
type StepType string

const (
	StepRetrieval StepType = "retrieval"
	StepPlanning  StepType = "planning"
	StepToolCall  StepType = "tool_call"
	StepSynthesis StepType = "synthesis"
)

// StepStatus tracks a step through its lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStatus tracks a plan through its lifecycle.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Phase is one of the seven fixed stages of pipeline execution.
type Phase string

const (
	PhasePromptAnalysis Phase = "prompt_analysis"
	PhaseRetrieval      Phase = "retrieval"
	PhasePlanning       Phase = "planning"
	PhaseToolExecution  Phase = "tool_execution"
	PhaseSynthesis      Phase = "synthesis"
	PhaseValidation     Phase = "validation"
	PhaseCompletion     Phase = "completion"
)

// Phases lists the seven phases in strict execution order.
var Phases = []Phase{
	PhasePromptAnalysis,
	PhaseRetrieval,
	PhasePlanning,
	PhaseToolExecution,
	PhaseSynthesis,
	PhaseValidation,
	PhaseCompletion,
}

// Overrides carries optional per-call limits set on an ExecutionContext.
// Zero values mean "use the configured default".
type Overrides struct {
	MaxSteps           int
	MaxRetries         int
	StepTimeout        time.Duration
	DisableIdempotency bool
}

// ExecutionContext identifies one incoming request. Created once per request
// and never mutated afterwards.
type ExecutionContext struct {
	SessionID string
	UserID    string
	RequestID string
	CreatedAt time.Time
	Overrides *Overrides
}

// NewExecutionContext creates an immutable ExecutionContext for a session,
// stamping a fresh request UUID and creation time.
func NewExecutionContext(sessionID, userID string) *ExecutionContext {
	return &ExecutionContext{
		SessionID: sessionID,
		UserID:    userID,
		RequestID: uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

// ExecutionStep is one retryable unit of work within a plan. Created by the
// orchestrator or planner; mutated only by SafeExecutor.
type ExecutionStep struct {
	ID             string
	Type           StepType
	Action         string
	Input          map[string]any
	IdempotencyKey string
	RetryCount     int
	MaxRetries     int
	Status         StepStatus
	Output         any
	Err            string
	Priority       int
	Rationale      string
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// NewStep creates a pending step with a fresh UUID and a derived idempotency key.
func NewStep(stepType StepType, action string, input map[string]any) *ExecutionStep {
	return &ExecutionStep{
		ID:             uuid.NewString(),
		Type:           stepType,
		Action:         action,
		Input:          input,
		IdempotencyKey: DeriveIdempotencyKey(stepType, action, input),
		Status:         StepPending,
	}
}

// DeriveIdempotencyKey computes the deterministic idempotency key for a step:
// a hex SHA-256 over the step type, action, and canonical JSON encoding of the
// input. json.Marshal sorts map keys, so identical inputs always hash identically.
func DeriveIdempotencyKey(stepType StepType, action string, input map[string]any) string {
	payload, err := json.Marshal(input)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", input))
	}
	h := sha256.New()
	h.Write([]byte(stepType))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ExecutionPlan is one complete run of the phase pipeline for a single request.
// Exactly one plan exists per pipeline run; it is evicted from the active-plan
// registry when the run finishes or is cancelled.
type ExecutionPlan struct {
	ID        string
	SessionID string
	Steps     []*ExecutionStep
	Current   int
	StartedAt time.Time
	EndedAt   *time.Time
	Metadata  map[string]any

	mu     sync.Mutex
	status PlanStatus
}

// NewExecutionPlan creates a pending plan with a fresh ULID.
func NewExecutionPlan(sessionID string) *ExecutionPlan {
	return &ExecutionPlan{
		ID:        NewPlanID(),
		SessionID: sessionID,
		Metadata:  make(map[string]any),
		status:    PlanPending,
	}
}

// NewPlanID returns a fresh lexically sortable plan identifier.
func NewPlanID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Status returns the plan's current status. Safe for concurrent use.
func (p *ExecutionPlan) Status() PlanStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus updates the plan's status. Safe for concurrent use.
func (p *ExecutionPlan) SetStatus(s PlanStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Cancel flips the plan to cancelled unless it has already reached a terminal
// status. Cancellation is cooperative: the orchestrator observes it between
// phases, never pre-empting an in-flight step.
func (p *ExecutionPlan) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == PlanCompleted || p.status == PlanFailed || p.status == PlanCancelled {
		return false
	}
	p.status = PlanCancelled
	return true
}

// Proof is a timestamped record of an intermediate result or decision,
// retained for audit and test replay.
type Proof struct {
	Phase     Phase     `json:"phase"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseResult records the outcome and timing of a single phase.
type PhaseResult struct {
	Phase      Phase         `json:"phase"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	Err        string        `json:"error,omitempty"`
	Proofs     []Proof       `json:"proofs,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// RequestContext carries optional conversational context on a PipelineRequest.
type RequestContext struct {
	ConversationHistory []string          `json:"conversationHistory,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Preferences         map[string]string `json:"preferences,omitempty"`
}

// RequestConstraints carries optional caller-imposed limits on a PipelineRequest.
type RequestConstraints struct {
	MaxExecutionTime time.Duration `json:"maxExecutionTime,omitempty"`
	MaxToolCalls     int           `json:"maxToolCalls,omitempty"`
	AllowedTools     []string      `json:"allowedTools,omitempty"`
	RequiredSources  []string      `json:"requiredSources,omitempty"`
}

// PipelineRequest is the entry contract for one pipeline run.
type PipelineRequest struct {
	UserPrompt  string              `json:"userPrompt"`
	SessionID   string              `json:"sessionId"`
	UserID      string              `json:"userId,omitempty"`
	Context     *RequestContext     `json:"context,omitempty"`
	Constraints *RequestConstraints `json:"constraints,omitempty"`
}

// ToolExecutionRecord summarizes one tool invocation for the final result.
type ToolExecutionRecord struct {
	Tool      string        `json:"tool"`
	StepID    string        `json:"stepId"`
	Status    StepStatus    `json:"status"`
	Priority  int           `json:"priority"`
	Rationale string        `json:"rationale,omitempty"`
	Output    any           `json:"output,omitempty"`
	Err       string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// PipelineResult is the final artifact returned to the caller: the response
// plus a complete, ordered proof trail sufficient to reconstruct the run.
type PipelineResult struct {
	Success         bool                    `json:"success"`
	Response        string                  `json:"response"`
	ExecutionID     string                  `json:"executionId"`
	TotalDuration   time.Duration           `json:"totalExecutionTime"`
	Phases          []PhaseResult           `json:"phases"`
	ContextAnalysis classify.AnalysisResult `json:"contextAnalysis"`
	ToolExecutions  []ToolExecutionRecord   `json:"toolExecutions"`
	Metadata        map[string]any          `json:"metadata,omitempty"`
}

// Proofs returns the flattened, ordered proof list across all phases.
func (r *PipelineResult) Proofs() []Proof {
	var out []Proof
	for _, ph := range r.Phases {
		out = append(out, ph.Proofs...)
	}
	return out
}
