// ABOUTME: PipelineOrchestrator sequencing the seven fixed phases with fatal-vs-degraded failure policy.
// ABOUTME: Routes all collaborator I/O through SafeExecutor and accumulates a complete per-phase proof trail.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lanternlabs/switchboard/classify"
	"github.com/lanternlabs/switchboard/persona"
)

// EventType identifies the kind of orchestrator lifecycle event.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline.started"
	EventPipelineCompleted EventType = "pipeline.completed"
	EventPipelineFailed    EventType = "pipeline.failed"
	EventPhaseStarted      EventType = "phase.started"
	EventPhaseCompleted    EventType = "phase.completed"
	EventPhaseFailed       EventType = "phase.failed"
)

// Event is a lifecycle event emitted during pipeline execution.
type Event struct {
	Type      EventType
	PlanID    string
	Phase     Phase
	Data      map[string]any
	Timestamp time.Time
}

// OrchestratorConfig wires the orchestrator's collaborators and policies.
type OrchestratorConfig struct {
	Classifier  classify.Classifier
	Policy      *persona.Policy
	Persona     persona.Config
	Planner     *ToolPlanner
	Retriever   Retriever
	Tools       map[string]Tool
	Synthesizer Synthesizer

	// EventHandler receives lifecycle events (optional).
	EventHandler func(Event)
}

// PipelineOrchestrator is a strict linear state machine over the seven
// phases. PROMPT_ANALYSIS, PLANNING, and SYNTHESIS are fatal: an unrecovered
// failure aborts the run. RETRIEVAL and TOOL_EXECUTION are degraded-tolerant:
// the run continues with empty or partial results. VALIDATION is advisory.
// COMPLETION always runs.
type PipelineOrchestrator struct {
	cfg      OrchestratorConfig
	executor *SafeExecutor
	registry *HandlerRegistry

	plansMu sync.Mutex
	plans   map[string]*ExecutionPlan
}

// NewOrchestrator creates an orchestrator over the given executor, building
// the step-handler registry from the configured collaborators.
func NewOrchestrator(executor *SafeExecutor, cfg OrchestratorConfig) *PipelineOrchestrator {
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewDefaultClassifier()
	}
	if cfg.Policy == nil {
		cfg.Policy = persona.NewPolicy(nil)
	}
	if cfg.Planner == nil {
		cfg.Planner = NewToolPlanner(DefaultPlannerRules())
	}

	registry := NewHandlerRegistry()
	registry.Register(&RetrievalHandler{Retriever: cfg.Retriever})
	registry.Register(&ToolHandler{Tools: cfg.Tools})
	registry.Register(&SynthesisHandler{Synthesizer: cfg.Synthesizer})

	return &PipelineOrchestrator{
		cfg:      cfg,
		executor: executor,
		registry: registry,
		plans:    make(map[string]*ExecutionPlan),
	}
}

// Executor exposes the underlying SafeExecutor (breaker inspection/reset).
func (o *PipelineOrchestrator) Executor() *SafeExecutor { return o.executor }

// Plan returns the active plan with the given id, or nil. Used by hosts to
// cancel a run cooperatively: the orchestrator observes cancellation between
// phases, never pre-empting an in-flight step.
func (o *PipelineOrchestrator) Plan(planID string) *ExecutionPlan {
	o.plansMu.Lock()
	defer o.plansMu.Unlock()
	return o.plans[planID]
}

// run carries the mutable state of one pipeline execution.
type run struct {
	plan     *ExecutionPlan
	req      PipelineRequest
	execCtx  *ExecutionContext
	deadline time.Time

	analysis   classify.AnalysisResult
	callConfig persona.CallConfig
	docs       []RetrievedDoc
	toolPlan   ToolPlan
	toolRecs   []ToolExecutionRecord
	response   string

	phases []PhaseResult
}

// Execute runs the full pipeline for one request. Admission failures
// (malformed request, rate limit, duplicate plan) return an error before any
// phase runs; every admitted run returns a PipelineResult with a complete
// proof trail, successful or not.
func (o *PipelineOrchestrator) Execute(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	if strings.TrimSpace(req.UserPrompt) == "" {
		return nil, NewValidationError("userPrompt", "must not be empty")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, NewValidationError("sessionId", "must not be empty")
	}

	plan := NewExecutionPlan(req.SessionID)
	if err := o.executor.AdmitPlan(plan.ID, req.UserID); err != nil {
		return nil, err
	}
	defer o.executor.FinishPlan(plan.ID)

	o.plansMu.Lock()
	o.plans[plan.ID] = plan
	o.plansMu.Unlock()
	defer func() {
		o.plansMu.Lock()
		delete(o.plans, plan.ID)
		o.plansMu.Unlock()
	}()

	total := o.executor.Rails().TotalTimeout
	if req.Constraints != nil && req.Constraints.MaxExecutionTime > 0 && req.Constraints.MaxExecutionTime < total {
		total = req.Constraints.MaxExecutionTime
	}

	start := time.Now()
	plan.StartedAt = start
	plan.SetStatus(PlanRunning)

	runCtx, cancel := context.WithDeadline(ctx, start.Add(total))
	defer cancel()

	r := &run{
		plan:     plan,
		req:      req,
		execCtx:  NewExecutionContext(req.SessionID, req.UserID),
		deadline: start.Add(total),
	}

	o.emit(Event{Type: EventPipelineStarted, PlanID: plan.ID})

	fatalErr := o.runPhases(runCtx, r)

	end := time.Now()
	plan.EndedAt = &end

	success := fatalErr == nil && plan.Status() == PlanRunning
	switch {
	case success:
		plan.SetStatus(PlanCompleted)
		o.emit(Event{Type: EventPipelineCompleted, PlanID: plan.ID})
	case plan.Status() == PlanCancelled:
		o.emit(Event{Type: EventPipelineFailed, PlanID: plan.ID, Data: map[string]any{"reason": "cancelled"}})
	default:
		plan.SetStatus(PlanFailed)
		o.emit(Event{Type: EventPipelineFailed, PlanID: plan.ID, Data: map[string]any{"reason": errString(fatalErr)}})
	}

	response := r.response
	if !success && response == "" {
		response = degradedResponse(fatalErr)
	}

	result := &PipelineResult{
		Success:         success,
		Response:        response,
		ExecutionID:     plan.ID,
		TotalDuration:   end.Sub(start),
		Phases:          r.phases,
		ContextAnalysis: r.analysis,
		ToolExecutions:  r.toolRecs,
		Metadata: map[string]any{
			"model":      r.callConfig.Model,
			"riskLevel":  string(r.analysis.RiskLevel),
			"planStatus": string(plan.Status()),
		},
	}
	return result, nil
}

// runPhases drives the seven phases in order, honoring the total timeout and
// cooperative cancellation between phases. It returns the fatal error that
// aborted the run, or nil.
func (o *PipelineOrchestrator) runPhases(ctx context.Context, r *run) error {
	type phaseSpec struct {
		phase Phase
		fatal bool
		fn    func(ctx context.Context, r *run, pr *PhaseResult) error
	}
	specs := []phaseSpec{
		{PhasePromptAnalysis, true, o.phasePromptAnalysis},
		{PhaseRetrieval, false, o.phaseRetrieval},
		{PhasePlanning, true, o.phasePlanning},
		{PhaseToolExecution, false, o.phaseToolExecution},
		{PhaseSynthesis, true, o.phaseSynthesis},
		{PhaseValidation, false, o.phaseValidation},
	}

	var fatalErr error
	for _, spec := range specs {
		if r.plan.Status() == PlanCancelled {
			pr := newPhaseResult(spec.phase)
			pr.Err = "plan cancelled"
			addProof(pr, "cancelled", "plan cancelled before phase started")
			closePhaseResult(pr, false)
			r.phases = append(r.phases, *pr)
			fatalErr = fmt.Errorf("plan %s cancelled", r.plan.ID)
			break
		}

		if !time.Now().Before(r.deadline) {
			pr := newPhaseResult(spec.phase)
			pr.Err = "total execution timeout exceeded"
			addProof(pr, "violation", "total execution timeout exceeded")
			closePhaseResult(pr, false)
			r.phases = append(r.phases, *pr)
			fatalErr = NewTimeoutError("total execution timeout exceeded", r.deadline.Sub(r.plan.StartedAt))
			break
		}

		pr := newPhaseResult(spec.phase)
		o.emit(Event{Type: EventPhaseStarted, PlanID: r.plan.ID, Phase: spec.phase})

		err := spec.fn(ctx, r, pr)
		if err != nil {
			pr.Err = err.Error()
			closePhaseResult(pr, false)
			r.phases = append(r.phases, *pr)
			o.emit(Event{Type: EventPhaseFailed, PlanID: r.plan.ID, Phase: spec.phase, Data: map[string]any{"reason": err.Error()}})
			if spec.fatal {
				fatalErr = err
				break
			}
			// Degraded-tolerant phase: continue with empty/partial results.
			continue
		}

		closePhaseResult(pr, pr.Err == "")
		r.phases = append(r.phases, *pr)
		o.emit(Event{Type: EventPhaseCompleted, PlanID: r.plan.ID, Phase: spec.phase})
	}

	// COMPLETION always runs, and cannot itself fail the pipeline.
	pr := newPhaseResult(PhaseCompletion)
	proofCount := 0
	for _, ph := range r.phases {
		proofCount += len(ph.Proofs)
	}
	addProof(pr, "summary", fmt.Sprintf("run finished with %d phases and %d proofs", len(r.phases), proofCount))
	closePhaseResult(pr, true)
	r.phases = append(r.phases, *pr)

	return fatalErr
}

// phasePromptAnalysis classifies the prompt and resolves the persona policy.
func (o *PipelineOrchestrator) phasePromptAnalysis(_ context.Context, r *run, pr *PhaseResult) error {
	r.analysis = o.cfg.Classifier.Classify(r.req.UserPrompt, requestMetadata(r.req))
	addProof(pr, "analysis", fmt.Sprintf(
		"risk=%s confidence=%.2f error=%t security=%t financial=%t infra=%t",
		r.analysis.RiskLevel, r.analysis.Confidence,
		r.analysis.IsError, r.analysis.IsSecurity, r.analysis.IsFinancial, r.analysis.IsInfraOp,
	))

	convLen := 0
	if r.req.Context != nil {
		convLen = len(r.req.Context.ConversationHistory)
	}
	r.callConfig = o.cfg.Policy.Resolve(persona.Request{
		Analysis:           r.analysis,
		Persona:            o.cfg.Persona,
		Operation:          operationHint(r.req),
		PromptLength:       len(r.req.UserPrompt),
		ConversationLength: convLen,
	})
	addProof(pr, "policy", r.callConfig.Rationale)
	return nil
}

// phaseRetrieval fetches auxiliary context through SafeExecutor. Failures
// degrade to empty results rather than aborting the run.
func (o *PipelineOrchestrator) phaseRetrieval(ctx context.Context, r *run, pr *PhaseResult) error {
	if o.cfg.Retriever == nil {
		addProof(pr, "skipped", "no retrieval collaborator configured")
		return nil
	}
	if o.executor.IsCircuitBreakerOpen(StepRetrieval) {
		addProof(pr, "violation", "circuit breaker open for retrieval; phase skipped")
		pr.Err = "circuit breaker open"
		return nil
	}

	limit := 5
	if r.req.Constraints != nil && len(r.req.Constraints.RequiredSources) > limit {
		limit = len(r.req.Constraints.RequiredSources)
	}
	step := NewStep(StepRetrieval, "retrieve", map[string]any{
		"query": r.req.UserPrompt,
		"limit": limit,
	})
	r.plan.Steps = append(r.plan.Steps, step)

	fn, err := o.registry.Func(step)
	if err != nil {
		return err
	}
	res, err := o.executor.Execute(ctx, step, r.execCtx, fn)
	if err != nil {
		addProof(pr, "failure", "retrieval failed: "+err.Error())
		pr.Err = err.Error()
		return nil // degraded: continue with no documents
	}

	if docs, ok := res.Value.([]RetrievedDoc); ok {
		r.docs = docs
	}
	addProof(pr, "retrieval", fmt.Sprintf("%d documents retrieved (cache=%t)", len(r.docs), res.FromCache))
	return nil
}

// phasePlanning generates the tool plan. Fatal on failure.
func (o *PipelineOrchestrator) phasePlanning(_ context.Context, r *run, pr *PhaseResult) error {
	in := PlannerInput{
		Prompt:    r.req.UserPrompt,
		Retrieved: r.docs,
		Analysis:  r.analysis,
	}
	if r.req.Constraints != nil {
		in.AllowedTools = r.req.Constraints.AllowedTools
		in.MaxToolCalls = r.req.Constraints.MaxToolCalls
	}
	r.toolPlan = o.cfg.Planner.Plan(in)

	maxSteps := o.executor.Rails().MaxStepsPerPlan
	if maxSteps > 0 && len(r.plan.Steps)+len(r.toolPlan.Steps)+1 > maxSteps {
		return NewValidationError("plan", fmt.Sprintf("plan exceeds max steps (%d)", maxSteps))
	}
	r.plan.Steps = append(r.plan.Steps, r.toolPlan.Steps...)

	addProof(pr, "plan", fmt.Sprintf("%d tool step(s), mode=%s", len(r.toolPlan.Steps), r.toolPlan.Mode))
	for _, s := range r.toolPlan.Steps {
		addProof(pr, "candidate", fmt.Sprintf("%s priority=%d: %s", s.Action, s.Priority, s.Rationale))
	}
	return nil
}

// phaseToolExecution runs the tool plan. Failures are collected as proofs;
// the phase never aborts the run.
func (o *PipelineOrchestrator) phaseToolExecution(ctx context.Context, r *run, pr *PhaseResult) error {
	if len(r.toolPlan.Steps) == 0 {
		addProof(pr, "skipped", "no tool steps planned")
		return nil
	}

	if r.toolPlan.Mode == ModeParallel {
		o.runToolsParallel(ctx, r, pr)
	} else {
		o.runToolsSequential(ctx, r, pr)
	}

	failed := 0
	for _, rec := range r.toolRecs {
		if rec.Status == StepFailed {
			failed++
		}
	}
	if failed > 0 {
		pr.Err = fmt.Sprintf("%d of %d tool step(s) failed", failed, len(r.toolRecs))
	}
	return nil
}

// runToolsSequential executes steps in priority order. A failed step with
// priority above CriticalPriority aborts the remaining sequence.
func (o *PipelineOrchestrator) runToolsSequential(ctx context.Context, r *run, pr *PhaseResult) {
	for i, step := range r.toolPlan.Steps {
		if o.executor.IsCircuitBreakerOpen(step.Type) {
			o.skipStep(step, pr, "circuit breaker open for "+string(step.Type))
			r.toolRecs = append(r.toolRecs, toolRecord(step))
			continue
		}

		res, err := o.execToolStep(ctx, r, step)
		r.toolRecs = append(r.toolRecs, toolRecord(step))

		if err != nil {
			addProof(pr, "failure", fmt.Sprintf("tool %s failed: %v", step.Action, err))
			if step.Priority > CriticalPriority {
				for _, rest := range r.toolPlan.Steps[i+1:] {
					o.skipStep(rest, pr, "aborted after critical tool failure")
					r.toolRecs = append(r.toolRecs, toolRecord(rest))
				}
				addProof(pr, "violation", fmt.Sprintf("critical tool %s failed; remaining sequence aborted", step.Action))
				return
			}
			continue
		}
		addProof(pr, "tool", fmt.Sprintf("%s completed (cache=%t)", step.Action, res.FromCache))
	}
}

// runToolsParallel launches every step concurrently under a bounded
// semaphore. Failures are collected independently; no one failure cancels
// the others. All steps complete before the phase concludes.
func (o *PipelineOrchestrator) runToolsParallel(ctx context.Context, r *run, pr *PhaseResult) {
	maxParallel := o.executor.Rails().MaxParallelTools
	if maxParallel <= 0 {
		maxParallel = 4
	}

	semaphore := make(chan struct{}, maxParallel)
	results := make([]error, len(r.toolPlan.Steps))
	var wg sync.WaitGroup

	for i, step := range r.toolPlan.Steps {
		if o.executor.IsCircuitBreakerOpen(step.Type) {
			o.skipStep(step, pr, "circuit breaker open for "+string(step.Type))
			continue
		}

		wg.Add(1)
		go func(idx int, s *ExecutionStep) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			_, results[idx] = o.execToolStep(ctx, r, s)
		}(i, step)
	}
	wg.Wait()

	for i, step := range r.toolPlan.Steps {
		r.toolRecs = append(r.toolRecs, toolRecord(step))
		if step.Status == StepSkipped {
			continue
		}
		if results[i] != nil {
			addProof(pr, "failure", fmt.Sprintf("tool %s failed: %v", step.Action, results[i]))
		} else {
			addProof(pr, "tool", step.Action+" completed")
		}
	}
}

// execToolStep routes one tool step through the registry and SafeExecutor.
func (o *PipelineOrchestrator) execToolStep(ctx context.Context, r *run, step *ExecutionStep) (*StepResult, error) {
	fn, err := o.registry.Func(step)
	if err != nil {
		step.Status = StepFailed
		step.Err = err.Error()
		return nil, err
	}
	return o.executor.Execute(ctx, step, r.execCtx, fn)
}

// skipStep marks a step skipped and records why.
func (o *PipelineOrchestrator) skipStep(step *ExecutionStep, pr *PhaseResult, reason string) {
	step.Status = StepSkipped
	step.Err = reason
	addProof(pr, "skipped", fmt.Sprintf("tool %s skipped: %s", step.Action, reason))
}

// phaseSynthesis composes the final prompt and calls the LLM collaborator
// through SafeExecutor. Fatal on failure; an open synthesis breaker aborts
// the run rather than skipping.
func (o *PipelineOrchestrator) phaseSynthesis(ctx context.Context, r *run, pr *PhaseResult) error {
	if o.executor.IsCircuitBreakerOpen(StepSynthesis) {
		addProof(pr, "violation", "circuit breaker open for synthesis")
		return NewCircuitOpenError(StepSynthesis)
	}

	step := NewStep(StepSynthesis, "synthesize", map[string]any{
		"prompt": composePrompt(r),
		"system": composeSystem(r.callConfig),
		"config": r.callConfig,
	})
	r.plan.Steps = append(r.plan.Steps, step)

	fn, err := o.registry.Func(step)
	if err != nil {
		return err
	}
	res, err := o.executor.Execute(ctx, step, r.execCtx, fn)
	if err != nil {
		addProof(pr, "failure", "synthesis failed: "+err.Error())
		return err
	}

	text, _ := res.Value.(string)
	r.response = text
	addProof(pr, "synthesis", fmt.Sprintf("response of %d chars from %s (cache=%t)", len(text), r.callConfig.Model, res.FromCache))
	return nil
}

// phaseValidation runs quality, persona-compliance, and integrity checks.
// Advisory only: the outcome is recorded as proofs and never gates
// completion or flips overall success.
func (o *PipelineOrchestrator) phaseValidation(_ context.Context, r *run, pr *PhaseResult) error {
	checks := 0
	failedChecks := 0

	check := func(name string, ok bool) {
		checks++
		if ok {
			addProof(pr, "check", name+": ok")
		} else {
			failedChecks++
			addProof(pr, "check", name+": failed")
		}
	}

	check("response non-empty", strings.TrimSpace(r.response) != "")
	check("token budget plausible", r.callConfig.MaxTokens == 0 || len(r.response) <= r.callConfig.MaxTokens*8)
	if r.callConfig.HumorLevel == 0 && o.cfg.Persona.HumorLevel > 0 {
		check("humor suppressed in sensitive context", true)
	}
	if r.req.Constraints != nil {
		for _, src := range r.req.Constraints.RequiredSources {
			found := false
			for _, d := range r.docs {
				if d.Source == src {
					found = true
					break
				}
			}
			check("required source "+src, found)
		}
	}

	if failedChecks > 0 {
		pr.Err = fmt.Sprintf("%d of %d validation check(s) failed", failedChecks, checks)
	}
	return nil
}

// composePrompt assembles the synthesis prompt from the user prompt,
// retrieved context, and tool outputs.
func composePrompt(r *run) string {
	var sb strings.Builder
	sb.WriteString(r.req.UserPrompt)

	if len(r.docs) > 0 {
		sb.WriteString("\n\nRetrieved context:\n")
		for _, d := range r.docs {
			sb.WriteString("- ")
			if d.Title != "" {
				sb.WriteString(d.Title)
				sb.WriteString(": ")
			}
			sb.WriteString(d.Content)
			sb.WriteString("\n")
		}
	}

	completed := make([]ToolExecutionRecord, 0, len(r.toolRecs))
	for _, rec := range r.toolRecs {
		if rec.Status == StepCompleted {
			completed = append(completed, rec)
		}
	}
	if len(completed) > 0 {
		sb.WriteString("\nTool results:\n")
		for _, rec := range completed {
			sb.WriteString(fmt.Sprintf("- %s: %v\n", rec.Tool, rec.Output))
		}
	}

	return sb.String()
}

// composeSystem derives the system preamble from the resolved persona values.
func composeSystem(cfg persona.CallConfig) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful assistant.")
	if cfg.Formality >= 0.6 {
		sb.WriteString(" Use a formal, professional tone.")
	}
	if cfg.HumorLevel == 0 {
		sb.WriteString(" Do not use humor.")
	}
	return sb.String()
}

// degradedResponse synthesizes the user-facing text for a failed run.
func degradedResponse(err error) string {
	msg := "I wasn't able to complete this request."
	if err == nil {
		return msg
	}
	switch err.(type) {
	case *TimeoutError:
		return msg + " The request exceeded its time budget; please try again."
	case *CircuitOpenError:
		return msg + " A required backend is temporarily unavailable; please try again shortly."
	default:
		return msg + " Please try again."
	}
}

func operationHint(req PipelineRequest) persona.OperationType {
	if req.Context != nil {
		switch persona.OperationType(req.Context.Preferences["operation"]) {
		case persona.OpCreative:
			return persona.OpCreative
		case persona.OpAnalytical:
			return persona.OpAnalytical
		case persona.OpFactual:
			return persona.OpFactual
		case persona.OpConversational:
			return persona.OpConversational
		}
	}
	return persona.OpConversational
}

func requestMetadata(req PipelineRequest) map[string]string {
	if req.Context == nil {
		return nil
	}
	return req.Context.Metadata
}

func toolRecord(step *ExecutionStep) ToolExecutionRecord {
	rec := ToolExecutionRecord{
		Tool:      step.Action,
		StepID:    step.ID,
		Status:    step.Status,
		Priority:  step.Priority,
		Rationale: step.Rationale,
		Output:    step.Output,
		Err:       step.Err,
	}
	if step.StartedAt != nil && step.EndedAt != nil {
		rec.Duration = step.EndedAt.Sub(*step.StartedAt)
	}
	return rec
}

func newPhaseResult(p Phase) *PhaseResult {
	return &PhaseResult{Phase: p, StartedAt: time.Now()}
}

func closePhaseResult(pr *PhaseResult, success bool) {
	pr.FinishedAt = time.Now()
	pr.Duration = pr.FinishedAt.Sub(pr.StartedAt)
	pr.Success = success
}

func addProof(pr *PhaseResult, kind, summary string) {
	pr.Proofs = append(pr.Proofs, Proof{
		Phase:     pr.Phase,
		Kind:      kind,
		Summary:   summary,
		Timestamp: time.Now(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// emit sends an event to the configured handler, stamping the time.
func (o *PipelineOrchestrator) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if o.cfg.EventHandler != nil {
		o.cfg.EventHandler(evt)
	}
}
