// ABOUTME: Collaborator contracts (retrieval, tool, synthesis) and the step-type handler registry.
// ABOUTME: Registry dispatch replaces switch-on-type so new step types register without touching the engine.
package pipeline

import (
	"context"
	"fmt"

	"github.com/lanternlabs/switchboard/persona"
)

// RetrievedDoc is one ranked retrieval result.
type RetrievedDoc struct {
	ID      string         `json:"id"`
	Title   string         `json:"title,omitempty"`
	Content string         `json:"content"`
	Score   float64        `json:"score"`
	Source  string         `json:"source,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Retriever is the retrieval collaborator contract. Implementations must
// honor ctx cancellation.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filters map[string]string, limit int) ([]RetrievedDoc, error)
}

// FieldSpec declares one field of a tool's input or output schema.
type FieldSpec struct {
	Type     string // "string", "number", "boolean", "object", "array"
	Required bool
}

// ToolSchema declares a tool's input and output shapes. Input is validated
// before invocation, output after.
type ToolSchema struct {
	Input  map[string]FieldSpec
	Output map[string]FieldSpec
}

// Tool is the tool collaborator contract. Implementations must honor ctx
// cancellation.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// SynthesisRequest is the composed input to the synthesis collaborator.
type SynthesisRequest struct {
	Prompt     string
	System     string
	CallConfig persona.CallConfig
}

// Synthesizer is the synthesis/LLM collaborator contract. Implementations
// must honor ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// StepHandler executes steps of one step type. The registry replaces
// open-ended conditional dispatch: adding a step type means registering a
// handler, not editing the engine.
type StepHandler interface {
	// Type returns the step type this handler serves.
	Type() StepType

	// Handle runs one attempt of the step's underlying action.
	Handle(ctx context.Context, step *ExecutionStep) (any, error)
}

// HandlerRegistry maps step types to handlers.
type HandlerRegistry struct {
	handlers map[StepType]StepHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[StepType]StepHandler)}
}

// Register adds a handler, keyed by its Type. Registering an already-present
// type replaces the previous handler.
func (r *HandlerRegistry) Register(h StepHandler) {
	r.handlers[h.Type()] = h
}

// Get returns the handler for the step type, or nil if none is registered.
func (r *HandlerRegistry) Get(t StepType) StepHandler {
	return r.handlers[t]
}

// Func returns the registered handler for the step wrapped as a StepFunc for
// SafeExecutor, or an error if the step type has no handler.
func (r *HandlerRegistry) Func(step *ExecutionStep) (StepFunc, error) {
	h := r.handlers[step.Type]
	if h == nil {
		return nil, NewValidationError("type", fmt.Sprintf("no handler registered for step type %q", step.Type))
	}
	return func(ctx context.Context, _ map[string]any) (any, error) {
		return h.Handle(ctx, step)
	}, nil
}

// RetrievalHandler adapts a Retriever collaborator to the step interface.
type RetrievalHandler struct {
	Retriever Retriever
}

// Type returns StepRetrieval.
func (h *RetrievalHandler) Type() StepType { return StepRetrieval }

// Handle performs one retrieval call. Input fields: "query" (string),
// "filters" (map), "limit" (number).
func (h *RetrievalHandler) Handle(ctx context.Context, step *ExecutionStep) (any, error) {
	if h.Retriever == nil {
		return nil, NewValidationError("retriever", "no retrieval collaborator configured")
	}

	query, _ := step.Input["query"].(string)
	if query == "" {
		return nil, NewValidationError("query", "retrieval step requires a query")
	}

	limit := 5
	if v, ok := step.Input["limit"].(int); ok && v > 0 {
		limit = v
	} else if v, ok := step.Input["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	filters := map[string]string{}
	if raw, ok := step.Input["filters"].(map[string]string); ok {
		filters = raw
	}

	docs, err := h.Retriever.Retrieve(ctx, query, filters, limit)
	if err != nil {
		return nil, NewTransientError("retrieval failed", err)
	}
	return docs, nil
}

// ToolHandler adapts a named Tool collaborator to the step interface,
// validating input against the tool's declared schema before invocation and
// output after.
type ToolHandler struct {
	Tools map[string]Tool
}

// Type returns StepToolCall.
func (h *ToolHandler) Type() StepType { return StepToolCall }

// Handle executes the tool named by the step's action descriptor.
func (h *ToolHandler) Handle(ctx context.Context, step *ExecutionStep) (any, error) {
	tool, ok := h.Tools[step.Action]
	if !ok {
		return nil, NewValidationError("action", fmt.Sprintf("unknown tool %q", step.Action))
	}

	schema := tool.Schema()
	if err := validateFields(step.Input, schema.Input, "input"); err != nil {
		return nil, err
	}

	out, err := tool.Execute(ctx, step.Input)
	if err != nil {
		return nil, err
	}

	if err := validateFields(out, schema.Output, "output"); err != nil {
		return nil, err
	}
	return out, nil
}

// SynthesisHandler adapts a Synthesizer collaborator to the step interface.
// The composed request travels in the step input ("prompt", "system",
// "config"), which also makes it part of the idempotency key.
type SynthesisHandler struct {
	Synthesizer Synthesizer
}

// Type returns StepSynthesis.
func (h *SynthesisHandler) Type() StepType { return StepSynthesis }

// Handle performs one synthesis call.
func (h *SynthesisHandler) Handle(ctx context.Context, step *ExecutionStep) (any, error) {
	if h.Synthesizer == nil {
		return nil, NewValidationError("synthesizer", "no synthesis collaborator configured")
	}

	prompt, _ := step.Input["prompt"].(string)
	if prompt == "" {
		return nil, NewValidationError("prompt", "synthesis step requires a prompt")
	}
	system, _ := step.Input["system"].(string)
	cfg, _ := step.Input["config"].(persona.CallConfig)

	text, err := h.Synthesizer.Synthesize(ctx, SynthesisRequest{
		Prompt:     prompt,
		System:     system,
		CallConfig: cfg,
	})
	if err != nil {
		return nil, err
	}
	return text, nil
}

// validateFields checks a payload against a declared field map: required
// fields must be present, and present fields must match their declared type.
func validateFields(payload map[string]any, fields map[string]FieldSpec, kind string) error {
	for name, spec := range fields {
		v, present := payload[name]
		if !present {
			if spec.Required {
				return NewValidationError(name, fmt.Sprintf("missing required %s field", kind))
			}
			continue
		}
		if !matchesType(v, spec.Type) {
			return NewValidationError(name, fmt.Sprintf("%s field has wrong type (want %s)", kind, spec.Type))
		}
	}
	return nil
}

func matchesType(v any, typeName string) bool {
	switch typeName {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
