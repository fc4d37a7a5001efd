// ABOUTME: Model catalog providing metadata and declared strengths for candidate LLM models.
// ABOUTME: Supports lookup by ID or alias and custom model registration; declaration order breaks scoring ties.
package persona

import "time"

// OperationType hints at the nature of the requested work.
type OperationType string

const (
	OpCreative       OperationType = "creative"
	OpAnalytical     OperationType = "analytical"
	OpFactual        OperationType = "factual"
	OpConversational OperationType = "conversational"
)

// ModelProfile describes a candidate model's defaults, declared strengths,
// and cost for the selection scoring in Policy.Resolve.
type ModelProfile struct {
	ID          string
	Provider    string
	DisplayName string

	// DefaultTemperature is the model's base sampling temperature before
	// risk clamping and operation-type adjustment.
	DefaultTemperature float64

	// Strengths declares how well the model fits each operation type, in [0,1].
	Strengths map[OperationType]float64

	// Steadiness declares how well the model behaves under high-risk,
	// low-creativity constraints, in [0,1].
	Steadiness float64

	// MaxOutput is the model's output token ceiling.
	MaxOutput int

	// DefaultTimeout is the base call timeout before risk scaling.
	DefaultTimeout time.Duration

	// CostPerMillion is the blended USD cost per 1M tokens, used as a
	// penalty for low-risk requests where a cheap model suffices.
	CostPerMillion float64

	Aliases []string
}

// Catalog holds candidate models in declaration order.
type Catalog struct {
	models []ModelProfile
}

// builtinModels returns the default candidate set.
func builtinModels() []ModelProfile {
	return []ModelProfile{
		{
			ID:                 "gpt-5.2",
			Provider:           "openai",
			DisplayName:        "GPT-5.2",
			DefaultTemperature: 0.7,
			Strengths: map[OperationType]float64{
				OpCreative:       0.8,
				OpAnalytical:     0.9,
				OpFactual:        0.85,
				OpConversational: 0.8,
			},
			Steadiness:     0.9,
			MaxOutput:      8192,
			DefaultTimeout: 30 * time.Second,
			CostPerMillion: 6.0,
			Aliases:        []string{"gpt5"},
		},
		{
			ID:                 "gpt-5.2-mini",
			Provider:           "openai",
			DisplayName:        "GPT-5.2 Mini",
			DefaultTemperature: 0.8,
			Strengths: map[OperationType]float64{
				OpCreative:       0.7,
				OpAnalytical:     0.65,
				OpFactual:        0.7,
				OpConversational: 0.85,
			},
			Steadiness:     0.6,
			MaxOutput:      4096,
			DefaultTimeout: 20 * time.Second,
			CostPerMillion: 0.8,
			Aliases:        []string{"mini"},
		},
		{
			ID:                 "claude-sonnet-4-5",
			Provider:           "anthropic",
			DisplayName:        "Claude Sonnet 4.5",
			DefaultTemperature: 0.7,
			Strengths: map[OperationType]float64{
				OpCreative:       0.9,
				OpAnalytical:     0.85,
				OpFactual:        0.8,
				OpConversational: 0.9,
			},
			Steadiness:     0.85,
			MaxOutput:      8192,
			DefaultTimeout: 30 * time.Second,
			CostPerMillion: 9.0,
			Aliases:        []string{"sonnet"},
		},
	}
}

// DefaultCatalog returns a new Catalog pre-populated with the built-in
// candidates. Each call returns an independent copy so registrations on one
// catalog do not affect others.
func DefaultCatalog() *Catalog {
	return &Catalog{models: builtinModels()}
}

// NewCatalog creates a catalog from an explicit candidate list, preserving order.
func NewCatalog(models []ModelProfile) *Catalog {
	out := make([]ModelProfile, len(models))
	copy(out, models)
	return &Catalog{models: out}
}

// Get looks up a model by its canonical ID or any of its aliases.
// Returns nil if no matching model is found.
func (c *Catalog) Get(modelID string) *ModelProfile {
	for i := range c.models {
		if c.models[i].ID == modelID {
			return &c.models[i]
		}
		for _, alias := range c.models[i].Aliases {
			if alias == modelID {
				return &c.models[i]
			}
		}
	}
	return nil
}

// List returns the catalog's models in declaration order.
func (c *Catalog) List() []ModelProfile {
	out := make([]ModelProfile, len(c.models))
	copy(out, c.models)
	return out
}

// Register adds a model to the catalog. If a model with the same ID already
// exists, it is replaced in place, keeping its declaration position.
func (c *Catalog) Register(model ModelProfile) {
	for i := range c.models {
		if c.models[i].ID == model.ID {
			c.models[i] = model
			return
		}
	}
	c.models = append(c.models, model)
}
