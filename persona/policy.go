// ABOUTME: Persona policy combining context analysis with tone configuration to pick model call parameters.
// ABOUTME: Forces safe defaults in sensitive contexts; fully deterministic for identical inputs.
package persona

import (
	"fmt"
	"strings"
	"time"

	"github.com/lanternlabs/switchboard/classify"
)

// Config is the persona/tone configuration. All levels are in [0,1].
type Config struct {
	Formality  float64 `yaml:"formality"`
	Terseness  float64 `yaml:"terseness"`
	HumorLevel float64 `yaml:"humor_level"`

	DisableHumorInError     bool `yaml:"disable_humor_in_error"`
	DisableHumorInSecurity  bool `yaml:"disable_humor_in_security"`
	DisableHumorInFinancial bool `yaml:"disable_humor_in_financial"`
	DisableHumorInInfraOp   bool `yaml:"disable_humor_in_infra_op"`
}

// DefaultConfig returns a persona with moderate formality and all
// sensitive-context humor toggles enabled.
func DefaultConfig() Config {
	return Config{
		Formality:               0.5,
		Terseness:               0.4,
		HumorLevel:              0.3,
		DisableHumorInError:     true,
		DisableHumorInSecurity:  true,
		DisableHumorInFinancial: true,
		DisableHumorInInfraOp:   true,
	}
}

// disableHumorFor reports whether the persona disables humor for the category.
func (c Config) disableHumorFor(cat classify.Category) bool {
	switch cat {
	case classify.CategoryError:
		return c.DisableHumorInError
	case classify.CategorySecurity:
		return c.DisableHumorInSecurity
	case classify.CategoryFinancial:
		return c.DisableHumorInFinancial
	case classify.CategoryInfraOp:
		return c.DisableHumorInInfraOp
	}
	return false
}

// CallConfig is the resolved LLM call configuration handed to the synthesis
// collaborator.
type CallConfig struct {
	Model            string        `json:"model"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"topP"`
	FrequencyPenalty float64       `json:"frequencyPenalty"`
	PresencePenalty  float64       `json:"presencePenalty"`
	MaxTokens        int           `json:"maxTokens"`
	Timeout          time.Duration `json:"timeout"`

	// Effective persona values after safety forcing.
	Formality  float64 `json:"formality"`
	HumorLevel float64 `json:"humorLevel"`

	// Rationale is a human-readable explanation of the choices made.
	Rationale string `json:"rationale"`
}

// Request carries the inputs to Resolve.
type Request struct {
	Analysis           classify.AnalysisResult
	Persona            Config
	Operation          OperationType
	PromptLength       int
	ConversationLength int
}

// Policy resolves model call parameters from an analysis result and a
// persona configuration. All computations are deterministic given identical
// inputs.
type Policy struct {
	catalog *Catalog
}

// NewPolicy creates a Policy over the given catalog. A nil catalog uses the
// default candidate set.
func NewPolicy(catalog *Catalog) *Policy {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Policy{catalog: catalog}
}

// Resolve applies the persona policy rules in order:
//  1. Force humor to 0 and raise the formality floor when a matched category
//     has its disable-humor toggle set.
//  2. Start from the selected model's default temperature, clamp downward for
//     risky categories, and adjust by operation type (caps win).
//  3. Pick the model by weighted score over declared strengths, risk, and
//     persona fit, minus a cost penalty for low-risk requests; ties go to
//     the earlier catalog declaration.
//  4. Scale max tokens and timeout with prompt/conversation length, persona
//     terseness, and risk level.
func (p *Policy) Resolve(req Request) CallConfig {
	analysis := req.Analysis
	persona := req.Persona

	var notes []string

	// Rule 1: humor forcing and formality floor.
	humor := persona.HumorLevel
	formality := persona.Formality
	for _, cat := range classify.Categories {
		if analysis.Sensitive(cat) && persona.disableHumorFor(cat) {
			if humor != 0 {
				notes = append(notes, fmt.Sprintf("humor disabled (%s context)", cat))
			}
			humor = 0
			floor := 0.6
			if analysis.RiskLevel == classify.RiskHigh {
				floor = 0.8
			}
			if formality < floor {
				formality = floor
				notes = append(notes, fmt.Sprintf("formality raised to %.1f", floor))
			}
		}
	}

	// Rule 3 runs before rule 2 needs the model's default temperature.
	model := p.selectModel(analysis, persona, req.Operation)
	notes = append(notes, "model "+model.ID)

	// Rule 2: temperature from model default, operation adjustment, then
	// risk caps (caps win over adjustments).
	temp := model.DefaultTemperature
	switch req.Operation {
	case OpCreative:
		temp += 0.15
	case OpFactual:
		temp -= 0.10
	case OpAnalytical:
		temp -= 0.05
	}
	if analysis.IsSecurity || analysis.IsFinancial || analysis.RiskLevel == classify.RiskHigh {
		if temp > 0.3 {
			temp = 0.3
			notes = append(notes, "temperature capped at 0.3 (high-risk context)")
		}
	} else if analysis.IsError || analysis.IsInfraOp {
		if temp > 0.4 {
			temp = 0.4
			notes = append(notes, "temperature capped at 0.4 (operational context)")
		}
	}
	if temp < 0 {
		temp = 0
	}

	// Rule 4: token budget and timeout scaling.
	maxTokens := model.MaxOutput / 2
	if req.ConversationLength > 10 {
		maxTokens = model.MaxOutput
	} else if req.PromptLength > 2000 {
		maxTokens = (model.MaxOutput * 3) / 4
	}
	if persona.Terseness >= 0.7 {
		maxTokens /= 2
		notes = append(notes, "token budget halved (terse persona)")
	}
	if maxTokens < 256 {
		maxTokens = 256
	}

	timeout := model.DefaultTimeout
	if analysis.RiskLevel == classify.RiskHigh {
		timeout = timeout * 2
		notes = append(notes, "timeout doubled (high risk)")
	}

	topP := 1.0
	if analysis.RiskLevel == classify.RiskHigh {
		topP = 0.9
	}

	// Slight presence penalty for conversational work to discourage loops;
	// frequency penalty follows terseness.
	presence := 0.0
	if req.Operation == OpConversational {
		presence = 0.1
	}
	frequency := 0.0
	if persona.Terseness >= 0.7 {
		frequency = 0.2
	}

	return CallConfig{
		Model:            model.ID,
		Temperature:      round2(temp),
		TopP:             topP,
		FrequencyPenalty: frequency,
		PresencePenalty:  presence,
		MaxTokens:        maxTokens,
		Timeout:          timeout,
		Formality:        formality,
		HumorLevel:       humor,
		Rationale:        strings.Join(notes, "; "),
	}
}

// selectModel scores every catalog candidate and returns the winner.
// Scoring is deterministic; a strictly greater score is required to displace
// an earlier candidate, so ties break by declaration order.
func (p *Policy) selectModel(analysis classify.AnalysisResult, persona Config, op OperationType) *ModelProfile {
	models := p.catalog.List()
	if len(models) == 0 {
		// Empty catalogs are a configuration bug; fall back to a stub so
		// Resolve stays total.
		return &ModelProfile{ID: "unconfigured", MaxOutput: 2048, DefaultTimeout: 30 * time.Second}
	}

	best := 0
	bestScore := scoreModel(&models[0], analysis, persona, op)
	for i := 1; i < len(models); i++ {
		if s := scoreModel(&models[i], analysis, persona, op); s > bestScore {
			best, bestScore = i, s
		}
	}

	m := models[best]
	return &m
}

// scoreModel computes the weighted fit of one candidate.
func scoreModel(m *ModelProfile, analysis classify.AnalysisResult, persona Config, op OperationType) float64 {
	score := 2.0 * m.Strengths[op]

	switch analysis.RiskLevel {
	case classify.RiskHigh:
		score += 1.5 * m.Steadiness
	case classify.RiskMedium:
		score += 0.75 * m.Steadiness
	}

	// Formal or terse personas benefit from steadier models.
	score += 0.5 * m.Steadiness * (persona.Formality + persona.Terseness) / 2

	// Low-risk requests pay for expensive models.
	if analysis.RiskLevel == classify.RiskLow {
		score -= m.CostPerMillion / 20.0
	}

	return score
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
