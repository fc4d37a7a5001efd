// ABOUTME: Context classification turning free request text into a risk-aware analysis result.
// ABOUTME: Pure and deterministic: tiered keyword matching across error/security/financial/infra-op categories.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// Category identifies one of the four sensitive-context categories.
type Category string

const (
	CategoryError     Category = "error"
	CategorySecurity  Category = "security"
	CategoryFinancial Category = "financial"
	CategoryInfraOp   Category = "infra_op"
)

// Categories lists all categories in a fixed order.
var Categories = []Category{CategoryError, CategorySecurity, CategoryFinancial, CategoryInfraOp}

// Tier is the severity tier of a keyword pattern.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// RiskLevel is the aggregate risk across all matched categories.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// tierWeight maps tiers to their numeric weights (high=3, medium=2, low=1).
func tierWeight(t Tier) int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	default:
		return 1
	}
}

// KeywordMatch records one keyword hit that contributed to the analysis.
type KeywordMatch struct {
	Category Category `json:"category"`
	Tier     Tier     `json:"tier"`
	Keyword  string   `json:"keyword"`
}

// AnalysisResult is the outcome of classifying one request. Ephemeral:
// computed fresh per request, never stored.
type AnalysisResult struct {
	IsError     bool           `json:"isError"`
	IsSecurity  bool           `json:"isSecurity"`
	IsFinancial bool           `json:"isFinancial"`
	IsInfraOp   bool           `json:"isInfraOp"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	Confidence  float64        `json:"confidence"`
	Matches     []KeywordMatch `json:"matches,omitempty"`
}

// Sensitive reports whether the given category matched.
func (a AnalysisResult) Sensitive(c Category) bool {
	switch c {
	case CategoryError:
		return a.IsError
	case CategorySecurity:
		return a.IsSecurity
	case CategoryFinancial:
		return a.IsFinancial
	case CategoryInfraOp:
		return a.IsInfraOp
	}
	return false
}

// Classifier maps request text plus optional metadata to an AnalysisResult.
// Implementations must be pure: identical input yields identical output.
// The keyword implementation below is the default; a model-based classifier
// can be substituted without touching the orchestrator or policy layers.
type Classifier interface {
	Classify(text string, metadata map[string]string) AnalysisResult
}

// TierKeywords holds the keyword lists for one category, by severity tier.
type TierKeywords struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

// Config holds the keyword tiers per category plus the confidence scale.
// Thresholds are configuration, not embedded constants.
type Config struct {
	Error     TierKeywords `yaml:"error"`
	Security  TierKeywords `yaml:"security"`
	Financial TierKeywords `yaml:"financial"`
	InfraOp   TierKeywords `yaml:"infra_op"`

	// ConfidenceScale converts matches-per-byte into confidence; the result
	// is clamped to [0,1]. Zero means the default (40).
	ConfidenceScale float64 `yaml:"confidence_scale"`
}

// DefaultConfig returns the built-in keyword tiers.
func DefaultConfig() Config {
	return Config{
		Error: TierKeywords{
			High:   []string{"outage", "data loss", "crash", "panic", "corruption"},
			Medium: []string{"error", "exception", "failed", "failure", "stack trace", "broken"},
			Low:    []string{"bug", "issue", "warning", "flaky"},
		},
		Security: TierKeywords{
			High:   []string{"vulnerability", "breach", "exploit", "cve", "leaked credential", "injection"},
			Medium: []string{"password", "token", "secret", "credential", "auth", "permission"},
			Low:    []string{"security", "encrypt", "certificate"},
		},
		Financial: TierKeywords{
			High:   []string{"invoice", "payment", "bill", "refund", "payroll", "wire transfer"},
			Medium: []string{"cost", "budget", "billing", "pricing", "expense"},
			Low:    []string{"money", "spend", "revenue"},
		},
		InfraOp: TierKeywords{
			High:   []string{"delete cluster", "drop table", "terminate instance", "rollback production", "wipe"},
			Medium: []string{"deploy", "infrastructure", "kubernetes", "terraform", "server", "cloud", "database"},
			Low:    []string{"restart", "scale", "configuration", "provision"},
		},
	}
}

// KeywordClassifier is the default Classifier: tiered keyword matching with
// word-boundary regexps compiled once at construction. No I/O, no side
// effects, no internal state mutation after construction.
type KeywordClassifier struct {
	patterns        map[Category]map[Tier][]compiledKeyword
	confidenceScale float64
}

type compiledKeyword struct {
	keyword string
	re      *regexp.Regexp
}

// NewKeywordClassifier compiles the config's keyword tiers into a classifier.
func NewKeywordClassifier(cfg Config) *KeywordClassifier {
	scale := cfg.ConfidenceScale
	if scale <= 0 {
		scale = 40
	}

	c := &KeywordClassifier{
		patterns:        make(map[Category]map[Tier][]compiledKeyword),
		confidenceScale: scale,
	}

	tiers := map[Category]TierKeywords{
		CategoryError:     cfg.Error,
		CategorySecurity:  cfg.Security,
		CategoryFinancial: cfg.Financial,
		CategoryInfraOp:   cfg.InfraOp,
	}
	for cat, tk := range tiers {
		c.patterns[cat] = map[Tier][]compiledKeyword{
			TierHigh:   compileKeywords(tk.High),
			TierMedium: compileKeywords(tk.Medium),
			TierLow:    compileKeywords(tk.Low),
		}
	}
	return c
}

// NewDefaultClassifier returns a KeywordClassifier built from DefaultConfig.
func NewDefaultClassifier() *KeywordClassifier {
	return NewKeywordClassifier(DefaultConfig())
}

func compileKeywords(keywords []string) []compiledKeyword {
	out := make([]compiledKeyword, 0, len(keywords))
	for _, kw := range keywords {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.ToLower(kw)) + `\b`)
		out = append(out, compiledKeyword{keyword: kw, re: re})
	}
	return out
}

// Classify matches the text against every category's keyword tiers. A
// category is flagged when any tier matches; the overall risk level is the
// maximum tier weight found across all categories; confidence is the total
// match count normalized by text length, clamped to [0,1].
func (c *KeywordClassifier) Classify(text string, metadata map[string]string) AnalysisResult {
	haystack := text
	if len(metadata) > 0 {
		// Metadata values participate in matching in a deterministic order.
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(text)
		for _, k := range keys {
			sb.WriteString("\n")
			sb.WriteString(metadata[k])
		}
		haystack = sb.String()
	}

	result := AnalysisResult{RiskLevel: RiskLow}
	maxWeight := 0
	totalMatches := 0

	for _, cat := range Categories {
		matched := false
		for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
			for _, ck := range c.patterns[cat][tier] {
				if !ck.re.MatchString(haystack) {
					continue
				}
				matched = true
				totalMatches++
				result.Matches = append(result.Matches, KeywordMatch{
					Category: cat,
					Tier:     tier,
					Keyword:  ck.keyword,
				})
				if w := tierWeight(tier); w > maxWeight {
					maxWeight = w
				}
			}
		}
		if matched {
			switch cat {
			case CategoryError:
				result.IsError = true
			case CategorySecurity:
				result.IsSecurity = true
			case CategoryFinancial:
				result.IsFinancial = true
			case CategoryInfraOp:
				result.IsInfraOp = true
			}
		}
	}

	switch maxWeight {
	case 3:
		result.RiskLevel = RiskHigh
	case 2:
		result.RiskLevel = RiskMedium
	default:
		result.RiskLevel = RiskLow
	}

	if totalMatches > 0 && len(haystack) > 0 {
		conf := float64(totalMatches) * c.confidenceScale / float64(len(haystack))
		if conf > 1 {
			conf = 1
		}
		result.Confidence = conf
	}

	return result
}
