// ABOUTME: Tests for the tiered keyword classifier.
// ABOUTME: Covers category flags, risk aggregation, confidence, metadata, and determinism.
package classify

import (
	"reflect"
	"strings"
	"testing"
)

func TestClassifyCleanText(t *testing.T) {
	c := NewDefaultClassifier()
	res := c.Classify("what is the weather like tomorrow", nil)

	if res.IsError || res.IsSecurity || res.IsFinancial || res.IsInfraOp {
		t.Errorf("clean text flagged: %+v", res)
	}
	if res.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %s, want %s", res.RiskLevel, RiskLow)
	}
	if res.Confidence != 0 {
		t.Errorf("Confidence = %f, want 0", res.Confidence)
	}
	if len(res.Matches) != 0 {
		t.Errorf("Matches = %v, want none", res.Matches)
	}
}

func TestClassifyCategoryFlags(t *testing.T) {
	c := NewDefaultClassifier()

	tests := []struct {
		name string
		text string
		want func(AnalysisResult) bool
		risk RiskLevel
	}{
		{
			name: "error medium tier",
			text: "the job failed with an exception",
			want: func(r AnalysisResult) bool { return r.IsError && !r.IsSecurity },
			risk: RiskMedium,
		},
		{
			name: "security high tier",
			text: "we found a vulnerability in the login flow",
			want: func(r AnalysisResult) bool { return r.IsSecurity },
			risk: RiskHigh,
		},
		{
			name: "financial low tier",
			text: "how much money did we make last quarter",
			want: func(r AnalysisResult) bool { return r.IsFinancial },
			risk: RiskLow,
		},
		{
			name: "infra high tier",
			text: "please do not drop table users",
			want: func(r AnalysisResult) bool { return r.IsInfraOp },
			risk: RiskHigh,
		},
		{
			name: "financial and infra together",
			text: "What's our current cloud infrastructure bill?",
			want: func(r AnalysisResult) bool { return r.IsFinancial && r.IsInfraOp && !r.IsError && !r.IsSecurity },
			risk: RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.text, nil)
			if !tt.want(res) {
				t.Errorf("flags wrong for %q: %+v", tt.text, res)
			}
			if res.RiskLevel != tt.risk {
				t.Errorf("RiskLevel = %s, want %s", res.RiskLevel, tt.risk)
			}
		})
	}
}

func TestClassifyWordBoundaries(t *testing.T) {
	c := NewDefaultClassifier()

	// "billing" must not fire the high-tier "bill" keyword; it fires the
	// medium-tier "billing" keyword instead.
	res := c.Classify("a question about billing", nil)
	if !res.IsFinancial {
		t.Fatalf("billing not flagged financial: %+v", res)
	}
	if res.RiskLevel != RiskMedium {
		t.Errorf("RiskLevel = %s, want %s (substring must not match high tier)", res.RiskLevel, RiskMedium)
	}
	for _, m := range res.Matches {
		if m.Keyword == "bill" {
			t.Errorf("keyword %q matched inside %q", m.Keyword, "billing")
		}
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := NewDefaultClassifier()
	lower := c.Classify("there was an outage last night", nil)
	upper := c.Classify("there was an OUTAGE last night", nil)

	if !lower.IsError || !upper.IsError {
		t.Errorf("case sensitivity broke matching: lower=%+v upper=%+v", lower, upper)
	}
	if lower.RiskLevel != upper.RiskLevel {
		t.Errorf("risk differs by case: %s vs %s", lower.RiskLevel, upper.RiskLevel)
	}
}

func TestClassifyMetadataParticipates(t *testing.T) {
	c := NewDefaultClassifier()

	without := c.Classify("summarize this thread", nil)
	if without.IsFinancial {
		t.Fatalf("base text should be clean: %+v", without)
	}

	with := c.Classify("summarize this thread", map[string]string{"channel": "billing alerts"})
	if !with.IsFinancial {
		t.Errorf("metadata value should participate in matching: %+v", with)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewDefaultClassifier()
	text := "the payment server crash caused an outage"
	meta := map[string]string{"b": "deploy", "a": "token", "c": "budget"}

	first := c.Classify(text, meta)
	for i := 0; i < 10; i++ {
		if got := c.Classify(text, meta); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestClassifyConfidence(t *testing.T) {
	c := NewDefaultClassifier()

	// Dense matches in short text clamp to 1.
	dense := c.Classify("outage crash panic", nil)
	if dense.Confidence != 1 {
		t.Errorf("dense Confidence = %f, want 1", dense.Confidence)
	}

	// A single match in long text yields low confidence.
	sparse := c.Classify("bug "+strings.Repeat("lorem ipsum dolor sit amet ", 20), nil)
	if sparse.Confidence <= 0 || sparse.Confidence >= 0.5 {
		t.Errorf("sparse Confidence = %f, want small positive", sparse.Confidence)
	}
	if dense.Confidence <= sparse.Confidence {
		t.Errorf("dense (%f) should exceed sparse (%f)", dense.Confidence, sparse.Confidence)
	}
}

func TestClassifyRiskIsMaxTier(t *testing.T) {
	c := NewDefaultClassifier()

	// Medium-tier error keyword plus high-tier financial keyword: overall
	// risk takes the maximum.
	res := c.Classify("the refund job logged an error", nil)
	if !res.IsError || !res.IsFinancial {
		t.Fatalf("flags wrong: %+v", res)
	}
	if res.RiskLevel != RiskHigh {
		t.Errorf("RiskLevel = %s, want %s", res.RiskLevel, RiskHigh)
	}
}

func TestCustomConfig(t *testing.T) {
	cfg := Config{
		Error: TierKeywords{High: []string{"meltdown"}},
	}
	c := NewKeywordClassifier(cfg)

	res := c.Classify("total meltdown in the queue", nil)
	if !res.IsError || res.RiskLevel != RiskHigh {
		t.Errorf("custom keyword not honored: %+v", res)
	}

	// Default keywords are not present in a custom config.
	res = c.Classify("there was an outage", nil)
	if res.IsError {
		t.Errorf("default keyword leaked into custom config: %+v", res)
	}
}

func TestSensitive(t *testing.T) {
	r := AnalysisResult{IsSecurity: true}
	if !r.Sensitive(CategorySecurity) {
		t.Error("Sensitive(security) = false, want true")
	}
	if r.Sensitive(CategoryFinancial) {
		t.Error("Sensitive(financial) = true, want false")
	}
}
