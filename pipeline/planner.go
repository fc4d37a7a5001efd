// ABOUTME: ToolPlanner turns a prompt, retrieval results, and classification into an ordered or parallel tool plan.
// ABOUTME: Heuristic rules add prioritized candidates; filtering and truncation happen after generation.
package pipeline

import (
	"regexp"
	"sort"

	"github.com/lanternlabs/switchboard/classify"
)

// ExecutionMode says how a tool plan's steps run.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// CriticalPriority is the threshold above which a failed sequential step
// aborts the remaining sequence.
const CriticalPriority = 7

// ToolPlan is the planner's output: candidate tool steps plus the execution
// mode chosen by the fan-out strategy.
type ToolPlan struct {
	Mode  ExecutionMode
	Steps []*ExecutionStep
}

// PlannerInput carries everything the planner considers.
type PlannerInput struct {
	Prompt       string
	Retrieved    []RetrievedDoc
	Analysis     classify.AnalysisResult
	AllowedTools []string
	MaxToolCalls int
}

// PlannerRule is one heuristic: when the prompt matches Pattern or Flag
// returns true for the analysis, the rule adds a candidate invocation.
type PlannerRule struct {
	Tool      string
	Priority  int // 0-10
	Rationale string

	// Pattern matches against the prompt; nil means prompt text is ignored.
	Pattern *regexp.Regexp

	// Flag matches against the classification; nil means it is ignored.
	// A rule with both set fires if either matches.
	Flag func(classify.AnalysisResult) bool

	// Input builds the step input from the planner input.
	Input func(in PlannerInput) map[string]any
}

// ToolPlanner generates tool plans from a fixed rule set.
type ToolPlanner struct {
	rules []PlannerRule
}

// NewToolPlanner creates a planner with the given rules, evaluated in order.
func NewToolPlanner(rules []PlannerRule) *ToolPlanner {
	return &ToolPlanner{rules: rules}
}

// DefaultPlannerRules returns the built-in heuristics. They reference tool
// names only; whether a tool is actually available is the caller's concern
// (unknown tools fail validation at execution time, or are excluded via
// AllowedTools).
func DefaultPlannerRules() []PlannerRule {
	return []PlannerRule{
		{
			Tool:      "web_search",
			Priority:  6,
			Rationale: "prompt asks about current or recent information",
			Pattern:   regexp.MustCompile(`(?i)\b(latest|current|recent|today|news)\b`),
			Input: func(in PlannerInput) map[string]any {
				return map[string]any{"query": in.Prompt}
			},
		},
		{
			Tool:      "calculator",
			Priority:  8,
			Rationale: "prompt asks for computation",
			Pattern:   regexp.MustCompile(`(?i)\b(calculate|compute|sum|total|average|percent)\b`),
			Input: func(in PlannerInput) map[string]any {
				return map[string]any{"expression": in.Prompt}
			},
		},
		{
			Tool:      "cost_report",
			Priority:  7,
			Rationale: "financial context detected",
			Flag:      func(a classify.AnalysisResult) bool { return a.IsFinancial },
			Input: func(in PlannerInput) map[string]any {
				return map[string]any{"query": in.Prompt}
			},
		},
		{
			Tool:      "infra_status",
			Priority:  5,
			Rationale: "infrastructure context detected",
			Flag:      func(a classify.AnalysisResult) bool { return a.IsInfraOp },
			Input: func(in PlannerInput) map[string]any {
				return map[string]any{"query": in.Prompt}
			},
		},
		{
			Tool:      "incident_lookup",
			Priority:  6,
			Rationale: "error context detected",
			Flag:      func(a classify.AnalysisResult) bool { return a.IsError },
			Input: func(in PlannerInput) map[string]any {
				return map[string]any{"query": in.Prompt}
			},
		},
	}
}

// Plan generates candidate invocations from the rules, then post-filters by
// AllowedTools and truncates to MaxToolCalls. Filtering happens after
// generation so priority ordering is preserved. Strategy: more than two
// candidates execute in parallel; two or fewer run sequentially, where a
// failed step with priority above CriticalPriority aborts the remainder.
func (p *ToolPlanner) Plan(in PlannerInput) ToolPlan {
	var steps []*ExecutionStep

	for _, rule := range p.rules {
		fired := false
		if rule.Pattern != nil && rule.Pattern.MatchString(in.Prompt) {
			fired = true
		}
		if !fired && rule.Flag != nil && rule.Flag(in.Analysis) {
			fired = true
		}
		if !fired {
			continue
		}

		input := map[string]any{}
		if rule.Input != nil {
			input = rule.Input(in)
		}
		step := NewStep(StepToolCall, rule.Tool, input)
		step.Priority = rule.Priority
		step.Rationale = rule.Rationale
		steps = append(steps, step)
	}

	// Highest priority first; rule order breaks ties (stable sort).
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Priority > steps[j].Priority
	})

	// Post-filter by allowed tools, then truncate. Both after generation.
	if in.AllowedTools != nil {
		allowed := make(map[string]struct{}, len(in.AllowedTools))
		for _, t := range in.AllowedTools {
			allowed[t] = struct{}{}
		}
		filtered := steps[:0]
		for _, s := range steps {
			if _, ok := allowed[s.Action]; ok {
				filtered = append(filtered, s)
			}
		}
		steps = filtered
	}
	if in.MaxToolCalls > 0 && len(steps) > in.MaxToolCalls {
		steps = steps[:in.MaxToolCalls]
	}

	mode := ModeSequential
	if len(steps) > 2 {
		mode = ModeParallel
	}

	return ToolPlan{Mode: mode, Steps: steps}
}
