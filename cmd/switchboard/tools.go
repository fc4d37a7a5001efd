// ABOUTME: Built-in demo tools backing the planner's default rule set.
// ABOUTME: Deterministic local implementations; real deployments register their own backends.
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/lanternlabs/switchboard/pipeline"
)

// demoTools returns local implementations for every tool the default planner
// rules can propose, so the server is usable out of the box.
func demoTools() map[string]pipeline.Tool {
	tools := map[string]pipeline.Tool{}
	for _, t := range []pipeline.Tool{
		&echoTool{name: "web_search", label: "search results"},
		&calculatorTool{},
		&echoTool{name: "cost_report", label: "cost report"},
		&echoTool{name: "infra_status", label: "infrastructure status"},
		&echoTool{name: "incident_lookup", label: "incident history"},
	} {
		tools[t.Name()] = t
	}
	return tools
}

// echoTool is a placeholder backend that acknowledges the query. It stands in
// for tools whose real backends live outside this process.
type echoTool struct {
	name  string
	label string
}

func (t *echoTool) Name() string { return t.name }

func (t *echoTool) Schema() pipeline.ToolSchema {
	return pipeline.ToolSchema{
		Input: map[string]pipeline.FieldSpec{
			"query": {Type: "string", Required: true},
		},
		Output: map[string]pipeline.FieldSpec{
			"summary": {Type: "string", Required: true},
		},
	}
}

func (t *echoTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, _ := input["query"].(string)
	return map[string]any{
		"summary": fmt.Sprintf("no %s backend configured for query %q", t.label, query),
	}, nil
}

// calculatorTool evaluates the handful of aggregate words the default planner
// rule matches on. Anything it cannot handle is reported, not guessed.
type calculatorTool struct{}

func (t *calculatorTool) Name() string { return "calculator" }

func (t *calculatorTool) Schema() pipeline.ToolSchema {
	return pipeline.ToolSchema{
		Input: map[string]pipeline.FieldSpec{
			"expression": {Type: "string", Required: true},
		},
		Output: map[string]pipeline.FieldSpec{
			"summary": {Type: "string", Required: true},
		},
	}
}

func (t *calculatorTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expr, _ := input["expression"].(string)
	summary := "no numeric expression found"
	if strings.ContainsAny(expr, "0123456789") {
		summary = "expression noted; connect a computation backend for exact results"
	}
	return map[string]any{"summary": summary}, nil
}
