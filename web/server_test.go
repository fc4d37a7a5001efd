// ABOUTME: HTTP surface tests over httptest: chat execution, breaker endpoints, and rate limiting.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lanternlabs/switchboard/pipeline"
)

type okSynthesizer struct{ text string }

func (s *okSynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (string, error) {
	return s.text, nil
}

func testServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	rails := pipeline.DefaultSafetyRails()
	rails.Backoff.BaseDelay = time.Millisecond
	orch := pipeline.NewOrchestrator(pipeline.NewSafeExecutor(rails), pipeline.OrchestratorConfig{
		Synthesizer: &okSynthesizer{text: "hello from the pipeline"},
	})
	return NewServer(orch, cfg)
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleChat(t *testing.T) {
	s := testServer(t, ServerConfig{})

	rec := postJSON(t, s, "/api/chat", `{"userPrompt":"hello there","sessionId":"s1","userId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res pipeline.PipelineResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false: %+v", res)
	}
	if res.Response != "hello from the pipeline" {
		t.Errorf("Response = %q", res.Response)
	}
	if len(res.Phases) == 0 {
		t.Error("proof trail missing")
	}
}

func TestHandleChatHTMLFormat(t *testing.T) {
	rails := pipeline.DefaultSafetyRails()
	orch := pipeline.NewOrchestrator(pipeline.NewSafeExecutor(rails), pipeline.OrchestratorConfig{
		Synthesizer: &okSynthesizer{text: "# Heading\n\nbody text"},
	})
	s := NewServer(orch, ServerConfig{})

	rec := postJSON(t, s, "/api/chat?format=html", `{"userPrompt":"hello","sessionId":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var res struct {
		ResponseHTML string `json:"responseHtml"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(res.ResponseHTML, "<h1>") {
		t.Errorf("ResponseHTML = %q, want rendered markdown", res.ResponseHTML)
	}
}

func TestHandleChatBadRequest(t *testing.T) {
	s := testServer(t, ServerConfig{})

	if rec := postJSON(t, s, "/api/chat", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}
	if rec := postJSON(t, s, "/api/chat", `{"userPrompt":"","sessionId":"s"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt: status = %d, want 400", rec.Code)
	}
}

func TestHandleChatUserRateLimit(t *testing.T) {
	rails := pipeline.DefaultSafetyRails()
	rails.RateLimitCount = 1
	orch := pipeline.NewOrchestrator(pipeline.NewSafeExecutor(rails), pipeline.OrchestratorConfig{
		Synthesizer: &okSynthesizer{text: "ok"},
	})
	s := NewServer(orch, ServerConfig{})

	body := `{"userPrompt":"hello","sessionId":"s1","userId":"alice"}`
	if rec := postJSON(t, s, "/api/chat", body); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	if rec := postJSON(t, s, "/api/chat", body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	s := testServer(t, ServerConfig{})

	// Open the tool_call breaker by recording failures through the executor.
	e := s.orchestrator.Executor()
	for i := 0; !e.IsCircuitBreakerOpen(pipeline.StepToolCall); i++ {
		if i > 20 {
			t.Fatal("breaker did not open")
		}
		step := pipeline.NewStep(pipeline.StepToolCall, "prime", map[string]any{"i": i})
		e.Execute(context.Background(), step, nil, func(ctx context.Context, input map[string]any) (any, error) {
			return nil, pipeline.NewValidationError("x", "induced")
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/breakers", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/breakers: status = %d", rec.Code)
	}
	var snapshot map[string]struct {
		Failures int  `json:"failures"`
		Open     bool `json:"open"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snapshot["tool_call"].Open {
		t.Errorf("snapshot = %v, want open tool_call breaker", snapshot)
	}

	// Reset closes it.
	rec = postJSON(t, s, "/api/breakers/tool_call/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: status = %d", rec.Code)
	}
	if e.IsCircuitBreakerOpen(pipeline.StepToolCall) {
		t.Error("breaker still open after reset")
	}

	// Unknown step types are rejected.
	if rec := postJSON(t, s, "/api/breakers/bogus/reset", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus reset: status = %d, want 400", rec.Code)
	}
}

func TestPlanCancelNotFound(t *testing.T) {
	s := testServer(t, ServerConfig{})

	rec := postJSON(t, s, "/api/plans/01NONEXISTENT/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGlobalRateLimitMiddleware(t *testing.T) {
	s := testServer(t, ServerConfig{GlobalRPM: 1})

	// Burst capacity is one minute's quota, so the first request passes and
	// the second is rejected at the door.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rec.Code)
	}
}
