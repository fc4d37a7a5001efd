// ABOUTME: HTTP surface for the pipeline behind a single chi router.
// ABOUTME: Exposes chat execution, plan cancellation, breaker inspection/reset, and health.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lanternlabs/switchboard/pipeline"
)

// Server exposes the pipeline over HTTP.
type Server struct {
	orchestrator *pipeline.PipelineOrchestrator
	router       chi.Router
	addr         string
	limiter      *RateLimiter
}

// ServerConfig holds the web server configuration.
type ServerConfig struct {
	Addr      string // listen address (default: "127.0.0.1:8080")
	GlobalRPM int    // global requests/minute ceiling; 0 disables
}

// NewServer creates a Server over the given orchestrator and sets up routing.
func NewServer(orch *pipeline.PipelineOrchestrator, cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}

	s := &Server{
		orchestrator: orch,
		addr:         cfg.Addr,
	}
	if cfg.GlobalRPM > 0 {
		s.limiter = NewRateLimiter(cfg.GlobalRPM)
	}
	s.router = s.buildRouter()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Router returns the chi router, for embedding or tests.
func (s *Server) Router() chi.Router { return s.router }

// ListenAndServe starts the HTTP server. Blocks until the listener fails.
func (s *Server) ListenAndServe() error {
	return http.ListenAndServe(s.addr, s.router)
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/plans/{planID}/cancel", s.handlePlanCancel)
		r.Get("/breakers", s.handleBreakers)
		r.Post("/breakers/{stepType}/reset", s.handleBreakerReset)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"activePlans": s.orchestrator.Executor().ActivePlans(),
	})
}

// chatResponse wraps a pipeline result with an optional HTML rendering of the
// response text.
type chatResponse struct {
	*pipeline.PipelineResult
	ResponseHTML string `json:"responseHtml,omitempty"`
}

// handleChat decodes a pipeline request, executes it, and returns the result.
// Admission failures map to client-facing status codes; an admitted run always
// returns 200 with its proof trail, successful or degraded.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.orchestrator.Execute(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := chatResponse{PipelineResult: result}
	if r.URL.Query().Get("format") == "html" {
		resp.ResponseHTML = renderMarkdown(result.Response)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePlanCancel requests cooperative cancellation of an in-flight plan.
func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	plan := s.orchestrator.Plan(planID)
	if plan == nil {
		writeError(w, http.StatusNotFound, "no active plan with id "+planID)
		return
	}
	if !plan.Cancel() {
		writeError(w, http.StatusConflict, "plan already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"planId": planID, "status": string(plan.Status())})
}

// handleBreakers returns the current circuit-breaker failure tallies.
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.orchestrator.Executor().BreakerSnapshot()
	out := make(map[string]any, len(snapshot))
	for t, count := range snapshot {
		out[string(t)] = map[string]any{
			"failures": count,
			"open":     s.orchestrator.Executor().IsCircuitBreakerOpen(t),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBreakerReset clears the failure tally for one step type. This is the
// only way an open breaker closes; there is no automatic recovery.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	t := pipeline.StepType(chi.URLParam(r, "stepType"))
	switch t {
	case pipeline.StepRetrieval, pipeline.StepPlanning, pipeline.StepToolCall, pipeline.StepSynthesis:
	default:
		writeError(w, http.StatusBadRequest, "unknown step type "+string(t))
		return
	}
	s.orchestrator.Executor().ResetCircuitBreaker(t)
	writeJSON(w, http.StatusOK, map[string]any{"stepType": string(t), "failures": 0})
}

// statusForError maps pipeline admission errors to HTTP status codes.
func statusForError(err error) int {
	var rateErr *pipeline.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests
	}
	var dupErr *pipeline.AlreadyExecutingError
	if errors.As(err, &dupErr) {
		return http.StatusConflict
	}
	var valErr *pipeline.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
