// ABOUTME: OpenAI-backed synthesis collaborator with base URL support for compatible providers.
// ABOUTME: Maps resolved call configs onto Chat Completions params and API failures onto the pipeline error taxonomy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lanternlabs/switchboard/pipeline"
)

// OpenAISynthesizer implements pipeline.Synthesizer over the OpenAI Chat
// Completions API. A custom base URL points it at any OpenAI-compatible
// provider (Cerebras, OpenRouter, Cloudflare AI Gateway, etc.).
type OpenAISynthesizer struct {
	client       openai.Client
	defaultModel string
}

// Compile-time check that OpenAISynthesizer implements pipeline.Synthesizer.
var _ pipeline.Synthesizer = (*OpenAISynthesizer)(nil)

// NewOpenAISynthesizer creates a synthesizer. defaultModel is used when the
// resolved call config names no model; baseURL may be empty for the standard
// OpenAI endpoint.
func NewOpenAISynthesizer(apiKey, defaultModel, baseURL string) *OpenAISynthesizer {
	if defaultModel == "" {
		defaultModel = "gpt-5.2"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAISynthesizer{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// Synthesize performs one completion call using the request's resolved call
// config. Sampling parameters are always sent explicitly: the policy layer
// owns them and provider defaults must not leak in.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (string, error) {
	cfg := req.CallConfig

	model := cfg.Model
	if model == "" {
		model = s.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:            model,
		Temperature:      openai.Float(cfg.Temperature),
		TopP:             openai.Float(cfg.TopP),
		FrequencyPenalty: openai.Float(cfg.FrequencyPenalty),
		PresencePenalty:  openai.Float(cfg.PresencePenalty),
	}
	if cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(cfg.MaxTokens))
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	params.Messages = messages

	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	resp, err := s.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		return "", classifyAPIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", pipeline.NewTransientError("completion returned no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyAPIError maps an OpenAI client error onto the pipeline error
// taxonomy so the executor's retry policy treats provider failures correctly:
// rate limits and 5xx are retryable, auth and bad-request errors are not.
func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		// Context errors pass through so the executor reports timeouts, not
		// transient faults.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return pipeline.NewTransientError("completion request failed", err)
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return pipeline.NewTransientError("provider rate limited", apiErr)
	case apiErr.StatusCode >= 500:
		return pipeline.NewTransientError(fmt.Sprintf("provider error (status %d)", apiErr.StatusCode), apiErr)
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
		return pipeline.NewValidationError("api_key", "provider rejected credentials")
	default:
		return pipeline.NewValidationError("request", fmt.Sprintf("provider rejected request (status %d)", apiErr.StatusCode))
	}
}
