// ABOUTME: HTTP-backed retrieval collaborator querying a configurable search endpoint.
// ABOUTME: Requests are built from the step context and honor cancellation so executor timeouts abort in-flight I/O.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lanternlabs/switchboard/pipeline"
)

// HTTPRetriever queries a JSON search endpoint. The endpoint is expected to
// accept GET ?q=<query>&limit=<n> plus one query parameter per filter, and
// respond with {"results": [{"id", "title", "content", "score", "source"}]}.
type HTTPRetriever struct {
	endpoint string
	client   *http.Client
}

// Compile-time check that HTTPRetriever implements pipeline.Retriever.
var _ pipeline.Retriever = (*HTTPRetriever)(nil)

// Option configures an HTTPRetriever.
type Option func(*HTTPRetriever)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *HTTPRetriever) { r.client = client }
}

// NewHTTPRetriever creates a retriever against the given endpoint URL.
func NewHTTPRetriever(endpoint string, opts ...Option) *HTTPRetriever {
	r := &HTTPRetriever{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type searchResponse struct {
	Results []pipeline.RetrievedDoc `json:"results"`
}

// Retrieve performs one search call. The request carries ctx, so cancelling
// the step's attempt context aborts the underlying HTTP round trip.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, filters map[string]string, limit int) ([]pipeline.RetrievedDoc, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	for k, v := range filters {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, pipeline.NewTransientError("search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, pipeline.NewTransientError(fmt.Sprintf("search endpoint returned %d", resp.StatusCode), nil)
		}
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	if limit > 0 && len(body.Results) > limit {
		body.Results = body.Results[:limit]
	}
	return body.Results, nil
}

// StaticRetriever serves a fixed document set, useful for tests and the demo
// harness. Matching is substring-free: every document is returned up to the
// limit, highest score first as provided.
type StaticRetriever struct {
	Docs []pipeline.RetrievedDoc
}

// Compile-time check that StaticRetriever implements pipeline.Retriever.
var _ pipeline.Retriever = (*StaticRetriever)(nil)

// Retrieve returns the configured documents, truncated to limit.
func (r *StaticRetriever) Retrieve(_ context.Context, _ string, _ map[string]string, limit int) ([]pipeline.RetrievedDoc, error) {
	docs := r.Docs
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	out := make([]pipeline.RetrievedDoc, len(docs))
	copy(out, docs)
	return out, nil
}
