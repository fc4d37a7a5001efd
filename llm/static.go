// ABOUTME: Deterministic synthesis collaborator for tests and offline demo runs.
// ABOUTME: Echoes a templated answer derived from the request, no network access.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/lanternlabs/switchboard/pipeline"
)

// StaticSynthesizer produces a canned answer without calling any provider.
// Used by the demo harness when no API key is configured, and by tests.
type StaticSynthesizer struct {
	// Response, when set, is returned verbatim. Otherwise a templated
	// answer is built from the request.
	Response string

	// Err, when set, is returned instead of a response.
	Err error
}

// Compile-time check that StaticSynthesizer implements pipeline.Synthesizer.
var _ pipeline.Synthesizer = (*StaticSynthesizer)(nil)

// Synthesize returns the configured response or a templated fallback.
func (s *StaticSynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	if s.Response != "" {
		return s.Response, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", req.CallConfig.Model)
	firstLine := req.Prompt
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}
	fmt.Fprintf(&b, "Here is a summary for: %s", firstLine)
	return b.String(), nil
}
