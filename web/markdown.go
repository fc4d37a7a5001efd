// ABOUTME: Markdown rendering for chat responses requested in HTML form.
package web

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
)

// renderMarkdown converts a markdown response to HTML. Raw HTML in the input
// is stripped by goldmark's default renderer to prevent XSS. On conversion
// failure the input is returned escaped.
func renderMarkdown(input string) string {
	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(input), &buf); err != nil {
		return template.HTMLEscapeString(input)
	}
	return buf.String()
}
