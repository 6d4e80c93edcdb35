package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every HTML
// element, attribute and comment.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText reduces s to a single line of plain text for generated markdown.
// Markup and HTML comments are removed, so user text cannot forge sync markers.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	clean := html.UnescapeString(StrictHTMLPolicy().Sanitize(s))
	// unescaping can reintroduce a comment opener from encoded input
	clean = strings.ReplaceAll(clean, "<!--", "")
	clean = strings.ReplaceAll(clean, "-->", "")
	return strings.Join(strings.Fields(clean), " ")
}

// CodeSpan wraps s in a markdown code span long enough to contain any backticks in s.
func CodeSpan(s string) string {
	fence := "`"
	for strings.Contains(s, fence) {
		fence += "`"
	}
	if strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") {
		return fence + " " + s + " " + fence
	}
	return fence + s + fence
}
