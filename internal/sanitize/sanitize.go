// Package sanitize neutralizes untrusted text before it is logged,
// stored, or embedded in markup. Policy is two-tier: text containing an
// outright injection construct is rejected wholesale (empty result plus
// a security event), anything else is stripped and HTML-escaped.
// Partial cleaning of rejected input is deliberately not attempted, to
// avoid partial-bypass bugs.
package sanitize

import (
	"context"
	"html"
	"regexp"
)

// denyPattern pairs a compiled pattern with the class name reported in
// the security event.
type denyPattern struct {
	class string
	re    *regexp.Regexp
}

// Deny patterns are ordered; the first match names the event. All are
// case-insensitive and (?s) lets script blocks span newlines.
var denyPatterns = []denyPattern{
	{"script_tag", regexp.MustCompile(`(?is)<script\b`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon\w+\s*=`)},
	{"css_expression", regexp.MustCompile(`(?i)expression\s*\(`)},
	{"css_url", regexp.MustCompile(`(?i)\burl\s*\(`)},
	{"css_import", regexp.MustCompile(`(?i)@import\b`)},
	{"css_binding", regexp.MustCompile(`(?i)\bbinding\s*:`)},
}

// Strip patterns catch constructs that survive the deny check in
// malformed forms (e.g. a closing tag without its opener).
var (
	stripScript  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>|</?script[^>]*>`)
	stripHandler = regexp.MustCompile(`(?i)\bon\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]*)`)
)

// OnDetect is called exactly once when input is rejected, with the
// class of the first matching deny pattern.
type OnDetect func(ctx context.Context, patternClass string)

type Sanitizer struct {
	onDetect OnDetect
}

func New(onDetect OnDetect) *Sanitizer {
	return &Sanitizer{onDetect: onDetect}
}

// Sanitize returns the escaped form of text, or "" when text matches a
// deny pattern. The result is a pure function of the input and the
// pattern set; the input is never modified.
func (s *Sanitizer) Sanitize(ctx context.Context, text string) string {
	if text == "" {
		return ""
	}

	for _, p := range denyPatterns {
		if p.re.MatchString(text) {
			if s.onDetect != nil {
				s.onDetect(ctx, p.class)
			}
			return ""
		}
	}

	cleaned := stripScript.ReplaceAllString(text, "")
	cleaned = stripHandler.ReplaceAllString(cleaned, "")

	return html.EscapeString(cleaned)
}
