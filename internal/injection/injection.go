// Package injection flags tool output that reads like instructions aimed at
// the model. Workspace files are untrusted input: a README that says "ignore
// previous instructions" ends up verbatim in the next prompt.
package injection

import (
	"strings"
)

// Default high-risk phrases (case-insensitive).
var defaultPatterns = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard the above",
	"system prompt",
	"you are now",
	"new instructions:",
}

// Finding holds the result of a scan.
type Finding struct {
	Detected bool     // true if any pattern was found
	Patterns []string // matched phrases, in pattern order
}

// Scanner matches text against a fixed phrase list.
type Scanner struct {
	patterns []string
}

// NewScanner returns a scanner for the default phrases plus extra. Extra
// phrases are lowercased; blank ones are ignored.
func NewScanner(extra ...string) *Scanner {
	patterns := append([]string(nil), defaultPatterns...)
	for _, p := range extra {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &Scanner{patterns: patterns}
}

// Scan reports which phrases occur in text.
func (s *Scanner) Scan(text string) Finding {
	text = strings.TrimSpace(text)
	if text == "" {
		return Finding{}
	}
	lower := strings.ToLower(text)
	var matched []string
	for _, p := range s.patterns {
		if strings.Contains(lower, p) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return Finding{}
	}
	return Finding{Detected: true, Patterns: matched}
}

var defaultScanner = NewScanner()

// Scan checks text against the default phrases.
func Scan(text string) Finding {
	return defaultScanner.Scan(text)
}
