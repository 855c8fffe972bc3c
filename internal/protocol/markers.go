// Package protocol defines the in-text markers exchanged between the agent
// loop and a rendering client.
package protocol

import (
	"strings"
)

// TurnSeparator is emitted between agent iterations.
const TurnSeparator = "\n\n---\n\n"

// Marker kinds.
const (
	KindToolResult = "TOOL_RESULT"
	KindToolError  = "TOOL_ERROR"
	KindReadFile   = "READ_FILE"
	KindRead       = "READ"
)

// ToolResult renders a successful tool result marker as emitted into the stream.
func ToolResult(tool, formatted string) string {
	return "\n\n[[" + KindToolResult + ":" + tool + ":" + formatted + "]]\n"
}

// ToolError renders a failed tool marker as emitted into the stream.
func ToolError(tool, errText string) string {
	return "\n\n[[" + KindToolError + ":" + tool + ":" + errText + "]]\n"
}

// ReadFile renders a file-read indicator.
func ReadFile(path string) string {
	return "[[" + KindReadFile + ":" + path + "]]"
}

// Segment is one piece of parsed stream text. Kind is empty for plain text.
type Segment struct {
	Kind string `json:"kind,omitempty"`
	Tool string `json:"tool,omitempty"`
	Body string `json:"body"`
}

// ParseMarkers splits text into plain segments and marker segments. Tool
// markers end at the "]]\n" that precedes the end of the text, the next tool
// marker or the turn separator (else at the last "]]\n"), so payloads may
// hold any brackets. Other
// markers end at the "]]" balancing their "[[". Unterminated markers are left
// as text.
func ParseMarkers(text string) []Segment {
	var out []Segment
	plain := func(s string) {
		if s == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Kind == "" {
			out[n-1].Body += s
			return
		}
		out = append(out, Segment{Body: s})
	}

	for len(text) > 0 {
		i := strings.Index(text, "[[")
		if i < 0 {
			plain(text)
			break
		}
		seg, n, ok := parseMarker(text[i:])
		if !ok {
			plain(text[:i+2])
			text = text[i+2:]
			continue
		}
		plain(text[:i])
		out = append(out, seg)
		text = text[i+n:]
	}
	return out
}

// parseMarker parses a marker at the start of s and returns it with the
// number of bytes consumed.
func parseMarker(s string) (Segment, int, bool) {
	kind, rest, ok := strings.Cut(s[2:], ":")
	if !ok {
		return Segment{}, 0, false
	}
	switch kind {
	case KindToolResult, KindToolError, KindReadFile, KindRead:
	default:
		return Segment{}, 0, false
	}
	end := -1
	if kind == KindToolResult || kind == KindToolError {
		end = toolClosing(rest)
	}
	if end < 0 {
		end = closing(rest)
	}
	if end < 0 {
		return Segment{}, 0, false
	}
	body := rest[:end]
	consumed := 2 + len(kind) + 1 + end + 2

	seg := Segment{Kind: kind, Body: body}
	if kind == KindToolResult || kind == KindToolError {
		tool, payload, ok := strings.Cut(body, ":")
		if !ok {
			return Segment{}, 0, false
		}
		seg.Tool, seg.Body = tool, payload
	}
	return seg, consumed, true
}

// toolTerminator ends every emitted tool marker.
const toolTerminator = "]]\n"

// toolFollowers are the texts the loop emits directly after a tool marker.
var toolFollowers = []string{
	"\n\n[[" + KindToolResult + ":",
	"\n\n[[" + KindToolError + ":",
	TurnSeparator,
}

// toolClosing returns the index of the "]]" ending a tool marker body, found
// by what follows its terminator rather than by bracket balance. Without such
// a boundary the last terminator in s is used.
func toolClosing(s string) int {
	last := -1
	for off := 0; ; {
		i := strings.Index(s[off:], toolTerminator)
		if i < 0 {
			return last
		}
		i += off
		after := s[i+len(toolTerminator):]
		if after == "" {
			return i
		}
		for _, f := range toolFollowers {
			if strings.HasPrefix(after, f) {
				return i
			}
		}
		last = i
		off = i + 1
	}
}

// closing returns the index of the "]]" balancing an already opened "[[",
// counting single brackets inside the body.
func closing(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth == 0 {
				if i+1 < len(s) && s[i+1] == ']' {
					return i
				}
				continue
			}
			depth--
		}
	}
	return -1
}
