// Package toolcall finds tool calls embedded in model output.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"editoragent/internal/tooling"
)

// Syntax identifies which of the accepted call forms produced a Call.
type Syntax string

const (
	SyntaxFunction Syntax = "function" // grep("foo")
	SyntaxJSON     Syntax = "json"     // {"tool": "grep", "args": {...}}
	SyntaxBracket  Syntax = "bracket"  // [[GREP:foo]]
	SyntaxFenced   Syntax = "fenced"   // ```tool {...} ```
)

const (
	// MaxJSONLength bounds any JSON payload accepted from model output.
	MaxJSONLength = 10000
	// MaxToolNameLength bounds tool names in the JSON syntaxes.
	MaxToolNameLength = 50
)

// Call is one tool call detected in text. Start and End are byte offsets of
// Raw within the parsed text. ID is assigned in final order, starting at 0.
type Call struct {
	ID     int
	Tool   string
	Args   tooling.Args
	Raw    string
	Start  int
	End    int
	Syntax Syntax
}

var (
	jsonToolRe = regexp.MustCompile(`\{\s*"tool"\s*:\s*"([^"]+)"\s*,\s*"args"\s*:\s*(\{[\s\S]*?\})\s*\}`)
	fencedRe   = regexp.MustCompile("```(?:tool|json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	leadingKey = regexp.MustCompile(`^\w+\s*[=:]`)
	pairRe     = regexp.MustCompile(`(\w+)\s*[=:]\s*(?:"([^"]*)"|'([^']*)'|([^,\s]+))`)
	positional = regexp.MustCompile(`\s*(?:"([^"]*)"|'([^']*)'|([^,]+))`)
)

// Parser detects calls to the tools of a Registry. Name-dependent patterns
// are rebuilt whenever the registry changes.
type Parser struct {
	reg    *tooling.Registry
	logger *slog.Logger

	mu        sync.Mutex
	version   int
	funcRe    *regexp.Regexp
	bracketRe *regexp.Regexp
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ParserOption {
	return func(p *Parser) { p.logger = l }
}

// NewParser creates a parser for the tools in reg.
func NewParser(reg *tooling.Registry, opts ...ParserOption) *Parser {
	if reg == nil {
		panic("toolcall: registry must not be nil")
	}
	p := &Parser{reg: reg, version: -1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Parser) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// patterns returns the name-dependent regexps, rebuilding them when the
// registry version moved.
func (p *Parser) patterns() (*regexp.Regexp, *regexp.Regexp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v := p.reg.Version(); v != p.version || p.funcRe == nil {
		names := p.reg.Names()
		// Longest first so "file_info" wins over "info" at the same offset.
		sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = regexp.QuoteMeta(n)
		}
		alt := strings.Join(quoted, "|")
		if alt == "" {
			// Matches nothing.
			alt = `[^\x00-\x{10FFFF}]`
		}
		p.funcRe = regexp.MustCompile(`(?i)\b(` + alt + `)\s*\(\s*(\{[\s\S]*?\}|[^)]+)\s*\)`)
		p.bracketRe = regexp.MustCompile(`(?i)\[\[(` + alt + `):([^\]]+)\]\]`)
		p.version = v
	}
	return p.funcRe, p.bracketRe
}

// HasAny reports whether text looks like it contains a tool call. It is a
// cheap pre-check; Parse may still find nothing valid.
func (p *Parser) HasAny(text string) bool {
	funcRe, bracketRe := p.patterns()
	if funcRe.MatchString(text) || bracketRe.MatchString(text) || jsonToolRe.MatchString(text) {
		return true
	}
	for _, m := range fencedRe.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], `"tool"`) {
			return true
		}
	}
	return false
}

// Parse returns every valid call in text ordered by start offset. Calls whose
// tool is not registered or whose required arguments are missing are dropped.
// A call lying entirely inside another call (JSON inside a fenced block) is
// reported once, as the outer call.
func (p *Parser) Parse(text string) []Call {
	funcRe, bracketRe := p.patterns()

	var found []Call
	found = append(found, p.scan(text, funcRe, SyntaxFunction, p.functionArgs)...)
	found = append(found, p.scan(text, jsonToolRe, SyntaxJSON, p.jsonArgs)...)
	found = append(found, p.scan(text, bracketRe, SyntaxBracket, p.bracketArgs)...)
	found = append(found, p.fenced(text)...)

	seen := make(map[int]bool, len(found))
	unique := found[:0]
	for _, c := range found {
		if seen[c.Start] {
			continue
		}
		seen[c.Start] = true
		unique = append(unique, c)
	}
	sort.SliceStable(unique, func(i, j int) bool { return unique[i].Start < unique[j].Start })

	calls := make([]Call, 0, len(unique))
	outerEnd := -1
	for _, c := range unique {
		if c.End <= outerEnd {
			continue
		}
		outerEnd = c.End
		c.ID = len(calls)
		calls = append(calls, c)
	}
	return calls
}

type argsFunc func(def tooling.Definition, payload string) (map[string]any, bool)

// scan runs one name+payload pattern over text. Group 1 is the tool name,
// group 2 the argument payload.
func (p *Parser) scan(text string, re *regexp.Regexp, syntax Syntax, parseArgs argsFunc) []Call {
	var calls []Call
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		payload := text[loc[4]:loc[5]]
		if c, ok := p.build(name, payload, syntax, parseArgs); ok {
			c.Raw, c.Start, c.End = text[loc[0]:loc[1]], loc[0], loc[1]
			calls = append(calls, c)
		}
	}
	return calls
}

func (p *Parser) fenced(text string) []Call {
	var calls []Call
	for _, loc := range fencedRe.FindAllStringSubmatchIndex(text, -1) {
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if len(body) > MaxJSONLength || !strings.HasPrefix(body, "{") {
			continue
		}
		var shape struct {
			Tool string          `json:"tool"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal([]byte(body), &shape); err != nil {
			continue
		}
		c, ok := p.build(shape.Tool, string(shape.Args), SyntaxFenced, p.jsonArgs)
		if !ok {
			continue
		}
		c.Raw, c.Start, c.End = text[loc[0]:loc[1]], loc[0], loc[1]
		calls = append(calls, c)
	}
	return calls
}

func (p *Parser) build(name, payload string, syntax Syntax, parseArgs argsFunc) (Call, bool) {
	if name == "" || len(name) > MaxToolNameLength {
		return Call{}, false
	}
	def, ok := p.reg.Resolve(name)
	if !ok {
		p.log().Debug("dropping call to unknown tool", "tool", name, "syntax", syntax)
		return Call{}, false
	}
	raw, ok := parseArgs(def, payload)
	if !ok {
		p.log().Debug("dropping call with malformed arguments", "tool", def.Name, "syntax", syntax)
		return Call{}, false
	}
	args, err := tooling.Sanitize(def, raw)
	if err != nil {
		p.log().Debug("dropping call", "tool", def.Name, "syntax", syntax, "error", err)
		return Call{}, false
	}
	return Call{Tool: def.Name, Args: args, Syntax: syntax}, true
}

// jsonArgs decodes an args object. Arrays, null and oversized payloads fail.
func (p *Parser) jsonArgs(_ tooling.Definition, payload string) (map[string]any, bool) {
	payload = strings.TrimSpace(payload)
	if len(payload) > MaxJSONLength || !strings.HasPrefix(payload, "{") {
		return nil, false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(payload), &args); err != nil || args == nil {
		return nil, false
	}
	return args, true
}

// functionArgs accepts a JSON object, key=value / key: value pairs, or
// positional values. A single positional value binds to the first required
// argument; several bind in declaration order.
func (p *Parser) functionArgs(def tooling.Definition, payload string) (map[string]any, bool) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		return p.jsonArgs(def, payload)
	}
	if leadingKey.MatchString(payload) {
		args := map[string]any{}
		for _, m := range pairRe.FindAllStringSubmatch(payload, -1) {
			args[m[1]] = firstNonEmpty(m[2], m[3], m[4])
		}
		return args, true
	}
	values := positionalValues(payload)
	if len(values) == 1 {
		if spec, ok := def.FirstRequired(); ok {
			return map[string]any{spec.Name: values[0]}, true
		}
	}
	return bindPositional(def, values), true
}

// bracketArgs binds comma-separated values in declaration order.
func (p *Parser) bracketArgs(def tooling.Definition, payload string) (map[string]any, bool) {
	return bindPositional(def, positionalValues(payload)), true
}

func positionalValues(payload string) []string {
	var values []string
	for _, m := range positional.FindAllStringSubmatch(payload, -1) {
		v := strings.TrimSpace(firstNonEmpty(m[1], m[2], m[3]))
		if v == "" {
			continue
		}
		values = append(values, v)
	}
	return values
}

func bindPositional(def tooling.Definition, values []string) map[string]any {
	args := make(map[string]any, len(values))
	for i, v := range values {
		if i >= len(def.Args) {
			break
		}
		args[def.Args[i].Name] = v
	}
	return args
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
