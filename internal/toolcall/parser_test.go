package toolcall

import (
	"strings"
	"testing"

	"editoragent/internal/tooling"
)

func newTestParser() *Parser {
	return NewParser(tooling.NewDefaultRegistry())
}

func onlyCall(t *testing.T, calls []Call) Call {
	t.Helper()
	if len(calls) != 1 {
		t.Fatalf("Expected exactly 1 call, got %d: %+v", len(calls), calls)
	}
	return calls[0]
}

// =============================================================================
// NewParser
// =============================================================================

func TestNewParser_WhenRegistryNil_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for nil registry")
		}
	}()
	NewParser(nil)
}

// =============================================================================
// The four syntaxes
// =============================================================================

func TestParse_AllSyntaxesShouldAgree(t *testing.T) {
	p := newTestParser()
	inputs := map[Syntax]string{
		SyntaxFunction: `Let me look. grep("foo")`,
		SyntaxJSON:     `{"tool": "grep", "args": {"query": "foo"}}`,
		SyntaxBracket:  `[[GREP:foo]]`,
		SyntaxFenced:   "```tool\n{\"tool\": \"grep\", \"args\": {\"query\": \"foo\"}}\n```",
	}
	for syntax, text := range inputs {
		c := onlyCall(t, p.Parse(text))
		if c.Tool != "grep" || c.Args.String("query") != "foo" {
			t.Errorf("%s: expected grep/foo, got %s/%q", syntax, c.Tool, c.Args.String("query"))
		}
		if c.Syntax != syntax {
			t.Errorf("%s: expected syntax %s, got %s", syntax, syntax, c.Syntax)
		}
		if text[c.Start:c.End] != c.Raw {
			t.Errorf("%s: raw %q does not match offsets", syntax, c.Raw)
		}
	}
}

func TestParse_FunctionCall_ArgumentForms(t *testing.T) {
	p := newTestParser()
	cases := []struct {
		text  string
		check func(tooling.Args) bool
	}{
		{`read_file("src/app.ts")`, func(a tooling.Args) bool { return a.String("path") == "src/app.ts" }},
		{`read_file('src/app.ts')`, func(a tooling.Args) bool { return a.String("path") == "src/app.ts" }},
		{`cat(src/app.ts)`, func(a tooling.Args) bool { return a.String("path") == "src/app.ts" }},
		{`grep({"query": "TODO", "maxResults": 5})`, func(a tooling.Args) bool { return a.String("query") == "TODO" && a.Int("maxResults") == 5 }},
		{`grep(query="TODO", path="src", regex=true)`, func(a tooling.Args) bool {
			return a.String("query") == "TODO" && a.String("path") == "src" && a.Bool("regex")
		}},
		{`grep(query: TODO, maxResults: 7)`, func(a tooling.Args) bool { return a.String("query") == "TODO" && a.Int("maxResults") == 7 }},
		{`grep("needle: hay")`, func(a tooling.Args) bool { return a.String("query") == "needle: hay" }},
		{`grep("foo", "lib")`, func(a tooling.Args) bool { return a.String("query") == "foo" && a.String("path") == "lib" }},
		{`GREP ( "foo" )`, func(a tooling.Args) bool { return a.String("query") == "foo" }},
	}
	for _, c := range cases {
		call := onlyCall(t, p.Parse(c.text))
		if !c.check(call.Args) {
			t.Errorf("%s: unexpected args %v", c.text, call.Args)
		}
	}
}

func TestParse_AliasesShouldResolveToCanonicalNames(t *testing.T) {
	p := newTestParser()
	cases := map[string]string{
		`search("x")`:          "grep",
		`findFile("*.go")`:     "find_by_name",
		`ls(".")`:              "list_dir",
		`[[READ:src/a.ts]]`:    "read_file",
		`[[read_file:a.ts]]`:   "read_file",
		`stat("go.mod")`:       "file_info",
		`[[FIND:*.tsx,src,1]]`: "find_by_name",
	}
	for text, want := range cases {
		c := onlyCall(t, p.Parse(text))
		if c.Tool != want {
			t.Errorf("%s: expected %s, got %s", text, want, c.Tool)
		}
	}
}

func TestParse_Bracket_ShouldBindPositionallyInDeclaredOrder(t *testing.T) {
	c := onlyCall(t, newTestParser().Parse(`[[find_by_name:*.tsx, src, file, 2]]`))
	if c.Args.String("pattern") != "*.tsx" || c.Args.String("path") != "src" ||
		c.Args.String("type") != "file" || c.Args.Int("maxDepth") != 2 {
		t.Errorf("Unexpected positional binding: %v", c.Args)
	}
}

func TestParse_WhenUnknownTool_ShouldDropInEverySyntax(t *testing.T) {
	p := newTestParser()
	for _, text := range []string{
		`write_file("x")`,
		`{"tool": "write_file", "args": {"path": "x"}}`,
		`[[WRITE_FILE:x]]`,
		"```json\n{\"tool\": \"write_file\", \"args\": {\"path\": \"x\"}}\n```",
	} {
		if calls := p.Parse(text); len(calls) != 0 {
			t.Errorf("%s: expected no calls, got %+v", text, calls)
		}
	}
}

func TestParse_WhenRequiredArgMissing_ShouldDropSilently(t *testing.T) {
	p := newTestParser()
	for _, text := range []string{
		`grep(path="src")`,
		`{"tool": "read_file", "args": {}}`,
		"```tool\n{\"tool\": \"grep\", \"args\": {\"path\": \"src\"}}\n```",
	} {
		if calls := p.Parse(text); len(calls) != 0 {
			t.Errorf("%s: expected call to be dropped, got %+v", text, calls)
		}
	}
}

func TestParse_WhenJSONMalformed_ShouldDrop(t *testing.T) {
	p := newTestParser()
	for _, text := range []string{
		`grep({"query": })`,
		"```tool\n{\"tool\": \"grep\", \"args\": [1, 2]}\n```",
		"```tool\n{\"tool\": \"grep\", \"args\": null}\n```",
		"```tool\n{not json}\n```",
	} {
		if calls := p.Parse(text); len(calls) != 0 {
			t.Errorf("%s: expected no calls, got %+v", text, calls)
		}
	}
}

func TestParse_WhenPayloadTooLong_ShouldReject(t *testing.T) {
	long := strings.Repeat("a", MaxJSONLength)
	text := `{"tool": "grep", "args": {"query": "` + long + `"}}`
	if calls := newTestParser().Parse(text); len(calls) != 0 {
		t.Errorf("Expected oversized payload to be rejected, got %d calls", len(calls))
	}
}

func TestParse_WhenToolNameTooLong_ShouldReject(t *testing.T) {
	name := strings.Repeat("g", MaxToolNameLength+1)
	text := "```tool\n{\"tool\": \"" + name + "\", \"args\": {\"query\": \"x\"}}\n```"
	if calls := newTestParser().Parse(text); len(calls) != 0 {
		t.Errorf("Expected long tool name to be rejected, got %+v", calls)
	}
}

// =============================================================================
// Ordering, dedup, IDs
// =============================================================================

func TestParse_ShouldOrderByOffsetAndAssignIDs(t *testing.T) {
	text := `First [[LS:src]] then grep("a") and finally {"tool": "stat", "args": {"path": "go.mod"}}`
	calls := newTestParser().Parse(text)
	if len(calls) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(calls))
	}
	want := []string{"list_dir", "grep", "file_info"}
	for i, c := range calls {
		if c.Tool != want[i] || c.ID != i {
			t.Errorf("call %d: expected %s/ID %d, got %s/ID %d", i, want[i], i, c.Tool, c.ID)
		}
		if i > 0 && calls[i-1].Start >= c.Start {
			t.Errorf("Expected ascending offsets, got %d then %d", calls[i-1].Start, c.Start)
		}
	}
}

func TestParse_WhenJSONInsideFence_ShouldReportOnce(t *testing.T) {
	text := "Running:\n```json\n{\"tool\": \"grep\", \"args\": {\"query\": \"x\"}}\n```\n"
	c := onlyCall(t, newTestParser().Parse(text))
	if c.Syntax != SyntaxFenced {
		t.Errorf("Expected the fenced block to win, got %s", c.Syntax)
	}
}

func TestParse_RepeatedCallsAtDifferentOffsets_ShouldAllBeReturned(t *testing.T) {
	calls := newTestParser().Parse(`grep("a") grep("a")`)
	if len(calls) != 2 || calls[0].Start == calls[1].Start {
		t.Errorf("Expected two distinct calls, got %+v", calls)
	}
}

func TestParse_ShouldBeDeterministic(t *testing.T) {
	p := newTestParser()
	text := `[[GREP:x]] ls(".") {"tool": "cat", "args": {"path": "a"}}`
	first, second := p.Parse(text), p.Parse(text)
	if len(first) != len(second) {
		t.Fatalf("Expected identical results, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Start != second[i].Start || first[i].Tool != second[i].Tool {
			t.Errorf("call %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

// =============================================================================
// HasAny
// =============================================================================

func TestHasAny(t *testing.T) {
	p := newTestParser()
	cases := map[string]bool{
		`plain answer without calls`:                    false,
		`grep("x")`:                                     true,
		`[[READ:a.go]]`:                                 true,
		`{"tool": "grep", "args": {"query": "x"}}`:      true,
		"```go\nfunc main() {}\n```":                    false,
		"```tool\n{\"tool\": \"ls\", \"args\": {}}\n```": true,
	}
	for text, want := range cases {
		if got := p.HasAny(text); got != want {
			t.Errorf("HasAny(%q): expected %v, got %v", text, want, got)
		}
	}
}

// =============================================================================
// Registry changes
// =============================================================================

func TestParse_WhenToolRegisteredLater_ShouldRecognizeIt(t *testing.T) {
	// Given: a parser that has already built its patterns
	reg := tooling.NewDefaultRegistry()
	p := NewParser(reg)
	if len(p.Parse(`todo_scan("FIXME")`)) != 0 {
		t.Fatal("Expected unregistered tool to be ignored")
	}

	// When: a custom tool is registered
	err := reg.Register(tooling.Definition{
		Name: "todo_scan",
		Args: []tooling.ArgSpec{{Name: "tag", Type: tooling.TypeString, Required: true}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Then: the parser picks it up
	c := onlyCall(t, p.Parse(`todo_scan("FIXME")`))
	if c.Tool != "todo_scan" || c.Args.String("tag") != "FIXME" {
		t.Errorf("Unexpected call: %+v", c)
	}
}

func TestParse_WhenRegistryEmpty_ShouldFindNothing(t *testing.T) {
	p := NewParser(tooling.NewRegistry())
	if calls := p.Parse(`grep("x") [[GREP:x]]`); len(calls) != 0 {
		t.Errorf("Expected no calls, got %+v", calls)
	}
	if p.HasAny(`grep("x")`) {
		t.Error("Expected HasAny false with an empty registry")
	}
}
