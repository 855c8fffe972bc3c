// Package agent runs the tool calls found in model output for one conversation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"editoragent/internal/domain"
	"editoragent/internal/injection"
	"editoragent/internal/ratelimit"
	"editoragent/internal/toolcall"
)

// ToolRunner executes a named tool. *tooling.Executor implements it.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) domain.ToolResult
	Definitions() []domain.ToolDefinition
	CanonicalName(name string) string
}

// Hooks observe tool execution. Nil fields are skipped.
type Hooks struct {
	OnToolStart  func(tool string, args map[string]any)
	OnToolResult func(tool string, result domain.ToolResult)
}

func (h Hooks) start(tool string, args map[string]any) {
	if h.OnToolStart != nil {
		h.OnToolStart(tool, args)
	}
}

func (h Hooks) result(tool string, r domain.ToolResult) {
	if h.OnToolResult != nil {
		h.OnToolResult(tool, r)
	}
}

// Execution pairs a detected call with its outcome.
type Execution struct {
	Call   toolcall.Call
	Result domain.ToolResult
}

// ChunkResult is returned by ProcessChunk.
type ChunkResult struct {
	Text    string // the whole accumulated buffer
	Results []Execution
}

// ResponseResult is returned by ProcessResponse.
type ResponseResult struct {
	Text    string // the response with executed calls replaced by their output
	Results []Execution
}

// Option configures a ToolService.
type Option func(*ToolService)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *ToolService) { s.logger = l }
}

// WithEnabledTools restricts execution to the named canonical tools. An empty
// list leaves every registered tool enabled.
func WithEnabledTools(names ...string) Option {
	return func(s *ToolService) {
		if len(names) == 0 {
			return
		}
		s.enabled = make(map[string]bool, len(names))
		for _, n := range names {
			s.enabled[n] = true
		}
	}
}

// ToolService holds the per-conversation tool state: the streaming buffer,
// the set of already executed calls and the rate limiter. One ToolService
// serves one conversation; call Reset when the conversation restarts.
type ToolService struct {
	runner  ToolRunner
	parser  *toolcall.Parser
	limiter *ratelimit.Limiter
	enabled map[string]bool
	logger  *slog.Logger

	mu       sync.Mutex
	buffer   strings.Builder
	executed map[string]struct{}
	spans    []span // buffer ranges of executed calls
}

// span is the [start, end) byte range of a call in the streaming buffer.
type span struct{ start, end int }

// encloses reports whether c contains an already executed call. A fenced
// block's inner JSON call is parsed on its own until the closing fence
// arrives; the completed block must not run it again.
func (s *ToolService) encloses(c toolcall.Call) bool {
	for _, sp := range s.spans {
		if c.Start <= sp.start && sp.end <= c.End {
			return true
		}
	}
	return false
}

// NewToolService wires a service. All collaborators are required.
func NewToolService(runner ToolRunner, parser *toolcall.Parser, limiter *ratelimit.Limiter, opts ...Option) *ToolService {
	if runner == nil {
		panic("agent: tool runner must not be nil")
	}
	if parser == nil {
		panic("agent: parser must not be nil")
	}
	if limiter == nil {
		panic("agent: rate limiter must not be nil")
	}
	s := &ToolService{
		runner:   runner,
		parser:   parser,
		limiter:  limiter,
		executed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ToolService) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Parser returns the parser used to detect calls.
func (s *ToolService) Parser() *toolcall.Parser { return s.parser }

// Definitions lists the tools this service will run.
func (s *ToolService) Definitions() []domain.ToolDefinition {
	defs := s.runner.Definitions()
	if s.enabled == nil {
		return defs
	}
	out := defs[:0:0]
	for _, d := range defs {
		if s.enabled[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// ProcessChunk appends chunk to the buffer and executes every call in the
// whole buffer that has not run yet. Calls may straddle chunk boundaries, so
// the full buffer is parsed each time; the executed set and spans keep calls
// from running twice, including a call that later becomes part of an
// enclosing one.
func (s *ToolService) ProcessChunk(ctx context.Context, chunk string, hooks Hooks) ChunkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer.WriteString(chunk)
	text := s.buffer.String()

	var results []Execution
	for _, call := range s.parser.Parse(text) {
		key := callKey(call)
		if _, done := s.executed[key]; done {
			continue
		}
		if s.encloses(call) {
			s.executed[key] = struct{}{}
			continue
		}
		if err := s.limiter.Allow(); err != nil {
			// Not marked executed: a later chunk may retry once the limiter allows it.
			results = append(results, s.deny(call, err, hooks))
			continue
		}
		s.executed[key] = struct{}{}
		s.spans = append(s.spans, span{call.Start, call.End})
		results = append(results, Execution{Call: call, Result: s.run(ctx, call.Tool, call.Args, hooks)})
	}
	return ChunkResult{Text: text, Results: results}
}

// ProcessResponse executes every call in a complete response and replaces
// each successful call's raw text with its formatted output.
func (s *ToolService) ProcessResponse(ctx context.Context, response string, hooks Hooks) ResponseResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.parser.HasAny(response) {
		return ResponseResult{Text: response}
	}
	calls := s.parser.Parse(response)
	replacements := make(map[int]string, len(calls))
	var results []Execution
	for _, call := range calls {
		if err := s.limiter.Allow(); err != nil {
			results = append(results, s.deny(call, err, hooks))
			continue
		}
		r := s.run(ctx, call.Tool, call.Args, hooks)
		results = append(results, Execution{Call: call, Result: r})
		if r.Formatted != "" {
			replacements[call.ID] = "\n" + r.Formatted + "\n"
		}
	}
	return ResponseResult{Text: toolcall.Replace(response, calls, replacements), Results: results}
}

// ProcessStream feeds chunk through ProcessChunk, forwards it, then forwards
// the formatted output of every call it triggered.
func (s *ToolService) ProcessStream(ctx context.Context, chunk string, onChunk func(string), hooks Hooks) []Execution {
	res := s.ProcessChunk(ctx, chunk, hooks)
	onChunk(chunk)
	for _, e := range res.Results {
		if e.Result.Formatted != "" {
			onChunk("\n\n" + e.Result.Formatted + "\n")
		}
	}
	return res.Results
}

// ExecuteTool runs one tool directly, bypassing parsing but not rate limiting.
func (s *ToolService) ExecuteTool(ctx context.Context, name string, args map[string]any) domain.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.limiter.Allow(); err != nil {
		s.log().Warn("tool call rate limited", "tool", name, "error", err)
		return domain.Failure(err.Error())
	}
	return s.run(ctx, name, args, Hooks{})
}

// Reset clears the buffer, the executed set and the rate limiter.
func (s *ToolService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Reset()
	s.executed = make(map[string]struct{})
	s.spans = nil
	s.limiter.Reset()
}

// RateLimitStatus reports the limiter counters.
func (s *ToolService) RateLimitStatus() ratelimit.Status {
	return s.limiter.Status()
}

// run executes one allowed call. Caller holds mu.
func (s *ToolService) run(ctx context.Context, tool string, args map[string]any, hooks Hooks) domain.ToolResult {
	if s.enabled != nil && !s.enabled[s.runner.CanonicalName(tool)] {
		r := domain.Failure(fmt.Sprintf("Tool %s is not enabled for this workspace", tool))
		hooks.result(tool, r)
		return r
	}
	hooks.start(tool, args)
	r := s.runner.Execute(ctx, tool, args)
	if f := injection.Scan(r.Formatted); r.Success && f.Detected {
		s.log().Warn("tool output resembles prompt injection", "tool", tool, "patterns", f.Patterns)
	}
	hooks.result(tool, r)
	s.log().Debug("tool executed", "tool", tool, "success", r.Success)
	return r
}

func (s *ToolService) deny(call toolcall.Call, err error, hooks Hooks) Execution {
	s.log().Warn("tool call rate limited", "tool", call.Tool, "error", err)
	r := domain.Failure(err.Error())
	hooks.result(call.Tool, r)
	return Execution{Call: call, Result: r}
}

// callKey identifies a call within one buffer: tool, arguments and offset.
func callKey(c toolcall.Call) string {
	args, err := json.Marshal(c.Args)
	if err != nil {
		args = []byte(fmt.Sprint(c.Args))
	}
	return fmt.Sprintf("%s:%s:%d", c.Tool, args, c.Start)
}
