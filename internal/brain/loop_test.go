package brain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"editoragent/internal/agent"
	"editoragent/internal/domain"
	"editoragent/internal/protocol"
	"editoragent/internal/ratelimit"
	"editoragent/internal/toolcall"
	"editoragent/internal/tooling"
)

// scriptedTransport replays one reply per StreamChat call; the last reply
// repeats once the script runs out.
type scriptedTransport struct {
	mu       sync.Mutex
	replies  [][]string
	errs     []error // per call; nil entries succeed
	calls    [][]domain.Turn
	beforeFn func() // runs before any chunk is sent
}

func (s *scriptedTransport) StreamChat(_ context.Context, _ string, turns []domain.Turn, onChunk func(string)) error {
	s.mu.Lock()
	s.calls = append(s.calls, append([]domain.Turn(nil), turns...))
	idx := len(s.calls) - 1
	s.mu.Unlock()

	if s.beforeFn != nil {
		s.beforeFn()
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return s.errs[idx]
	}
	if len(s.replies) == 0 {
		return nil
	}
	for _, c := range s.replies[min(idx, len(s.replies)-1)] {
		onChunk(c)
	}
	return nil
}

func (s *scriptedTransport) CompleteChat(context.Context, string, []domain.Turn) (string, error) {
	return "", errors.New("not scripted")
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// failingTransport errors after optionally forwarding a chunk.
type failingTransport struct {
	partial string
	err     error
	calls   int
}

func (f *failingTransport) StreamChat(_ context.Context, _ string, _ []domain.Turn, onChunk func(string)) error {
	f.calls++
	if f.partial != "" {
		onChunk(f.partial)
	}
	return f.err
}

func (f *failingTransport) CompleteChat(context.Context, string, []domain.Turn) (string, error) {
	return "", f.err
}

// stubRunner stands in for the file tools.
type stubRunner struct {
	reg   *tooling.Registry
	mu    sync.Mutex
	calls []string
}

func (r *stubRunner) Execute(_ context.Context, name string, args map[string]any) domain.ToolResult {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
	if def, ok := r.reg.Resolve(name); ok {
		name = def.Name
	}
	if name == "read_file" && args["path"] == "missing.go" {
		return domain.Failure("Failed to read file: missing.go")
	}
	return domain.ToolResult{Success: true, Formatted: "ran " + name}
}

func (r *stubRunner) Definitions() []domain.ToolDefinition { return r.reg.Definitions() }

func (r *stubRunner) CanonicalName(name string) string {
	if def, ok := r.reg.Resolve(name); ok {
		return def.Name
	}
	return name
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestTools() (*agent.ToolService, *stubRunner) {
	reg := tooling.NewDefaultRegistry()
	runner := &stubRunner{reg: reg}
	limiter := ratelimit.New(ratelimit.Config{MaxPerMinute: 30, MaxPerSession: 100})
	return agent.NewToolService(runner, toolcall.NewParser(reg), limiter), runner
}

func userRequest(mode domain.Mode, msg string) Request {
	return Request{
		ConversationID: "c1",
		Model:          "test-model",
		Mode:           mode,
		History:        []domain.Turn{{Role: domain.RoleUser, Content: msg}},
	}
}

// collect returns callbacks appending every chunk to *out.
func collect(out *[]string) Callbacks {
	return Callbacks{OnChunk: func(c string) { *out = append(*out, c) }}
}

// =============================================================================
// NewLoop
// =============================================================================

func TestNewLoop_WhenDependencyNil_ShouldPanic(t *testing.T) {
	tools, _ := newTestTools()
	for name, fn := range map[string]func(){
		"transport": func() { NewLoop(nil, tools) },
		"tools":     func() { NewLoop(&scriptedTransport{}, nil) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", name)
				}
			}()
			fn()
		}()
	}
}

func TestNewLoop_ShouldStartIdle(t *testing.T) {
	tools, _ := newTestTools()
	if s := NewLoop(&scriptedTransport{}, tools).State(); s != StateIdle {
		t.Errorf("Expected idle, got %s", s)
	}
}

// =============================================================================
// Agent mode
// =============================================================================

func TestSend_WhenModelCallsToolThenAnswers_ShouldRunTwoIterations(t *testing.T) {
	// Given: a model that greps first and answers second
	transport := &scriptedTransport{replies: [][]string{
		{"Let me look. ", `grep("useState")`},
		{"Found it in ", "app.tsx."},
	}}
	tools, runner := newTestTools()
	loop := NewLoop(transport, tools)
	var chunks []string
	var started, completed []string
	cb := collect(&chunks)
	cb.OnToolStart = func(tool string, _ map[string]any) { started = append(started, tool) }
	cb.OnToolComplete = func(tool string, _ domain.ToolResult) { completed = append(completed, tool) }

	// When
	out := loop.Send(context.Background(), userRequest(domain.ModeAgent, "where is useState used?"), cb)

	// Then: chunks, result marker and separator arrive in order
	want := []string{
		"Let me look. ", `grep("useState")`,
		protocol.ToolResult("grep", "ran grep"),
		protocol.TurnSeparator,
		"Found it in ", "app.tsx.",
	}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Errorf("Expected chunks %q, got %q", want, chunks)
	}
	if out.State != StateDone || out.Iterations != 2 || out.ToolCalls != 1 || out.Err != nil {
		t.Errorf("Unexpected outcome %+v", out)
	}
	if out.Transcript != strings.Join(want, "") {
		t.Errorf("Expected transcript to equal forwarded chunks, got %q", out.Transcript)
	}
	if runner.count() != 1 || len(started) != 1 || len(completed) != 1 {
		t.Errorf("Expected one execution with hooks, got runner=%d start=%v complete=%v", runner.count(), started, completed)
	}
	if loop.State() != StateDone {
		t.Errorf("Expected final state done, got %s", loop.State())
	}
}

func TestSend_SecondIteration_ShouldCarryAssistantTurnAndToolSummary(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{`read_file("a.go")`}, {"ok"}}}
	tools, _ := newTestTools()

	NewLoop(transport, tools).Send(context.Background(), userRequest(domain.ModeAgent, "show a.go"), Callbacks{})

	if transport.callCount() != 2 {
		t.Fatalf("Expected 2 model calls, got %d", transport.callCount())
	}
	turns := transport.calls[1]
	if len(turns) != 4 {
		t.Fatalf("Expected system, user, assistant, summary; got %d turns", len(turns))
	}
	if turns[0].Role != domain.RoleSystem || !strings.Contains(turns[0].Content, "# Role: Autonomous Agent") {
		t.Errorf("Expected agent system prompt, got %+v", turns[0])
	}
	if turns[2].Role != domain.RoleAssistant || turns[2].Content != `read_file("a.go")` {
		t.Errorf("Expected assistant turn with the raw reply, got %+v", turns[2])
	}
	summary := turns[3].Content
	if turns[3].Role != domain.RoleUser ||
		!strings.HasPrefix(summary, "Tool execution completed. Results:\n\nTool: read_file\nResult:\nran read_file") ||
		!strings.HasSuffix(summary, "Do not call more tools unless absolutely necessary.") {
		t.Errorf("Unexpected summary turn %q", summary)
	}
}

func TestSend_WhenToolFails_ShouldEmitErrorMarkerAndSummary(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{`read_file("missing.go") grep("x")`}, {"done"}}}
	tools, _ := newTestTools()
	var chunks []string

	NewLoop(transport, tools).Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	joined := strings.Join(chunks, "")
	if !strings.Contains(joined, protocol.ToolError("read_file", "Failed to read file: missing.go")) {
		t.Errorf("Expected error marker, got %q", joined)
	}
	if !strings.Contains(joined, protocol.ToolResult("grep", "ran grep")) {
		t.Errorf("Expected the second call to still run, got %q", joined)
	}
	summary := transport.calls[1][3].Content
	if !strings.Contains(summary, "Tool: read_file\nError: Failed to read file: missing.go\n\n---\n\nTool: grep\nResult:\nran grep") {
		t.Errorf("Unexpected summary %q", summary)
	}
}

func TestSend_WhenModelAlwaysCallsTools_ShouldStopAtCapWithWarning(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{`grep("again")`}}}
	tools, runner := newTestTools()
	var chunks []string

	out := NewLoop(transport, tools).Send(context.Background(), userRequest(domain.ModeAgent, "loop"), collect(&chunks))

	if out.State != StateMaxIterationsReached || out.Iterations != DefaultMaxIterations {
		t.Errorf("Expected cap at %d, got %+v", DefaultMaxIterations, out)
	}
	if transport.callCount() != DefaultMaxIterations || runner.count() != DefaultMaxIterations {
		t.Errorf("Expected %d model calls and executions, got %d and %d", DefaultMaxIterations, transport.callCount(), runner.count())
	}
	if chunks[len(chunks)-1] != MaxIterationsWarning {
		t.Errorf("Expected warning last, got %q", chunks[len(chunks)-1])
	}
}

func TestSend_WithMaxIterations_ShouldHonorOverride(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{`grep("again")`}}}
	tools, _ := newTestTools()

	out := NewLoop(transport, tools, WithMaxIterations(3)).Send(context.Background(), userRequest(domain.ModeAgent, "q"), Callbacks{})

	if out.Iterations != 3 || transport.callCount() != 3 {
		t.Errorf("Expected 3 iterations, got %+v", out)
	}
}

func TestSend_WhenAnswerStopsOnLastIteration_ShouldNotWarn(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{`grep("x")`}, {"answer"}}}
	tools, _ := newTestTools()

	out := NewLoop(transport, tools, WithMaxIterations(2)).Send(context.Background(), userRequest(domain.ModeAgent, "q"), Callbacks{})

	if out.State != StateDone || strings.Contains(out.Transcript, "Maximum iterations") {
		t.Errorf("Expected natural stop, got %+v", out)
	}
}

func TestSend_WhenMarkerLooksLikeCallButParsesToNothing_ShouldStop(t *testing.T) {
	// Given: grep without its required query
	transport := &scriptedTransport{replies: [][]string{{`grep({"path": "."})`}}}
	tools, runner := newTestTools()

	out := NewLoop(transport, tools).Send(context.Background(), userRequest(domain.ModeAgent, "q"), Callbacks{})

	if out.State != StateDone || out.Iterations != 1 || runner.count() != 0 {
		t.Errorf("Expected a single iteration without executions, got %+v runner=%d", out, runner.count())
	}
}

// =============================================================================
// Abort
// =============================================================================

func TestSend_WhenAbortedBeforeFirstChunk_ShouldForwardNothing(t *testing.T) {
	// Given: abort fires as the stream starts
	transport := &scriptedTransport{replies: [][]string{{"never ", `grep("x")`}}}
	tools, runner := newTestTools()
	loop := NewLoop(transport, tools)
	transport.beforeFn = loop.Abort
	var chunks []string

	// When
	out := loop.Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	// Then
	if len(chunks) != 0 {
		t.Errorf("Expected no chunks, got %q", chunks)
	}
	if runner.count() != 0 {
		t.Errorf("Expected no executions, got %d", runner.count())
	}
	if out.State != StateAborted || loop.State() != StateAborted {
		t.Errorf("Expected aborted, got %s / %s", out.State, loop.State())
	}
}

func TestSend_WhenAbortedDuringTool_ShouldSkipRemainingCalls(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{`grep("a") grep("b")`}, {"unreachable"}}}
	tools, runner := newTestTools()
	loop := NewLoop(transport, tools)
	cb := Callbacks{OnToolComplete: func(string, domain.ToolResult) { loop.Abort() }}

	out := loop.Send(context.Background(), userRequest(domain.ModeAgent, "q"), cb)

	if runner.count() != 1 || out.ToolCalls != 1 {
		t.Errorf("Expected the running tool to finish and the next to be skipped, got %d", runner.count())
	}
	if out.State != StateAborted || transport.callCount() != 1 {
		t.Errorf("Expected abort without another model call, got %+v", out)
	}
	if strings.Contains(out.Transcript, "TOOL_RESULT") {
		t.Errorf("Expected no output after abort, got %q", out.Transcript)
	}
}

func TestSend_WhenParentContextCancelled_ShouldAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tools, _ := newTestTools()
	transport := &scriptedTransport{replies: [][]string{{"x"}}}

	out := NewLoop(transport, tools).Send(ctx, userRequest(domain.ModeAgent, "q"), Callbacks{})

	if out.State != StateAborted || transport.callCount() != 0 {
		t.Errorf("Expected abort before any model call, got %+v", out)
	}
}

func TestAbort_WhenIdle_ShouldBeNoop(t *testing.T) {
	tools, _ := newTestTools()
	loop := NewLoop(&scriptedTransport{}, tools)
	loop.Abort()
	if loop.State() != StateIdle {
		t.Errorf("Expected idle, got %s", loop.State())
	}
}

// =============================================================================
// Responder mode
// =============================================================================

func TestSend_InResponderMode_ShouldForwardVerbatimWithoutTools(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{"Run ", `grep("x")`, " yourself."}}}
	tools, runner := newTestTools()
	var chunks []string

	out := NewLoop(transport, tools).Send(context.Background(), userRequest(domain.ModeResponder, "how?"), collect(&chunks))

	if strings.Join(chunks, "") != `Run grep("x") yourself.` {
		t.Errorf("Expected verbatim output, got %q", chunks)
	}
	if runner.count() != 0 || out.ToolCalls != 0 || out.Iterations != 1 {
		t.Errorf("Expected no tool execution, got %+v", out)
	}
	if sys := transport.calls[0][0].Content; !strings.Contains(sys, "# Role: Assistant") {
		t.Errorf("Expected responder prompt, got %q", sys)
	}
}

// =============================================================================
// Transport errors and fallbacks
// =============================================================================

func TestSend_WhenTransportFails_ShouldEmitErrorChunk(t *testing.T) {
	boom := errors.New("connection refused")
	tools, _ := newTestTools()
	var chunks []string

	out := NewLoop(&failingTransport{err: boom}, tools).Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	if len(chunks) != 1 || chunks[0] != "[Error: connection refused]" {
		t.Errorf("Expected error chunk, got %q", chunks)
	}
	if out.State != StateDone || !errors.Is(out.Err, boom) {
		t.Errorf("Unexpected outcome %+v", out)
	}
}

func TestSend_WhenPrimaryFailsBeforeOutput_ShouldUseFallback(t *testing.T) {
	primary := &failingTransport{err: errors.New("rate limited")}
	fallback := &scriptedTransport{replies: [][]string{{"from fallback"}}}
	tools, _ := newTestTools()
	var chunks []string

	out := NewLoop(primary, tools, WithFallbacks(nil, fallback)).Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	if strings.Join(chunks, "") != "from fallback" || out.Err != nil {
		t.Errorf("Expected fallback answer, got %q (%v)", chunks, out.Err)
	}
	if primary.calls != 1 {
		t.Errorf("Expected primary tried once, got %d", primary.calls)
	}
}

func TestSend_WhenPrimaryFailsMidStream_ShouldNotFallBack(t *testing.T) {
	primary := &failingTransport{partial: "half", err: errors.New("reset")}
	fallback := &scriptedTransport{replies: [][]string{{"other"}}}
	tools, _ := newTestTools()
	var chunks []string

	NewLoop(primary, tools, WithFallbacks(fallback)).Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	if strings.Join(chunks, "") != "half[Error: reset]" {
		t.Errorf("Expected partial output then error, got %q", chunks)
	}
	if fallback.callCount() != 0 {
		t.Errorf("Expected fallback untouched, got %d calls", fallback.callCount())
	}
}

func TestSend_WhenAllTransportsFail_ShouldAggregateErrors(t *testing.T) {
	tools, _ := newTestTools()
	out := NewLoop(&failingTransport{err: errors.New("a")}, tools,
		WithFallbacks(&failingTransport{err: errors.New("b")}),
	).Send(context.Background(), userRequest(domain.ModeAgent, "q"), Callbacks{})

	if out.Err == nil || !strings.Contains(out.Err.Error(), "all 2 transports failed") {
		t.Errorf("Expected aggregated error, got %v", out.Err)
	}
}

// =============================================================================
// Context manager and transcripts
// =============================================================================

// lastTurnOnly keeps only the newest turn.
type lastTurnOnly struct{ system string }

func (m *lastTurnOnly) FitToWindow(turns []domain.Turn, system string) ([]domain.Turn, error) {
	m.system = system
	return turns[len(turns)-1:], nil
}

type errManager struct{}

func (errManager) FitToWindow([]domain.Turn, string) ([]domain.Turn, error) {
	return nil, errors.New("system prompt too large")
}

func TestSend_WithContextManager_ShouldTrimHistory(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{"ok"}}}
	tools, _ := newTestTools()
	cm := &lastTurnOnly{}
	req := userRequest(domain.ModeAgent, "latest")
	req.History = append([]domain.Turn{
		{Role: domain.RoleUser, Content: "old"},
		{Role: domain.RoleAssistant, Content: "old answer"},
	}, req.History...)

	NewLoop(transport, tools, WithContextManager(cm)).Send(context.Background(), req, Callbacks{})

	turns := transport.calls[0]
	if len(turns) != 2 || turns[1].Content != "latest" {
		t.Errorf("Expected system + newest turn, got %+v", turns)
	}
	if cm.system == "" || cm.system != turns[0].Content {
		t.Error("Expected the system prompt to be reserved by the manager")
	}
}

func TestSend_WhenContextFittingFails_ShouldReportError(t *testing.T) {
	tools, _ := newTestTools()
	var chunks []string
	out := NewLoop(&scriptedTransport{}, tools, WithContextManager(errManager{})).
		Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	if out.Err == nil || len(chunks) != 1 || !strings.HasPrefix(chunks[0], "[Error: context fitting failed") {
		t.Errorf("Expected context error chunk, got %q (%v)", chunks, out.Err)
	}
}

type memoryTranscripts struct {
	entries []domain.TranscriptEntry
	err     error
}

func (m *memoryTranscripts) Append(_ context.Context, e domain.TranscriptEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryTranscripts) Load(context.Context, string, int) ([]domain.TranscriptEntry, error) {
	return m.entries, nil
}

func TestSend_WithTranscriptStore_ShouldPersistUserAndAnswer(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{"the answer"}}}
	tools, _ := newTestTools()
	store := &memoryTranscripts{}

	NewLoop(transport, tools, WithTranscriptStore(store)).Send(context.Background(), userRequest(domain.ModeAgent, "question"), Callbacks{})

	if len(store.entries) != 2 {
		t.Fatalf("Expected 2 entries, got %+v", store.entries)
	}
	if store.entries[0].Role != domain.RoleUser || store.entries[0].Content != "question" || store.entries[0].ConversationID != "c1" {
		t.Errorf("Unexpected user entry %+v", store.entries[0])
	}
	if store.entries[1].Role != domain.RoleAssistant || store.entries[1].Content != "the answer" {
		t.Errorf("Unexpected assistant entry %+v", store.entries[1])
	}
}

func TestSend_WhenTranscriptAppendFails_ShouldStillAnswer(t *testing.T) {
	transport := &scriptedTransport{replies: [][]string{{"fine"}}}
	tools, _ := newTestTools()
	var chunks []string

	out := NewLoop(transport, tools, WithTranscriptStore(&memoryTranscripts{err: errors.New("disk full")})).
		Send(context.Background(), userRequest(domain.ModeAgent, "q"), collect(&chunks))

	if out.State != StateDone || strings.Join(chunks, "") != "fine" {
		t.Errorf("Expected answer despite store failure, got %+v", out)
	}
}

// =============================================================================
// Tool service lifecycle
// =============================================================================

func TestSend_ShouldResetToolServicePerRequest(t *testing.T) {
	// Given: a session quota of one call
	reg := tooling.NewDefaultRegistry()
	runner := &stubRunner{reg: reg}
	tools := agent.NewToolService(runner, toolcall.NewParser(reg), ratelimit.New(ratelimit.Config{MaxPerMinute: 30, MaxPerSession: 1}))
	transport := &scriptedTransport{replies: [][]string{{`grep("x")`}, {"done"}, {`grep("y")`}, {"done"}}}
	loop := NewLoop(transport, tools)

	// When: two requests each call a tool
	loop.Send(context.Background(), userRequest(domain.ModeAgent, "one"), Callbacks{})
	out := loop.Send(context.Background(), userRequest(domain.ModeAgent, "two"), Callbacks{})

	// Then: the second request has a fresh quota
	if runner.count() != 2 {
		t.Errorf("Expected 2 executions, got %d", runner.count())
	}
	if strings.Contains(out.Transcript, "Session limit exceeded") {
		t.Errorf("Expected fresh quota, got %q", out.Transcript)
	}
}

func TestSend_WhenRateLimited_ShouldReportErrorMarker(t *testing.T) {
	reg := tooling.NewDefaultRegistry()
	runner := &stubRunner{reg: reg}
	tools := agent.NewToolService(runner, toolcall.NewParser(reg), ratelimit.New(ratelimit.DefaultConfig()))
	transport := &scriptedTransport{replies: [][]string{{`grep("a") grep("b")`}, {"done"}}}

	out := NewLoop(transport, tools).Send(context.Background(), userRequest(domain.ModeAgent, "q"), Callbacks{})

	if !strings.Contains(out.Transcript, "[[TOOL_ERROR:grep:Cooldown active: please wait 2000ms between calls]]") {
		t.Errorf("Expected cooldown marker, got %q", out.Transcript)
	}
	if runner.count() != 1 {
		t.Errorf("Expected 1 execution, got %d", runner.count())
	}
}
