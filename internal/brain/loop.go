// Package brain drives a conversation: it streams model output to the
// client, executes the tool calls the model writes and feeds the results back
// until the model answers.
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"editoragent/internal/agent"
	"editoragent/internal/domain"
	"editoragent/internal/protocol"
)

// DefaultMaxIterations bounds the model calls of one agent-mode request.
const DefaultMaxIterations = 10

// MaxIterationsWarning is forwarded when the cap is hit while the model is
// still calling tools.
const MaxIterationsWarning = "\n\n⚠️ Maximum iterations reached. Stopping agent loop.\n"

// State is the lifecycle state of a Loop.
type State string

const (
	StateIdle                 State = "idle"
	StateStreaming            State = "streaming"
	StateToolExecuting        State = "tool_executing"
	StateDone                 State = "done"
	StateAborted              State = "aborted"
	StateMaxIterationsReached State = "max_iterations_reached"
)

// Request is one user message to answer.
type Request struct {
	ConversationID string
	Model          string
	Mode           domain.Mode
	History        []domain.Turn // ends with the new user message
}

// Callbacks receive the loop's output. Nil fields are skipped.
type Callbacks struct {
	OnChunk        func(chunk string)
	OnToolStart    func(tool string, args map[string]any)
	OnToolComplete func(tool string, result domain.ToolResult)
}

// Outcome summarises a finished Send.
type Outcome struct {
	State      State
	Iterations int
	ToolCalls  int
	Transcript string // everything forwarded through OnChunk
	Err        error  // transport failure, already reported as an [Error: ...] chunk
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets a structured logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithContextManager trims history to the model's window before every
// request. Nil is ignored.
func WithContextManager(cm domain.ContextManager) Option {
	return func(lp *Loop) {
		if cm != nil {
			lp.contextMgr = cm
		}
	}
}

// WithTranscriptStore persists the user message and the forwarded answer of
// every Send. Nil is ignored.
func WithTranscriptStore(ts domain.TranscriptStore) Option {
	return func(lp *Loop) {
		if ts != nil {
			lp.transcripts = ts
		}
	}
}

// WithMaxIterations overrides DefaultMaxIterations. Values < 1 are ignored.
func WithMaxIterations(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.maxIterations = n
		}
	}
}

// WithFallbacks adds transports tried in order when the primary fails before
// producing any output. Nil entries are skipped.
func WithFallbacks(transports ...domain.ModelStreamTransport) Option {
	return func(lp *Loop) {
		for _, t := range transports {
			if t != nil {
				lp.fallbacks = append(lp.fallbacks, t)
			}
		}
	}
}

// WithInstructions appends project instructions to the agent system prompt.
func WithInstructions(s string) Option {
	return func(lp *Loop) { lp.instructions = s }
}

// WithOS overrides the OS name reported in the system prompt.
func WithOS(name string) Option {
	return func(lp *Loop) { lp.osName = name }
}

// Loop runs requests for one conversation. Send calls must not overlap;
// Abort and State are safe from any goroutine.
type Loop struct {
	transport     domain.ModelStreamTransport
	fallbacks     []domain.ModelStreamTransport
	tools         *agent.ToolService
	contextMgr    domain.ContextManager  // optional
	transcripts   domain.TranscriptStore // optional
	logger        *slog.Logger
	maxIterations int
	instructions  string
	osName        string

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// NewLoop returns a Loop streaming from transport and executing tools through
// tools. Both must not be nil.
func NewLoop(transport domain.ModelStreamTransport, tools *agent.ToolService, opts ...Option) *Loop {
	if transport == nil {
		panic("brain: transport must not be nil")
	}
	if tools == nil {
		panic("brain: tool service must not be nil")
	}
	l := &Loop{
		transport:     transport,
		tools:         tools,
		maxIterations: DefaultMaxIterations,
		osName:        runtime.GOOS,
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) log() *slog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return slog.Default()
}

// Tools returns the loop's tool service.
func (l *Loop) Tools() *agent.ToolService { return l.tools }

// State reports the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Abort stops the running Send. Output produced afterwards is dropped and no
// further tools start; a tool already running completes.
func (l *Loop) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// run holds the state of one Send.
type run struct {
	ctx        context.Context
	cb         Callbacks
	transcript strings.Builder
}

// emit forwards a chunk unless the request was aborted.
func (r *run) emit(s string) {
	if r.ctx.Err() != nil || s == "" {
		return
	}
	r.transcript.WriteString(s)
	if r.cb.OnChunk != nil {
		r.cb.OnChunk(s)
	}
}

// Send answers req, forwarding output through cb. Transport failures are
// reported in-band and recorded in Outcome.Err; Send itself never fails.
func (l *Loop) Send(ctx context.Context, req Request, cb Callbacks) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.state = StateStreaming
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
		cancel()
	}()

	l.tools.Reset()
	r := &run{ctx: ctx, cb: cb}
	query := lastUserMessage(req.History)
	l.persist(ctx, req.ConversationID, domain.RoleUser, query)

	system := SystemPrompt(PromptContext{
		Mode:         req.Mode,
		OS:           l.osName,
		Query:        query,
		Tools:        l.tools.Definitions(),
		Instructions: l.instructions,
	})

	var out Outcome
	if req.Mode == domain.ModeResponder {
		out = l.respond(r, req, system)
	} else {
		out = l.iterate(r, req, system)
	}
	out.Transcript = r.transcript.String()
	l.setState(out.State)

	l.persist(ctx, req.ConversationID, domain.RoleAssistant, out.Transcript)
	l.log().Info("request finished",
		"conversation", req.ConversationID,
		"mode", req.Mode,
		"state", out.State,
		"iterations", out.Iterations,
		"tool_calls", out.ToolCalls,
	)
	return out
}

// respond streams a single answer without looking for tool calls.
func (l *Loop) respond(r *run, req Request, system string) Outcome {
	out := Outcome{Iterations: 1}
	err := l.stream(r.ctx, req.Model, system, req.History, r.emit)
	switch {
	case r.ctx.Err() != nil:
		out.State = StateAborted
	case err != nil:
		r.emit("[Error: " + err.Error() + "]")
		out.State, out.Err = StateDone, err
	default:
		out.State = StateDone
	}
	return out
}

// iterate runs the agent loop: stream, execute the calls found, feed the
// results back, repeat until the model stops calling tools.
func (l *Loop) iterate(r *run, req Request, system string) Outcome {
	var out Outcome
	turns := append([]domain.Turn(nil), req.History...)
	parser := l.tools.Parser()

	for out.Iterations < l.maxIterations {
		if r.ctx.Err() != nil {
			out.State = StateAborted
			return out
		}
		out.Iterations++
		l.setState(StateStreaming)

		var resp strings.Builder
		err := l.stream(r.ctx, req.Model, system, turns, func(c string) {
			if r.ctx.Err() != nil {
				return
			}
			resp.WriteString(c)
			r.emit(c)
		})
		if r.ctx.Err() != nil {
			out.State = StateAborted
			return out
		}
		if err != nil {
			r.emit("[Error: " + err.Error() + "]")
			out.State, out.Err = StateDone, err
			return out
		}

		text := resp.String()
		if !parser.HasAny(text) {
			out.State = StateDone
			return out
		}
		calls := parser.Parse(text)
		if len(calls) == 0 {
			out.State = StateDone
			return out
		}

		l.setState(StateToolExecuting)
		summaries := make([]string, 0, len(calls))
		for _, call := range calls {
			if r.ctx.Err() != nil {
				out.State = StateAborted
				return out
			}
			if r.cb.OnToolStart != nil {
				r.cb.OnToolStart(call.Tool, call.Args)
			}
			// A started tool runs to completion even if the request is aborted.
			res := l.tools.ExecuteTool(context.WithoutCancel(r.ctx), call.Tool, call.Args)
			out.ToolCalls++
			if r.cb.OnToolComplete != nil {
				r.cb.OnToolComplete(call.Tool, res)
			}
			if res.Formatted != "" {
				r.emit(protocol.ToolResult(call.Tool, res.Formatted))
			} else if res.Error != "" {
				r.emit(protocol.ToolError(call.Tool, res.Error))
			}
			summaries = append(summaries, summarize(call.Tool, res))
		}

		turns = append(turns,
			domain.Turn{Role: domain.RoleAssistant, Content: text},
			domain.Turn{Role: domain.RoleUser, Content: toolSummary(summaries)},
		)
		r.emit(protocol.TurnSeparator)
	}

	r.emit(MaxIterationsWarning)
	out.State = StateMaxIterationsReached
	return out
}

// stream sends system + turns to the primary transport, then to each
// fallback in order. A fallback is only tried while nothing has been
// forwarded, so the client never sees two partial answers.
func (l *Loop) stream(ctx context.Context, model, system string, turns []domain.Turn, onChunk func(string)) error {
	msgs, err := l.fit(turns, system)
	if err != nil {
		return err
	}

	forwarded := false
	wrapped := func(c string) {
		if c == "" {
			return
		}
		forwarded = true
		onChunk(c)
	}

	transports := append([]domain.ModelStreamTransport{l.transport}, l.fallbacks...)
	var errs []error
	for i, t := range transports {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := t.StreamChat(ctx, model, msgs, wrapped)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if forwarded || ctx.Err() != nil {
			return err
		}
		if i < len(transports)-1 {
			l.log().Warn("transport failed, trying fallback", "transport_index", i, "error", err)
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("all %d transports failed: %w", len(errs), errors.Join(errs...))
}

// fit prepends the system prompt to turns, trimming old turns first when a
// context manager is configured.
func (l *Loop) fit(turns []domain.Turn, system string) ([]domain.Turn, error) {
	if l.contextMgr != nil && len(turns) > 0 {
		fitted, err := l.contextMgr.FitToWindow(turns, system)
		if err != nil {
			return nil, fmt.Errorf("context fitting failed: %w", err)
		}
		if dropped := len(turns) - len(fitted); dropped > 0 {
			l.log().Debug("history trimmed to context window", "dropped_turns", dropped)
		}
		turns = fitted
	}
	msgs := make([]domain.Turn, 0, len(turns)+1)
	msgs = append(msgs, domain.Turn{Role: domain.RoleSystem, Content: system})
	return append(msgs, turns...), nil
}

func (l *Loop) persist(ctx context.Context, conversationID string, role domain.Role, content string) {
	if l.transcripts == nil || conversationID == "" || content == "" {
		return
	}
	entry := domain.TranscriptEntry{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.transcripts.Append(context.WithoutCancel(ctx), entry); err != nil {
		l.log().Warn("transcript append failed", "conversation", conversationID, "error", err)
	}
}

// summarize renders one tool outcome for the synthetic user turn.
func summarize(tool string, r domain.ToolResult) string {
	if !r.Success {
		return fmt.Sprintf("Tool: %s\nError: %s", tool, r.Error)
	}
	body := r.Formatted
	if body == "" && r.Data != nil {
		if data, err := json.MarshalIndent(r.Data, "", "  "); err == nil {
			body = string(data)
		}
	}
	return fmt.Sprintf("Tool: %s\nResult:\n%s", tool, body)
}

func lastUserMessage(turns []domain.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
