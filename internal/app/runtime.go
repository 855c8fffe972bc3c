// Package app assembles the agent pipeline from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"editoragent/internal/agent"
	"editoragent/internal/brain"
	ctxwindow "editoragent/internal/context"
	"editoragent/internal/db"
	"editoragent/internal/domain"
	"editoragent/internal/llm"
	"editoragent/internal/ratelimit"
	"editoragent/internal/sandbox"
	"editoragent/internal/session"
	"editoragent/internal/tokenizer"
	"editoragent/internal/toolcall"
	"editoragent/internal/tooling"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the structured logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTransport replaces the provider transport built from config.
func WithTransport(t domain.ModelStreamTransport) Option {
	return func(r *Runtime) { r.transport = t }
}

// WithBackend replaces the local file-system backend.
func WithBackend(b domain.FileAccessBackend) Option {
	return func(r *Runtime) { r.backend = b }
}

// WithTranscriptStore replaces the store built from config.database.
func WithTranscriptStore(s domain.TranscriptStore) Option {
	return func(r *Runtime) { r.store = s }
}

// WithGetenv sets the environment lookup used for API keys.
func WithGetenv(fn llm.Getenv) Option {
	return func(r *Runtime) { r.getenv = fn }
}

// Runtime holds the shared collaborators of one process. Every conversation
// gets its own Loop and ToolService from it so rate limits and abort state
// never leak between conversations.
type Runtime struct {
	cfg       *domain.Config
	root      string
	logger    *slog.Logger
	getenv    llm.Getenv
	transport domain.ModelStreamTransport
	backend   domain.FileAccessBackend
	store     domain.TranscriptStore // optional
	conn      *sql.DB                // owned when the store was built here
	workspace *agent.WorkspaceContext
	catalog   *llm.ModelCatalog // nil when the provider cannot list models
	titles    *brain.TitleGenerator
}

// New builds a Runtime for cfg. The workspace must exist.
func New(ctx context.Context, cfg *domain.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	r := &Runtime{cfg: cfg, getenv: os.Getenv}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	ws := cfg.Workspace
	if ws == "" {
		ws = "."
	}
	root, err := filepath.Abs(ws)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	r.root = root
	wc, err := agent.LoadWorkspaceContext(root)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", root, err)
	}
	r.workspace = wc

	if r.transport == nil {
		t, err := llm.NewTransport(cfg.Agent, cfg.Retry, r.getenv)
		if err != nil {
			return nil, err
		}
		r.transport = t
	}
	if r.backend == nil {
		r.backend = tooling.NewLocalBackend(tooling.WithBackendLogger(r.logger))
	}
	if r.store == nil {
		switch {
		case cfg.Database.URL != "":
			conn, err := db.Connect(ctx, cfg.Database.URL)
			if err != nil {
				return nil, err
			}
			r.conn = conn
			r.store = session.NewSQLStore(conn)
		case cfg.Database.TranscriptFile != "":
			r.store = session.NewFileStore(cfg.Database.TranscriptFile)
		}
	}
	if lister, err := llm.NewModelLister(cfg.Agent, r.getenv); err == nil {
		r.catalog = llm.NewModelCatalog(lister, llm.DefaultCatalogTTL)
	} else {
		r.logger.Debug("model listing unavailable", "provider", cfg.Agent.Provider, "error", err)
	}
	r.titles = brain.NewTitleGenerator(r.transport, r.logger)
	return r, nil
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *domain.Config { return r.cfg }

// Root returns the absolute workspace root.
func (r *Runtime) Root() string { return r.root }

// Logger returns the shared logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Store returns the transcript store, or nil when transcripts are disabled.
func (r *Runtime) Store() domain.TranscriptStore { return r.store }

// Catalog returns the model catalog, or nil when the provider has none.
func (r *Runtime) Catalog() *llm.ModelCatalog { return r.catalog }

// Titles returns the conversation title generator.
func (r *Runtime) Titles() *brain.TitleGenerator { return r.titles }

// NewToolService returns a tool service with a fresh rate limiter and
// executed-call set.
func (r *Runtime) NewToolService() *agent.ToolService {
	reg := tooling.NewDefaultRegistry()
	sb := sandbox.New(r.root, r.cfg.Sandbox.AllowedPrefixes...)
	exec := tooling.NewExecutor(reg, sb, r.backend, tooling.WithLogger(r.logger))
	parser := toolcall.NewParser(reg, toolcall.WithLogger(r.logger))
	limiter := ratelimit.New(ratelimit.FromDomain(r.cfg.RateLimit))
	return agent.NewToolService(exec, parser, limiter,
		agent.WithLogger(r.logger),
		agent.WithEnabledTools(r.workspace.Tools...))
}

// NewLoop returns the agent loop for one conversation.
func (r *Runtime) NewLoop() *brain.Loop {
	opts := []brain.Option{
		brain.WithLogger(r.logger),
		brain.WithMaxIterations(r.cfg.Agent.MaxIterations),
		brain.WithInstructions(r.workspace.Instructions),
		brain.WithTranscriptStore(r.store),
	}
	if r.cfg.Agent.ContextTokens > 0 {
		tok := tokenizer.New(r.cfg.Agent.Encoding, r.cfg.Agent.Model, r.logger)
		opts = append(opts, brain.WithContextManager(ctxwindow.NewManager(tok, r.cfg.Agent.ContextTokens)))
	}
	return brain.NewLoop(r.transport, r.NewToolService(), opts...)
}

// Request builds a loop request with the configured model and mode. An
// empty mode or model falls back to config.
func (r *Runtime) Request(conversationID, model, mode string, history []domain.Turn) brain.Request {
	if model == "" {
		model = r.cfg.Agent.Model
	}
	if mode == "" {
		mode = r.cfg.Agent.Mode
	}
	return brain.Request{
		ConversationID: conversationID,
		Model:          model,
		Mode:           domain.ParseMode(mode),
		History:        history,
	}
}

// History loads the stored turns of a conversation, newest limit entries.
// Without a store it returns nil.
func (r *Runtime) History(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	if r.store == nil || conversationID == "" {
		return nil, nil
	}
	entries, err := r.store.Load(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return session.Turns(entries), nil
}

// Close releases the database connection opened by New.
func (r *Runtime) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
