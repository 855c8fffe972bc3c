package tooling

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"editoragent/internal/domain"
	"editoragent/internal/sandbox"
)

// Handler executes a tool with sanitized arguments. Handlers report failures
// through the returned ToolResult.
type Handler func(ctx context.Context, args Args) domain.ToolResult

// Executor dispatches tool calls to handlers. Every built-in handler runs its
// path argument through the sandbox before touching the backend.
type Executor struct {
	reg      *Registry
	sandbox  *sandbox.Sandbox
	backend  domain.FileAccessBackend
	logger   *slog.Logger
	collator *collate.Collator
	colMu    sync.Mutex

	mu       sync.RWMutex
	handlers map[string]Handler
}

// ExecutorOption configures optional Executor behaviour.
type ExecutorOption func(*Executor)

// WithLogger sets the structured logger for tool execution events.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithLocale sets the language used to order list_dir entries.
func WithLocale(tag language.Tag) ExecutorOption {
	return func(e *Executor) { e.collator = collate.New(tag) }
}

// NewExecutor creates an Executor over reg. It registers handlers for every
// built-in tool present in reg. Panics if any dependency is nil.
func NewExecutor(reg *Registry, sb *sandbox.Sandbox, backend domain.FileAccessBackend, opts ...ExecutorOption) *Executor {
	if reg == nil || sb == nil || backend == nil {
		panic("tooling: NewExecutor requires a registry, sandbox and backend")
	}
	e := &Executor{
		reg:      reg,
		sandbox:  sb,
		backend:  backend,
		collator: collate.New(language.English),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers["grep"] = e.grep
	e.handlers["find_by_name"] = e.findByName
	e.handlers["list_dir"] = e.listDir
	e.handlers["read_file"] = e.readFile
	e.handlers["file_info"] = e.fileInfo
	return e
}

func (e *Executor) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Registry returns the registry the executor dispatches through.
func (e *Executor) Registry() *Registry { return e.reg }

// Sandbox returns the path sandbox bound to the workspace.
func (e *Executor) Sandbox() *sandbox.Sandbox { return e.sandbox }

// RegisterTool adds a custom tool. The definition becomes visible to parsers
// sharing the registry.
func (e *Executor) RegisterTool(def Definition, h Handler) error {
	if h == nil {
		return fmt.Errorf("tool %q: handler must not be nil", def.Name)
	}
	if err := e.reg.Register(def); err != nil {
		return err
	}
	e.mu.Lock()
	e.handlers[def.Name] = h
	e.mu.Unlock()
	return nil
}

// Definitions lists every tool with its JSON Schema.
func (e *Executor) Definitions() []domain.ToolDefinition { return e.reg.Definitions() }

// CanonicalName resolves an alias to its tool name. Unknown names are
// returned unchanged.
func (e *Executor) CanonicalName(name string) string {
	if def, ok := e.reg.Resolve(name); ok {
		return def.Name
	}
	return name
}

// Execute runs the named tool. It never returns an error or panics; every
// failure is reported in the result.
func (e *Executor) Execute(ctx context.Context, name string, raw map[string]any) (result domain.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log().Error("tool panicked", "tool", name, "panic", r)
			result = domain.Failure(fmt.Sprint(r))
		}
	}()

	def, ok := e.reg.Resolve(name)
	if !ok {
		return domain.Failure("Unknown tool: " + name)
	}
	e.mu.RLock()
	h, ok := e.handlers[def.Name]
	e.mu.RUnlock()
	if !ok {
		return domain.Failure("Unknown tool: " + name)
	}

	args, err := Sanitize(def, raw)
	if err != nil {
		return domain.Failure(err.Error())
	}
	if err := def.Validate(args); err != nil {
		return domain.Failure(fmt.Sprintf("Invalid arguments for %s: %v", def.Name, err))
	}

	e.log().Debug("executing tool", "tool", def.Name, "args", args)
	result = h(ctx, args)
	if !result.Success {
		e.log().Info("tool failed", "tool", def.Name, "error", result.Error)
	}
	return result
}

// =============================================================================
// Built-in handlers
// =============================================================================

func (e *Executor) grep(ctx context.Context, args Args) domain.ToolResult {
	var in GrepInput
	if err := args.Decode(&in); err != nil {
		return domain.Failure(err.Error())
	}
	if strings.TrimSpace(in.Query) == "" {
		return domain.Failure("Query is required")
	}
	root, err := e.sandbox.Sanitize(in.Path)
	if err != nil {
		return domain.Failure(err.Error())
	}

	results, err := e.backend.SearchText(ctx, root, domain.SearchOptions{
		Query:          in.Query,
		CaseSensitive:  in.CaseSensitive,
		WholeWord:      in.WholeWord,
		Regex:          in.Regex,
		IncludePattern: in.IncludePattern,
		ExcludePattern: in.ExcludePattern,
	})
	if err != nil {
		return domain.Failure("Failed to search files: " + err.Error())
	}

	limited, total := limitMatches(results, in.MaxResults)
	return domain.ToolResult{
		Success: true,
		Data: GrepData{
			Results:      limited,
			TotalFiles:   len(limited),
			TotalMatches: total,
			Truncated:    total >= in.MaxResults,
		},
		Formatted: e.formatSearchResults(limited, in.Query, root),
	}
}

// limitMatches takes matches in backend order until budget is spent.
func limitMatches(results []domain.SearchResult, budget int) ([]domain.SearchResult, int) {
	var out []domain.SearchResult
	total := 0
	for _, r := range results {
		if total >= budget {
			break
		}
		n := min(len(r.Matches), budget-total)
		if n == 0 {
			continue
		}
		r.Matches = r.Matches[:n]
		out = append(out, r)
		total += n
	}
	return out, total
}

func (e *Executor) findByName(ctx context.Context, args Args) domain.ToolResult {
	var in FindInput
	if err := args.Decode(&in); err != nil {
		return domain.Failure(err.Error())
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return domain.Failure("Pattern is required")
	}
	root, err := e.sandbox.Sanitize(in.Path)
	if err != nil {
		return domain.Failure(err.Error())
	}

	tree, err := e.backend.ListTree(ctx, root)
	if err != nil {
		return domain.Failure("Failed to list files: " + err.Error())
	}

	re, err := regexp.Compile("(?i)" + GlobToRegex(in.Pattern))
	if err != nil {
		return domain.Failure("Invalid pattern: " + err.Error())
	}
	matches := findMatches(tree, re, in.Type, in.MaxDepth, in.MaxResults)

	return domain.ToolResult{
		Success: true,
		Data: FindData{
			Matches:   matches,
			Total:     len(matches),
			Truncated: len(matches) >= in.MaxResults,
		},
		Formatted: e.formatFindResults(matches, in.Pattern, root),
	}
}

// GlobToRegex converts a name glob into an unanchored regular expression:
// "*" becomes ".*", "?" becomes "." and other metacharacters are escaped.
func GlobToRegex(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func findMatches(tree []domain.FileNode, re *regexp.Regexp, kind string, maxDepth, maxResults int) []FoundEntry {
	var matches []FoundEntry
	var walk func(nodes []domain.FileNode, depth int)
	walk = func(nodes []domain.FileNode, depth int) {
		for _, n := range nodes {
			if depth > maxDepth || len(matches) >= maxResults {
				return
			}
			if kindMatches(kind, n.IsDir) && re.MatchString(n.Name) {
				matches = append(matches, FoundEntry{Name: n.Name, Path: n.Path, IsDir: n.IsDir, Depth: depth})
			}
			if len(n.Children) > 0 {
				walk(n.Children, depth+1)
			}
		}
	}
	walk(tree, 0)
	return matches
}

func kindMatches(kind string, isDir bool) bool {
	switch kind {
	case "file":
		return !isDir
	case "dir", "directory":
		return isDir
	default:
		return true
	}
}

func (e *Executor) listDir(ctx context.Context, args Args) domain.ToolResult {
	var in ListDirInput
	if err := args.Decode(&in); err != nil {
		return domain.Failure(err.Error())
	}
	dir, err := e.sandbox.Sanitize(in.Path)
	if err != nil {
		return domain.Failure(err.Error())
	}

	entries, err := e.collectDir(ctx, dir, in, 0)
	if err != nil {
		return domain.Failure("Failed to list directory: " + err.Error())
	}

	return domain.ToolResult{
		Success: true,
		Data: ListDirData{
			Path:    dir,
			Entries: entries,
			Total:   countEntries(entries),
		},
		Formatted: e.formatListDirResults(entries, dir),
	}
}

func (e *Executor) collectDir(ctx context.Context, dir string, in ListDirInput, depth int) ([]domain.FileNode, error) {
	entries, err := e.backend.ListDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FileNode, 0, len(entries))
	for _, entry := range entries {
		if !in.ShowHidden && strings.HasPrefix(entry.Name, ".") {
			continue
		}
		node := domain.FileNode{Name: entry.Name, Path: entry.Path, IsDir: entry.IsDir}
		if in.Recursive && entry.IsDir && depth < in.MaxDepth {
			children, err := e.collectDir(ctx, entry.Path, in, depth+1)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		out = append(out, node)
	}
	e.sortEntries(out)
	return out, nil
}

// sortEntries orders directories before files, then by locale-aware name.
func (e *Executor) sortEntries(nodes []domain.FileNode) {
	e.colMu.Lock()
	defer e.colMu.Unlock()
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return e.collator.CompareString(nodes[i].Name, nodes[j].Name) < 0
	})
}

func countEntries(nodes []domain.FileNode) int {
	n := len(nodes)
	for _, node := range nodes {
		n += countEntries(node.Children)
	}
	return n
}

func (e *Executor) readFile(ctx context.Context, args Args) domain.ToolResult {
	p, err := e.sandbox.Sanitize(args.String("path"))
	if err != nil {
		return domain.Failure(err.Error())
	}
	content, err := e.backend.ReadFileText(ctx, p)
	if err != nil {
		return domain.Failure("Failed to read file: " + err.Error())
	}
	lines := strings.Count(content, "\n") + 1
	return domain.ToolResult{
		Success: true,
		Data: ReadFileData{
			Path:    p,
			Content: content,
			Lines:   lines,
			Size:    len(content),
		},
		Formatted: fmt.Sprintf("📄 %s (%d lines)\n```\n%s\n```", e.sandbox.Relative(p), lines, content),
	}
}

func (e *Executor) fileInfo(ctx context.Context, args Args) domain.ToolResult {
	requested := args.String("path")
	p, err := e.sandbox.Sanitize(requested)
	if err != nil {
		return domain.Failure(err.Error())
	}
	size, err := e.backend.FileSize(ctx, p)
	if err != nil {
		return domain.Failure("Failed to get file info: " + err.Error())
	}
	name := requested
	if i := strings.LastIndex(requested, "/"); i >= 0 && i < len(requested)-1 {
		name = requested[i+1:]
	}
	formatted := FormatFileSize(size)
	return domain.ToolResult{
		Success: true,
		Data: FileInfoData{
			Path:          p,
			Name:          name,
			Size:          size,
			SizeFormatted: formatted,
		},
		Formatted: fmt.Sprintf("📄 %s: %s", name, formatted),
	}
}
