package tooling

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/h2non/filetype"

	"editoragent/internal/domain"
)

// DefaultIgnoredDirs are never descended into by searches and tree listings.
var DefaultIgnoredDirs = []string{"node_modules", ".git", "dist", "build", "target", ".vscode"}

const (
	maxLineText      = 400
	maxSearchFileLen = 5 << 20
	sniffLen         = 261
)

// LocalBackend implements domain.FileAccessBackend on the host file system.
type LocalBackend struct {
	ignored map[string]bool
	logger  *slog.Logger
}

var _ domain.FileAccessBackend = (*LocalBackend)(nil)

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithBackendLogger sets the structured logger.
func WithBackendLogger(l *slog.Logger) LocalOption {
	return func(b *LocalBackend) { b.logger = l }
}

// WithIgnoredDirs replaces DefaultIgnoredDirs.
func WithIgnoredDirs(names ...string) LocalOption {
	return func(b *LocalBackend) {
		b.ignored = make(map[string]bool, len(names))
		for _, n := range names {
			b.ignored[n] = true
		}
	}
}

// NewLocalBackend returns a backend reading the local file system.
func NewLocalBackend(opts ...LocalOption) *LocalBackend {
	b := &LocalBackend{}
	WithIgnoredDirs(DefaultIgnoredDirs...)(b)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *LocalBackend) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// BuildSearchRegex compiles the matcher for opts: the query is escaped unless
// Regex is set, wrapped in word boundaries for WholeWord, and made
// case-insensitive unless CaseSensitive.
func BuildSearchRegex(opts domain.SearchOptions) (*regexp.Regexp, error) {
	pattern := opts.Query
	if !opts.Regex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if opts.WholeWord {
		pattern = `\b` + pattern + `\b`
	}
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern: %w", err)
	}
	return re, nil
}

// SplitGlobs splits a comma-separated glob list, dropping empty entries.
func SplitGlobs(list string) []string {
	var out []string
	for _, g := range strings.Split(list, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// matchAny reports whether rel (slash-separated) or its base name matches any glob.
func matchAny(globs []string, rel string) bool {
	base := baseName(rel)
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, base); ok {
			return true
		}
	}
	return false
}

func baseName(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

// gitignoreMatcher loads every .gitignore below root. A root without readable
// ignore files yields a matcher that matches nothing.
func (b *LocalBackend) gitignoreMatcher(root string) gitignore.Matcher {
	patterns, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil {
		b.log().Debug("gitignore patterns unavailable", "root", root, "error", err)
	}
	return gitignore.NewMatcher(patterns)
}

// walk visits every non-ignored entry under root in lexical order.
func (b *LocalBackend) walk(ctx context.Context, root string, visit func(p, rel string, d fs.DirEntry) error) error {
	ignore := b.gitignoreMatcher(root)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			if d.IsDir() {
				return nil
			}
			return visit(p, d.Name(), d)
		}
		rel := filepath.ToSlash(strings.TrimPrefix(p, root+string(filepath.Separator)))
		if d.IsDir() && b.ignored[d.Name()] {
			return filepath.SkipDir
		}
		if ignore.Match(strings.Split(rel, "/"), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return visit(p, rel, d)
	})
}

// SearchText greps files under root line by line.
func (b *LocalBackend) SearchText(ctx context.Context, root string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	re, err := BuildSearchRegex(opts)
	if err != nil {
		return nil, err
	}
	includes := SplitGlobs(opts.IncludePattern)
	excludes := SplitGlobs(opts.ExcludePattern)

	var results []domain.SearchResult
	err = b.walk(ctx, root, func(p, rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		if len(includes) > 0 && !matchAny(includes, rel) {
			return nil
		}
		if matchAny(excludes, rel) {
			return nil
		}
		matches, err := searchFile(p, re)
		if err != nil {
			b.log().Debug("skipping unreadable file", "path", p, "error", err)
			return nil
		}
		if len(matches) > 0 {
			results = append(results, domain.SearchResult{Name: d.Name(), Path: p, Matches: matches})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func searchFile(p string, re *regexp.Regexp) ([]domain.SearchMatch, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSearchFileLen {
		return nil, nil
	}
	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, head)
	if isBinary(head[:n]) {
		return nil, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var matches []domain.SearchMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxSearchFileLen)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		text = truncateLine(text, maxLineText)
		matches = append(matches, domain.SearchMatch{Line: line, CharStart: loc[0], CharEnd: loc[1], Text: text})
	}
	return matches, scanner.Err()
}

// truncateLine cuts text to at most n bytes on a rune boundary and marks the cut.
func truncateLine(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n] + "..."
}

// isBinary reports whether head looks like a non-text file.
func isBinary(head []byte) bool {
	if len(head) == 0 {
		return false
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return true
	}
	for _, c := range head {
		if c == 0 {
			return true
		}
	}
	return false
}

// ListTree returns the tree under root, directories first at every level.
func (b *LocalBackend) ListTree(ctx context.Context, root string) ([]domain.FileNode, error) {
	var top []*domain.FileNode
	children := map[string][]*domain.FileNode{}

	err := b.walk(ctx, root, func(p, rel string, d fs.DirEntry) error {
		node := &domain.FileNode{Name: d.Name(), Path: p, IsDir: d.IsDir()}
		parent := filepath.Dir(p)
		if parent == root {
			top = append(top, node)
		} else {
			children[parent] = append(children[parent], node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var build func(list []*domain.FileNode) []domain.FileNode
	build = func(list []*domain.FileNode) []domain.FileNode {
		out := make([]domain.FileNode, 0, len(list))
		for _, n := range list {
			if n.IsDir {
				n.Children = build(children[n.Path])
			}
			out = append(out, *n)
		}
		sortDirsFirst(out)
		return out
	}
	return build(top), nil
}

// ListDir returns the direct entries of dir.
func (b *LocalBackend) ListDir(ctx context.Context, dir string) ([]domain.FileNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FileNode, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.FileNode{Name: e.Name(), Path: filepath.Join(dir, e.Name()), IsDir: e.IsDir()})
	}
	sortDirsFirst(out)
	return out, nil
}

// ReadFileText reads a whole text file. Binary files are refused.
func (b *LocalBackend) ReadFileText(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if isBinary(head) {
		if kind, _ := filetype.Match(head); kind != filetype.Unknown {
			return "", fmt.Errorf("binary file (%s)", kind.MIME.Value)
		}
		return "", fmt.Errorf("binary file")
	}
	return string(data), nil
}

// FileSize returns the size of p in bytes.
func (b *LocalBackend) FileSize(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func sortDirsFirst(nodes []domain.FileNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
}
