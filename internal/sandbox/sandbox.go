// Package sandbox confines model-supplied paths to a workspace root.
package sandbox

import (
	"errors"
	"path"
	"regexp"
	"strings"
)

// Kind classifies why a path was rejected.
type Kind int

const (
	KindInvalid Kind = iota
	KindBlocked
	KindOutsideBoundary
)

var (
	ErrInvalid         = errors.New("Invalid path: path must be a non-empty string")
	ErrBlocked         = errors.New("Access denied: path contains blocked pattern")
	ErrOutsideBoundary = errors.New("Access denied: path is outside allowed directories")
)

// Error is returned by Sanitize. It unwraps to one of the Err* sentinels.
type Error struct {
	Kind Kind
	Path string
}

func (e *Error) Error() string { return e.sentinel().Error() }

func (e *Error) Unwrap() error { return e.sentinel() }

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindBlocked:
		return ErrBlocked
	case KindOutsideBoundary:
		return ErrOutsideBoundary
	default:
		return ErrInvalid
	}
}

// DefaultAllowedPrefixes are the absolute locations reachable outside the workspace.
var DefaultAllowedPrefixes = []string{"/home", "/Users", "/usr", "/tmp"}

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`(?i)^/(etc|var|root|proc|sys|dev|boot|bin|sbin|lib)/`),
	regexp.MustCompile(`^~/\.\w+`),
}

var separatorRun = regexp.MustCompile(`[/\\]+`)

// Sandbox resolves paths beneath a fixed workspace root. It performs no I/O.
type Sandbox struct {
	root    string
	allowed []string
}

// New returns a Sandbox for workspaceRoot. With no prefixes given,
// DefaultAllowedPrefixes apply.
func New(workspaceRoot string, allowedPrefixes ...string) *Sandbox {
	if len(allowedPrefixes) == 0 {
		allowedPrefixes = DefaultAllowedPrefixes
	}
	allowed := make([]string, 0, len(allowedPrefixes))
	for _, p := range allowedPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			allowed = append(allowed, path.Clean("/"+p))
		}
	}
	return &Sandbox{root: path.Clean("/" + workspaceRoot), allowed: allowed}
}

// Root returns the normalized workspace root.
func (s *Sandbox) Root() string { return s.root }

// Sanitize validates requested and returns the absolute path it refers to.
func (s *Sandbox) Sanitize(requested string) (string, error) {
	p := strings.TrimSpace(requested)
	if p == "" {
		return "", &Error{Kind: KindInvalid, Path: requested}
	}
	for _, re := range blockedPatterns {
		if re.MatchString(p) {
			return "", &Error{Kind: KindBlocked, Path: requested}
		}
	}

	p = separatorRun.ReplaceAllString(p, "/")
	if p == "~" || strings.HasPrefix(p, "~/") {
		p = s.root + p[1:]
	}

	var resolved string
	if path.IsAbs(p) {
		resolved = path.Clean(p)
		if !within(resolved, s.root) && !s.underAllowed(resolved) {
			// Absolute paths outside the allow-list are treated as workspace-relative.
			resolved = path.Join(s.root, strings.TrimLeft(p, "/"))
		}
	} else {
		resolved = path.Join(s.root, p)
	}

	if !within(resolved, s.root) && !s.underAllowed(resolved) {
		return "", &Error{Kind: KindOutsideBoundary, Path: requested}
	}
	return resolved, nil
}

// Relative reports abs relative to the workspace root ("." for the root itself).
// Paths outside the workspace are returned unchanged.
func (s *Sandbox) Relative(abs string) string {
	switch {
	case abs == s.root:
		return "."
	case within(abs, s.root):
		if s.root == "/" {
			return abs[1:]
		}
		return abs[len(s.root)+1:]
	default:
		return abs
	}
}

// Display replaces the workspace prefix of abs with "~".
func (s *Sandbox) Display(abs string) string {
	if !within(abs, s.root) {
		return abs
	}
	if rel := s.Relative(abs); rel != "." {
		return "~/" + rel
	}
	return "~"
}

func (s *Sandbox) underAllowed(p string) bool {
	for _, prefix := range s.allowed {
		if within(p, prefix) {
			return true
		}
	}
	return false
}

// within reports whether p equals dir or lies beneath it on a segment boundary.
func within(p, dir string) bool {
	if dir == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
