package agent

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceContext holds optional per-workspace agent settings read from the
// workspace root.
type WorkspaceContext struct {
	// Instructions is the content of AGENTS.md, appended to the agent prompt.
	Instructions string
	// Tools lists the tool names enabled by TOOLS.md. Empty means all.
	Tools []string
}

// LoadWorkspaceContext reads AGENTS.md and TOOLS.md from root. Root is cleaned
// with filepath.Clean. Missing files leave fields empty; only a root that does
// not exist or is not a directory returns an error.
func LoadWorkspaceContext(root string) (*WorkspaceContext, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, os.ErrNotExist
	}

	wc := &WorkspaceContext{}
	if b, err := os.ReadFile(filepath.Join(root, "AGENTS.md")); err == nil {
		wc.Instructions = strings.TrimSpace(string(b))
	}
	if b, err := os.ReadFile(filepath.Join(root, "TOOLS.md")); err == nil {
		wc.Tools = parseToolNames(string(b))
	}
	return wc, nil
}

// parseToolNames extracts tool names from TOOLS.md (lines like "- name" or "name").
// Markdown headings are skipped.
func parseToolNames(content string) []string {
	var names []string
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "- ") {
			line = strings.TrimSpace(line[2:])
		}
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}
