package tooling

import (
	"encoding/json"
	"fmt"
	"strings"

	"editoragent/internal/domain"
)

const (
	previewMatchesPerFile = 5
	previewLineLength     = 200
)

// GrepData is the structured payload of a grep result.
type GrepData struct {
	Results      []domain.SearchResult `json:"results"`
	TotalFiles   int                   `json:"totalFiles"`
	TotalMatches int                   `json:"totalMatches"`
	Truncated    bool                  `json:"truncated"`
}

// FoundEntry is one find_by_name match.
type FoundEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Depth int    `json:"depth"`
}

// FindData is the structured payload of a find_by_name result.
type FindData struct {
	Matches   []FoundEntry `json:"matches"`
	Total     int          `json:"total"`
	Truncated bool         `json:"truncated"`
}

// ListDirData is the structured payload of a list_dir result.
type ListDirData struct {
	Path    string            `json:"path"`
	Entries []domain.FileNode `json:"entries"`
	Total   int               `json:"total"`
}

// ReadFileData is the structured payload of a read_file result.
type ReadFileData struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Lines   int    `json:"lines"`
	Size    int    `json:"size"`
}

// FileInfoData is the structured payload of a file_info result.
type FileInfoData struct {
	Path          string `json:"path"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	SizeFormatted string `json:"sizeFormatted"`
}

// SearchReport is the rendered form of grep results.
type SearchReport struct {
	Type         string       `json:"type"`
	Query        string       `json:"query"`
	Path         string       `json:"path"`
	TotalFiles   int          `json:"totalFiles"`
	TotalMatches int          `json:"totalMatches"`
	Files        []SearchFile `json:"files"`
}

type SearchFile struct {
	Name       string       `json:"name"`
	Path       string       `json:"path"`
	FullPath   string       `json:"fullPath"`
	MatchCount int          `json:"matchCount"`
	Matches    []SearchLine `json:"matches"`
}

type SearchLine struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// FindReport is the rendered form of find_by_name and list_dir results.
type FindReport struct {
	Type       string     `json:"type"`
	Pattern    string     `json:"pattern"`
	Path       string     `json:"path"`
	TotalFiles int        `json:"totalFiles"`
	Files      []FindFile `json:"files"`
}

type FindFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	FullPath string `json:"fullPath"`
	IsDir    bool   `json:"isDir"`
}

// reportMarshalFunc encodes reports. Package-level so tests can force failure.
var reportMarshalFunc = json.Marshal

func encodeReport(v any) string {
	data, err := reportMarshalFunc(v)
	if err != nil {
		return fmt.Sprintf(`{"type":"error","error":%q}`, err.Error())
	}
	return string(data)
}

func (e *Executor) formatSearchResults(results []domain.SearchResult, query, root string) string {
	report := SearchReport{
		Type:  "search-results",
		Query: query,
		Path:  e.sandbox.Display(root),
		Files: []SearchFile{},
	}
	for _, r := range results {
		file := SearchFile{
			Name:       r.Name,
			Path:       e.sandbox.Relative(r.Path),
			FullPath:   r.Path,
			MatchCount: len(r.Matches),
			Matches:    []SearchLine{},
		}
		for i, m := range r.Matches {
			if i == previewMatchesPerFile {
				break
			}
			file.Matches = append(file.Matches, SearchLine{Line: m.Line, Text: truncateRunes(strings.TrimSpace(m.Text), previewLineLength)})
		}
		report.Files = append(report.Files, file)
		report.TotalMatches += len(r.Matches)
	}
	report.TotalFiles = len(report.Files)
	return encodeReport(report)
}

func (e *Executor) formatFindResults(matches []FoundEntry, pattern, root string) string {
	if pattern == "" {
		pattern = "*"
	}
	report := FindReport{
		Type:    "find-results",
		Pattern: pattern,
		Path:    e.sandbox.Display(root),
		Files:   []FindFile{},
	}
	for _, m := range matches {
		report.Files = append(report.Files, FindFile{
			Name:     m.Name,
			Path:     e.sandbox.Relative(m.Path),
			FullPath: m.Path,
			IsDir:    m.IsDir,
		})
	}
	report.TotalFiles = len(report.Files)
	return encodeReport(report)
}

// formatListDirResults flattens the listing into the find-results shape with
// paths relative to the listed directory.
func (e *Executor) formatListDirResults(entries []domain.FileNode, dir string) string {
	report := FindReport{
		Type:    "find-results",
		Pattern: "*",
		Path:    e.sandbox.Display(dir),
		Files:   []FindFile{},
	}
	var flatten func(nodes []domain.FileNode, prefix string)
	flatten = func(nodes []domain.FileNode, prefix string) {
		for _, n := range nodes {
			p := n.Name
			if prefix != "" {
				p = prefix + "/" + n.Name
			}
			report.Files = append(report.Files, FindFile{Name: n.Name, Path: p, FullPath: n.Path, IsDir: n.IsDir})
			flatten(n.Children, p)
		}
	}
	flatten(entries, "")
	report.TotalFiles = len(report.Files)
	return encodeReport(report)
}

// FormatFileSize renders bytes as B, KB, MB or GB, with one decimal place
// for every unit except bytes.
func FormatFileSize(bytes int64) string {
	units := []string{"B", "KB", "MB", "GB"}
	size := float64(bytes)
	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.1f %s", size, units[unit])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
