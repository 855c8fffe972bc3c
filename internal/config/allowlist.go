package config

import (
	"errors"
	"path/filepath"
	"strings"

	"editoragent/internal/domain"
)

// ErrPrefixNotAbsolute is returned when an allow-listed prefix is relative.
var ErrPrefixNotAbsolute = errors.New("allowed prefix must be an absolute path")

// ErrPrefixTooBroad is returned for "/" which would disable the sandbox boundary.
var ErrPrefixTooBroad = errors.New("allowed prefix must not be the file system root")

// AddAllowedPrefix adds an absolute directory to cfg.Sandbox.AllowedPrefixes
// if it is not already present (after cleaning).
func AddAllowedPrefix(cfg *domain.Config, prefix string) error {
	if cfg == nil {
		return nil
	}
	p, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}
	for _, existing := range cfg.Sandbox.AllowedPrefixes {
		if filepath.Clean(existing) == p {
			return nil
		}
	}
	cfg.Sandbox.AllowedPrefixes = append(cfg.Sandbox.AllowedPrefixes, p)
	return nil
}

// RemoveAllowedPrefix removes prefix from cfg.Sandbox.AllowedPrefixes.
func RemoveAllowedPrefix(cfg *domain.Config, prefix string) {
	if cfg == nil || len(cfg.Sandbox.AllowedPrefixes) == 0 {
		return
	}
	p := filepath.Clean(strings.TrimSpace(prefix))
	out := make([]string, 0, len(cfg.Sandbox.AllowedPrefixes))
	for _, existing := range cfg.Sandbox.AllowedPrefixes {
		if filepath.Clean(existing) != p {
			out = append(out, existing)
		}
	}
	cfg.Sandbox.AllowedPrefixes = out
}

func normalizePrefix(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if !filepath.IsAbs(prefix) {
		return "", ErrPrefixNotAbsolute
	}
	p := filepath.Clean(prefix)
	if p == string(filepath.Separator) {
		return "", ErrPrefixTooBroad
	}
	return p, nil
}
