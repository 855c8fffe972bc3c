// Package context fits a conversation into a model's token window.
package context

import (
	"fmt"

	"editoragent/internal/domain"
)

// Manager implements domain.ContextManager with a sliding window: the system
// prompt is reserved first, then turns are kept newest to oldest while they
// fit. The newest turn is always kept so a request is never empty.
type Manager struct {
	tokenizer domain.Tokenizer
	maxTokens int
}

// NewManager creates a Manager with the given tokenizer and token budget.
// Panics if tokenizer is nil or maxTokens <= 0.
func NewManager(tokenizer domain.Tokenizer, maxTokens int) *Manager {
	if tokenizer == nil {
		panic("context: tokenizer must not be nil")
	}
	if maxTokens <= 0 {
		panic("context: maxTokens must be > 0")
	}
	return &Manager{tokenizer: tokenizer, maxTokens: maxTokens}
}

// FitToWindow returns the most recent suffix of turns that fits next to
// systemPrompt. It errors when the system prompt alone exceeds the budget or
// the tokenizer fails.
func (m *Manager) FitToWindow(turns []domain.Turn, systemPrompt string) ([]domain.Turn, error) {
	if len(turns) == 0 {
		return []domain.Turn{}, nil
	}

	sysTokens, err := m.count(systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("context: counting system prompt tokens: %w", err)
	}
	if sysTokens > m.maxTokens {
		return nil, fmt.Errorf("context: system prompt (%d tokens) exceeds limit (%d tokens)", sysTokens, m.maxTokens)
	}
	budget := m.maxTokens - sysTokens

	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n, err := m.count(turns[i].Content)
		if err != nil {
			return nil, fmt.Errorf("context: counting tokens for turn %d: %w", i, err)
		}
		if total+n > budget && start < len(turns) {
			break
		}
		total += n
		start = i
	}
	return turns[start:], nil
}

// Count returns the token count of all turns plus the system prompt.
func (m *Manager) Count(turns []domain.Turn, systemPrompt string) (int, error) {
	total, err := m.count(systemPrompt)
	if err != nil {
		return 0, err
	}
	for _, t := range turns {
		n, err := m.count(t.Content)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (m *Manager) count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return m.tokenizer.CountTokens(text)
}

var _ domain.ContextManager = (*Manager)(nil)
