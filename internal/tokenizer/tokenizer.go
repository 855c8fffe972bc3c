// Package tokenizer counts tokens for context window budgeting.
package tokenizer

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"editoragent/internal/domain"
)

// DefaultEncoding is used when no encoding or model mapping is known.
const DefaultEncoding = "cl100k_base"

// TikToken wraps tiktoken-go to implement domain.Tokenizer.
type TikToken struct {
	encoding *tiktoken.Tiktoken
}

// NewTikToken creates a tokenizer for the named encoding
// ("cl100k_base", "o200k_base", ...).
func NewTikToken(encodingName string) (*TikToken, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: unknown encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: enc}, nil
}

// NewForModel picks the encoding tiktoken associates with model, falling back
// to DefaultEncoding for models it does not know (Anthropic, Ollama, ...).
func NewForModel(model string) (*TikToken, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return &TikToken{encoding: enc}, nil
	}
	return NewTikToken(DefaultEncoding)
}

// CountTokens returns the number of tokens in text.
func (t *TikToken) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(t.encoding.Encode(text, nil, nil)), nil
}

// Approx estimates four characters per token. It needs no encoding data and
// serves when the BPE ranks cannot be loaded.
type Approx struct{}

// CountTokens returns ceil(runes/4).
func (Approx) CountTokens(text string) (int, error) {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4, nil
}

// New returns the best tokenizer available: the named encoding, else the
// model's encoding, else Approx.
func New(encoding, model string, logger *slog.Logger) domain.Tokenizer {
	if logger == nil {
		logger = slog.Default()
	}
	if encoding != "" {
		tok, err := NewTikToken(encoding)
		if err == nil {
			return tok
		}
		logger.Warn("tokenizer encoding unavailable", "encoding", encoding, "error", err)
	}
	tok, err := NewForModel(model)
	if err == nil {
		return tok
	}
	logger.Warn("tokenizer falling back to estimate", "model", model, "error", err)
	return Approx{}
}

var (
	_ domain.Tokenizer = (*TikToken)(nil)
	_ domain.Tokenizer = Approx{}
)
