package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"editoragent/internal/domain"
)

const maxTitleLength = 50

// TitleGenerator names a conversation from its first exchange. It runs a
// one-shot completion in isolation: no history, tools or context trimming.
type TitleGenerator struct {
	transport domain.ModelStreamTransport
	logger    *slog.Logger
}

// NewTitleGenerator returns a generator backed by transport, which must not be nil.
func NewTitleGenerator(transport domain.ModelStreamTransport, logger *slog.Logger) *TitleGenerator {
	if transport == nil {
		panic("title: transport must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleGenerator{transport: transport, logger: logger}
}

// Generate asks the model for a short title. It never fails: on a transport
// error or an empty answer the title is derived from the user message.
func (g *TitleGenerator) Generate(ctx context.Context, model, user, assistant string) string {
	turns := []domain.Turn{{Role: domain.RoleUser, Content: titlePrompt(user, assistant)}}
	resp, err := g.transport.CompleteChat(ctx, model, turns)
	if err != nil {
		g.logger.Warn("title generation failed", "model", model, "error", err)
		return FallbackTitle(user)
	}
	title := cleanTitle(resp)
	if title == "" {
		return FallbackTitle(user)
	}
	return title
}

func titlePrompt(user, assistant string) string {
	return fmt.Sprintf(`Generate a concise, descriptive title (max 5 words) for this conversation:

User: %s
Assistant: %s

The title should:
- Be short and catchy
- Reflect the main topic
- Be in the same language as the user's message
- Not include quotes or special characters

Title:`, user, assistant)
}

// cleanTitle trims whitespace, one leading and one trailing quote, and caps
// the length at maxTitleLength runes.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if s != "" && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if n := len(s); n > 0 && (s[n-1] == '"' || s[n-1] == '\'') {
		s = s[:n-1]
	}
	if utf8.RuneCountInString(s) > maxTitleLength {
		s = string([]rune(s)[:maxTitleLength])
	}
	return s
}

// FallbackTitle is the first four space-separated words of the message, with
// "..." when more follow and the first letter upper-cased.
func FallbackTitle(user string) string {
	words := strings.Split(user, " ")
	title := strings.Join(words[:min(4, len(words))], " ")
	if len(words) > 4 {
		title += "..."
	}
	r, size := utf8.DecodeRuneInString(title)
	if size == 0 {
		return title
	}
	return string(unicode.ToUpper(r)) + title[size:]
}
