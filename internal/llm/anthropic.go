package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"editoragent/internal/domain"
)

// defaultAnthropicMaxTokens caps a single response.
const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures the Anthropic Messages transport.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

// AnthropicTransport streams text deltas from the Anthropic Messages API.
type AnthropicTransport struct {
	msgs      anthropicMessages
	client    anthropicsdk.Client
	maxTokens int64
}

// NewAnthropicTransport returns a transport for cfg with SDK retries disabled.
func NewAnthropicTransport(cfg AnthropicConfig) *AnthropicTransport {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	client := anthropicsdk.NewClient(opts...)
	return &AnthropicTransport{msgs: &client.Messages, client: client, maxTokens: int64(maxTokens)}
}

// params maps turns onto the Messages API: system turns become the system
// prompt, the rest alternate user/assistant.
func (t *AnthropicTransport) params(model string, turns []domain.Turn) anthropicsdk.MessageNewParams {
	var system []anthropicsdk.TextBlockParam
	msgs := make([]anthropicsdk.MessageParam, 0, len(turns))
	for _, turn := range turns {
		text := turn.Content
		if strings.TrimSpace(text) == "" {
			text = "."
		}
		switch turn.Role {
		case domain.RoleSystem:
			system = append(system, anthropicsdk.TextBlockParam{Text: text})
		case domain.RoleAssistant:
			msgs = append(msgs, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(text)},
			})
		default:
			msgs = append(msgs, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(text)},
			})
		}
	}
	p := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: t.maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		p.System = system
	}
	return p
}

// StreamChat implements domain.ModelStreamTransport.
func (t *AnthropicTransport) StreamChat(ctx context.Context, model string, turns []domain.Turn, onChunk func(string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream := t.msgs.NewStreaming(ctx, t.params(model, turns))
	if stream == nil {
		return errors.New("anthropic: stream not available")
	}
	defer stream.Close()

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if text := ev.Delta.AsTextDelta().Text; text != "" {
				onChunk(text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

// CompleteChat implements domain.ModelStreamTransport.
func (t *AnthropicTransport) CompleteChat(ctx context.Context, model string, turns []domain.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := t.msgs.New(ctx, t.params(model, turns))
	if err != nil {
		return "", fmt.Errorf("anthropic complete: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic: no text in response")
	}
	return sb.String(), nil
}

// ListModels returns the model IDs available to the API key, sorted.
func (t *AnthropicTransport) ListModels(ctx context.Context) ([]string, error) {
	page, err := t.client.Models.List(ctx, anthropicsdk.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("anthropic list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ domain.ModelStreamTransport = (*AnthropicTransport)(nil)
	_ ModelLister                 = (*AnthropicTransport)(nil)
)
