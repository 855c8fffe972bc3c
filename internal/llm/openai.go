package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"editoragent/internal/domain"
)

// OpenAIConfig configures an OpenAI-compatible transport. BaseURL selects
// xAI, Ollama or any other compatible endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type openaiCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAITransport streams chat completions from an OpenAI-compatible API.
type OpenAITransport struct {
	completions openaiCompletions
	client      openai.Client
}

// NewOpenAITransport returns a transport for cfg. The SDK's own retries are
// disabled; wrap the transport with retry.NewTransport instead.
func NewOpenAITransport(cfg OpenAIConfig) *OpenAITransport {
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
	client := openai.NewClient(opts...)
	return &OpenAITransport{completions: &client.Chat.Completions, client: client}
}

func (t *OpenAITransport) params(model string, turns []domain.Turn) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(turn.Content))
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
}

// StreamChat implements domain.ModelStreamTransport.
func (t *OpenAITransport) StreamChat(ctx context.Context, model string, turns []domain.Turn, onChunk func(string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream := t.completions.NewStreaming(ctx, t.params(model, turns))
	if stream == nil {
		return errors.New("openai: stream not available")
	}
	defer stream.Close()

	for stream.Next() {
		for _, choice := range stream.Current().Choices {
			if choice.Delta.Content != "" {
				onChunk(choice.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

// CompleteChat implements domain.ModelStreamTransport.
func (t *OpenAITransport) CompleteChat(ctx context.Context, model string, turns []domain.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := t.completions.New(ctx, t.params(model, turns))
	if err != nil {
		return "", fmt.Errorf("openai complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ListModels returns the model IDs the endpoint offers, sorted.
func (t *OpenAITransport) ListModels(ctx context.Context) ([]string, error) {
	page, err := t.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ domain.ModelStreamTransport = (*OpenAITransport)(nil)
	_ ModelLister                 = (*OpenAITransport)(nil)
)
