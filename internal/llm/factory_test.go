package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"editoragent/internal/domain"
	"editoragent/internal/retry"
)

func env(vars map[string]string) Getenv {
	return func(name string) string { return vars[name] }
}

func TestNewTransport_WhenProviderEmpty_ShouldDefaultToLocal(t *testing.T) {
	tr, err := NewTransport(domain.AgentConfig{}, domain.RetryConfig{}, env(nil))
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	got, _ := tr.CompleteChat(context.Background(), "m", []domain.Turn{{Role: domain.RoleUser, Content: "hi"}})
	if got != "Local: hi" {
		t.Errorf("want Local: hi, got %q", got)
	}
}

func TestNewTransport_WhenKeyMissing_ShouldReturnError(t *testing.T) {
	for _, p := range []string{"openai", "chatgpt", "xai", "anthropic"} {
		_, err := NewTransport(domain.AgentConfig{Provider: p}, domain.RetryConfig{}, env(nil))
		if err == nil || !strings.Contains(err.Error(), "API key not set") {
			t.Errorf("%s: expected missing key error, got %v", p, err)
		}
	}
}

func TestNewTransport_WhenOllamaWithoutKey_ShouldSucceed(t *testing.T) {
	tr, err := NewTransport(domain.AgentConfig{Provider: "ollama"}, domain.RetryConfig{}, env(nil))
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if _, ok := tr.(*OpenAITransport); !ok {
		t.Errorf("expected OpenAI-compatible transport, got %T", tr)
	}
}

func TestNewTransport_WhenUnknownProvider_ShouldListChoices(t *testing.T) {
	_, err := NewTransport(domain.AgentConfig{Provider: "gemini"}, domain.RetryConfig{}, env(nil))
	if err == nil || !strings.Contains(err.Error(), "local, openai, chatgpt, xai, ollama, anthropic") {
		t.Errorf("expected unknown provider error, got %v", err)
	}
}

func TestNewTransport_ShouldPickTransportPerProvider(t *testing.T) {
	vars := env(map[string]string{"OPENAI_API_KEY": "sk", "ANTHROPIC_API_KEY": "ant", "XAI_API_KEY": "xk"})
	cases := map[string]string{
		"openai":    "*llm.OpenAITransport",
		"xai":       "*llm.OpenAITransport",
		"anthropic": "*llm.AnthropicTransport",
		"local":     "*llm.LocalTransport",
	}
	for provider, want := range cases {
		tr, err := NewTransport(domain.AgentConfig{Provider: provider}, domain.RetryConfig{}, vars)
		if err != nil {
			t.Fatalf("%s: %v", provider, err)
		}
		if got := typeName(tr); got != want {
			t.Errorf("%s: want %s, got %s", provider, want, got)
		}
	}
}

func TestNewTransport_WhenMultipleKeys_ShouldBuildKeyPool(t *testing.T) {
	tr, err := NewTransport(domain.AgentConfig{Provider: "openai"}, domain.RetryConfig{}, env(map[string]string{"OPENAI_API_KEY": "k1, k2,,k3"}))
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	kpt, ok := tr.(*KeyPoolTransport)
	if !ok {
		t.Fatalf("expected key pool transport, got %T", tr)
	}
	if kpt.pool.Len() != 3 {
		t.Errorf("want 3 keys, got %d", kpt.pool.Len())
	}
}

func TestNewTransport_WhenKeyPoolFails_ShouldWrapError(t *testing.T) {
	orig := newKeyPoolFunc
	defer func() { newKeyPoolFunc = orig }()
	newKeyPoolFunc = func([]string, time.Duration) (*KeyPool, error) { return nil, errors.New("boom") }

	_, err := NewTransport(domain.AgentConfig{Provider: "openai"}, domain.RetryConfig{}, env(map[string]string{"OPENAI_API_KEY": "a,b"}))
	if err == nil || !strings.Contains(err.Error(), "openai key pool: boom") {
		t.Errorf("expected wrapped pool error, got %v", err)
	}
}

func TestNewTransport_WhenRetriesConfigured_ShouldWrapWithRetry(t *testing.T) {
	tr, err := NewTransport(domain.AgentConfig{Provider: "local"}, domain.RetryConfig{MaxRetries: 2}, env(nil))
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if _, ok := tr.(*retry.Transport); !ok {
		t.Errorf("expected retry decorator, got %T", tr)
	}
}

func TestNewModelLister_ShouldUseProviderTransport(t *testing.T) {
	l, err := NewModelLister(domain.AgentConfig{Provider: "local"}, env(nil))
	if err != nil {
		t.Fatalf("NewModelLister: %v", err)
	}
	got, _ := l.ListModels(context.Background())
	if len(got) != 1 || got[0] != "local" {
		t.Errorf("unexpected models %v", got)
	}
	if _, err := NewModelLister(domain.AgentConfig{Provider: "openai"}, env(nil)); err == nil {
		t.Error("expected missing key error")
	}
}

func TestSplitKeys_ShouldTrimAndFilter(t *testing.T) {
	got := splitKeys(" a , ,b,")
	if strings.Join(got, "|") != "a|b" {
		t.Errorf("unexpected keys %q", got)
	}
	if len(splitKeys("")) != 0 {
		t.Error("expected no keys for empty input")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *OpenAITransport:
		return "*llm.OpenAITransport"
	case *AnthropicTransport:
		return "*llm.AnthropicTransport"
	case *LocalTransport:
		return "*llm.LocalTransport"
	case *KeyPoolTransport:
		return "*llm.KeyPoolTransport"
	default:
		return "other"
	}
}
