package llm

import (
	"fmt"
	"strings"
	"time"

	"editoragent/internal/domain"
	"editoragent/internal/retry"
)

// defaultCooldownDuration is the time a rate-limited key stays in cooldown.
const defaultCooldownDuration = 60 * time.Second

// Getenv resolves an environment variable; os.Getenv in production.
type Getenv func(name string) string

// endpoint describes an OpenAI-compatible provider.
type endpoint struct {
	keyEnv      string
	baseURL     string
	keyOptional bool
}

var openAICompatible = map[string]endpoint{
	"openai":  {keyEnv: "OPENAI_API_KEY"},
	"chatgpt": {keyEnv: "OPENAI_API_KEY"},
	"xai":     {keyEnv: "XAI_API_KEY", baseURL: "https://api.x.ai/v1"},
	"ollama":  {keyEnv: "OLLAMA_API_KEY", baseURL: "http://localhost:11434/v1", keyOptional: true},
}

// Providers lists the accepted provider names.
func Providers() []string {
	return []string{"local", "openai", "chatgpt", "xai", "ollama", "anthropic"}
}

// NewTransport returns the transport for the agent config, wrapped with
// retry logic when rc asks for retries. An empty provider means "local".
// API keys are read through getenv; a comma-separated value builds a key pool.
func NewTransport(agent domain.AgentConfig, rc domain.RetryConfig, getenv Getenv) (domain.ModelStreamTransport, error) {
	base, err := newBaseTransport(agent, getenv)
	if err != nil {
		return nil, err
	}
	if rc.MaxRetries <= 0 {
		return base, nil
	}
	return retry.NewTransport(base, retry.FromDomain(rc)), nil
}

// NewModelLister returns a lister for the provider's model catalog, using
// the first configured key.
func NewModelLister(agent domain.AgentConfig, getenv Getenv) (ModelLister, error) {
	var lister ModelLister
	err := resolve(agent, getenv, func(keys []string, build func(string) domain.ModelStreamTransport) error {
		t := build(firstOr(keys, ""))
		l, ok := t.(ModelLister)
		if !ok {
			return fmt.Errorf("provider %q does not support model listing", agent.Provider)
		}
		lister = l
		return nil
	})
	return lister, err
}

func newBaseTransport(agent domain.AgentConfig, getenv Getenv) (domain.ModelStreamTransport, error) {
	var out domain.ModelStreamTransport
	err := resolve(agent, getenv, func(keys []string, build func(string) domain.ModelStreamTransport) error {
		if len(keys) <= 1 {
			out = build(firstOr(keys, ""))
			return nil
		}
		pool, err := newKeyPoolFunc(keys, defaultCooldownDuration)
		if err != nil {
			return fmt.Errorf("%s key pool: %w", agent.Provider, err)
		}
		transports := make([]domain.ModelStreamTransport, len(keys))
		for i, k := range keys {
			transports[i] = build(k)
		}
		kpt, err := NewKeyPoolTransport(pool, transports)
		if err != nil {
			return err
		}
		out = kpt
		return nil
	})
	return out, err
}

// resolve looks up the provider's keys and per-key constructor and hands
// them to use.
func resolve(agent domain.AgentConfig, getenv Getenv, use func(keys []string, build func(key string) domain.ModelStreamTransport) error) error {
	provider := agent.Provider
	if provider == "" {
		provider = "local"
	}
	switch provider {
	case "local":
		return use(nil, func(string) domain.ModelStreamTransport { return NewLocalTransport("Local: ") })
	case "anthropic":
		keys := splitKeys(getenv("ANTHROPIC_API_KEY"))
		if len(keys) == 0 {
			return fmt.Errorf("anthropic provider: API key not set (export ANTHROPIC_API_KEY)")
		}
		return use(keys, func(key string) domain.ModelStreamTransport {
			return NewAnthropicTransport(AnthropicConfig{APIKey: key, BaseURL: agent.BaseURL})
		})
	}

	ep, ok := openAICompatible[provider]
	if !ok {
		return fmt.Errorf("unknown model provider %q (use: %s)", provider, strings.Join(Providers(), ", "))
	}
	keys := splitKeys(getenv(ep.keyEnv))
	if len(keys) == 0 {
		if !ep.keyOptional {
			return fmt.Errorf("%s provider: API key not set (export %s)", provider, ep.keyEnv)
		}
		keys = []string{provider}
	}
	baseURL := ep.baseURL
	if agent.BaseURL != "" {
		baseURL = agent.BaseURL
	}
	return use(keys, func(key string) domain.ModelStreamTransport {
		return NewOpenAITransport(OpenAIConfig{APIKey: key, BaseURL: baseURL})
	})
}

// splitKeys splits a raw secret value by commas, trims whitespace, and filters empty entries.
func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

func firstOr(keys []string, def string) string {
	if len(keys) == 0 {
		return def
	}
	return keys[0]
}

// newKeyPoolFunc is the KeyPool constructor. Package-level var for test injection.
var newKeyPoolFunc = NewKeyPool
