package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"editoragent/internal/domain"
)

// DefaultPath is the config file used when neither --config nor
// EDITORAGENT_CONFIG is set.
const DefaultPath = "editoragent.json"

// EnvPath names the environment variable overriding the config path.
const EnvPath = "EDITORAGENT_CONFIG"

// marshalIndent and writeFile are used by WriteDefault and Save; tests may replace to force errors.
var (
	marshalIndent = json.MarshalIndent
	marshalYAML   = yaml.Marshal
	writeFile     = os.WriteFile
)

// ResolvePath picks the config path: explicit flag, then EDITORAGENT_CONFIG, then DefaultPath.
func ResolvePath(flag string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if p := getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Default returns the configuration written by WriteDefault.
func Default() *domain.Config {
	return &domain.Config{
		Workspace: ".",
		Agent: domain.AgentConfig{
			Provider:      "local",
			Model:         "gpt-4o-mini",
			Mode:          string(domain.ModeAgent),
			MaxIterations: 10,
			ContextTokens: 0,
			Encoding:      "cl100k_base",
		},
		RateLimit: domain.RateLimitConfig{MaxPerMinute: 30, MaxPerSession: 100, CooldownMs: 2000},
		Sandbox:   domain.SandboxConfig{AllowedPrefixes: []string{"/home", "/Users", "/usr", "/tmp"}},
		Gateway:   domain.GatewayConfig{Port: 8080},
		Retry: domain.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 500,
			MaxBackoff:     30000,
			Multiplier:     2,
		},
		Infra: domain.InfraConfig{LogFormat: "text", LogLevel: "info"},
	}
}

// WriteDefault writes Default() to path (e.g. editoragent.json). Parent
// directories are not created.
func WriteDefault(path string) error {
	data, err := encode(path, Default())
	if err != nil {
		return err
	}
	return writeFile(path, data, 0644)
}

// Load reads path, decodes it as YAML for .yaml/.yml and JSON otherwise,
// fills zero values from Default and cleans path fields.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	c := Default()
	// The default allow-list is replaced, not merged, when the file sets one.
	c.Sandbox.AllowedPrefixes = nil
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if c.Sandbox.AllowedPrefixes == nil {
		c.Sandbox.AllowedPrefixes = Default().Sandbox.AllowedPrefixes
	}
	CleanPaths(c)
	return c, nil
}

// CleanPaths applies filepath.Clean to all path fields in cfg to prevent path traversal.
func CleanPaths(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	if cfg.Workspace != "" {
		cfg.Workspace = filepath.Clean(cfg.Workspace)
	}
	if cfg.Database.TranscriptFile != "" {
		cfg.Database.TranscriptFile = filepath.Clean(cfg.Database.TranscriptFile)
	}
	for i, p := range cfg.Sandbox.AllowedPrefixes {
		cfg.Sandbox.AllowedPrefixes[i] = filepath.Clean(p)
	}
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: nil config")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err := writeFile(path, data, 0644); err != nil {
		return fmt.Errorf("config save write: %w", err)
	}
	return nil
}

func encode(path string, cfg *domain.Config) ([]byte, error) {
	if isYAML(path) {
		return marshalYAML(cfg)
	}
	return marshalIndent(cfg, "", "  ")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
