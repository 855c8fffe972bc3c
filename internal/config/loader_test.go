package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"editoragent/internal/domain"
)

// =============================================================================
// Load
// =============================================================================

func TestLoad_WhenFileDoesNotExist_ShouldReturnError(t *testing.T) {
	_, err := Load("/nonexistent/editoragent.json")
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLoad_WhenFileIsInvalidJSON_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editoragent.json")
	if err := os.WriteFile(path, []byte(`{ invalid }`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoad_WhenJSONIsPartial_ShouldFillDefaults(t *testing.T) {
	// Given: only the agent provider and workspace set
	path := filepath.Join(t.TempDir(), "editoragent.json")
	cfg := `{ "workspace": "src/../proj", "agent": { "provider": "anthropic", "model": "claude-sonnet-4" } }`
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	// When
	got, err := Load(path)

	// Then
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Workspace != "proj" {
		t.Errorf("workspace: want cleaned proj, got %q", got.Workspace)
	}
	if got.Agent.Provider != "anthropic" || got.Agent.MaxIterations != 10 {
		t.Errorf("agent: unexpected %+v", got.Agent)
	}
	if got.RateLimit != (domain.RateLimitConfig{MaxPerMinute: 30, MaxPerSession: 100, CooldownMs: 2000}) {
		t.Errorf("rateLimit: want defaults, got %+v", got.RateLimit)
	}
	if len(got.Sandbox.AllowedPrefixes) != 4 {
		t.Errorf("sandbox: want default prefixes, got %v", got.Sandbox.AllowedPrefixes)
	}
}

func TestLoad_WhenYAML_ShouldDecodeWithSameKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editoragent.yaml")
	doc := `
workspace: /srv/app
agent:
  provider: openai
  mode: responder
rateLimit:
  maxPerMinute: 5
sandbox:
  allowedPrefixes: [/opt/shared/]
gateway:
  port: 9000
  auth:
    authToken: tok
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Agent.Mode != "responder" || got.RateLimit.MaxPerMinute != 5 || got.RateLimit.MaxPerSession != 100 {
		t.Errorf("unexpected agent/rateLimit: %+v %+v", got.Agent, got.RateLimit)
	}
	if len(got.Sandbox.AllowedPrefixes) != 1 || got.Sandbox.AllowedPrefixes[0] != "/opt/shared" {
		t.Errorf("allowedPrefixes: want [/opt/shared], got %v", got.Sandbox.AllowedPrefixes)
	}
	if got.Gateway.Port != 9000 || got.Gateway.Auth.AuthToken != "tok" {
		t.Errorf("gateway: unexpected %+v", got.Gateway)
	}
}

func TestLoad_WhenYAMLInvalid_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yml")
	os.WriteFile(path, []byte("agent: [unclosed"), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected YAML parse error")
	}
}

// =============================================================================
// ResolvePath / CleanPaths
// =============================================================================

func TestResolvePath_ShouldPreferFlagThenEnv(t *testing.T) {
	env := func(v string) func(string) string {
		return func(string) string { return v }
	}
	if got := ResolvePath("a.json", env("b.json")); got != "a.json" {
		t.Errorf("flag: got %q", got)
	}
	if got := ResolvePath("", env("b.json")); got != "b.json" {
		t.Errorf("env: got %q", got)
	}
	if got := ResolvePath("", env("")); got != DefaultPath {
		t.Errorf("default: got %q", got)
	}
}

func TestCleanPaths_WhenConfigIsNil_ShouldNotPanic(t *testing.T) {
	CleanPaths(nil)
}

func TestCleanPaths_WhenGivenPathWithTraversal_ShouldReturnCleanedPath(t *testing.T) {
	c := &domain.Config{
		Workspace: filepath.Join("foo", "..", "bar"),
		Sandbox:   domain.SandboxConfig{AllowedPrefixes: []string{"/tmp/./x/"}},
	}
	CleanPaths(c)
	if c.Workspace != "bar" {
		t.Errorf("workspace: expected cleaned 'bar', got %q", c.Workspace)
	}
	if c.Sandbox.AllowedPrefixes[0] != "/tmp/x" {
		t.Errorf("prefix: expected /tmp/x, got %q", c.Sandbox.AllowedPrefixes[0])
	}
}

// =============================================================================
// WriteDefault / Save
// =============================================================================

func TestWriteDefault_ShouldCreateValidConfigFile(t *testing.T) {
	for _, name := range []string{"editoragent.json", "editoragent.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteDefault(path); err != nil {
			t.Fatalf("%s: WriteDefault: %v", name, err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: Load after WriteDefault: %v", name, err)
		}
		if cfg.Gateway.Port != 8080 || cfg.Agent.Provider != "local" || cfg.Retry.MaxRetries != 3 {
			t.Errorf("%s: unexpected default %+v", name, cfg)
		}
	}
}

func TestWriteDefault_WhenMarshalFails_ShouldReturnError(t *testing.T) {
	orig := marshalIndent
	defer func() { marshalIndent = orig }()
	marshalIndent = func(any, string, string) ([]byte, error) { return nil, errors.New("boom") }

	if err := WriteDefault(filepath.Join(t.TempDir(), "c.json")); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestSave_WhenConfigNil_ShouldReturnError(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "c.json"), nil)
	if err == nil || !strings.Contains(err.Error(), "nil") {
		t.Fatalf("expected nil config error, got %v", err)
	}
}

func TestSave_ShouldCreateParentDirAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "c.yaml")
	cfg := Default()
	cfg.Agent.Model = "grok-3"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Agent.Model != "grok-3" {
		t.Errorf("want grok-3, got %q", got.Agent.Model)
	}
}

func TestSave_WhenWriteFails_ShouldWrapError(t *testing.T) {
	orig := writeFile
	defer func() { writeFile = orig }()
	writeFile = func(string, []byte, os.FileMode) error { return errors.New("disk full") }

	err := Save(filepath.Join(t.TempDir(), "c.json"), Default())
	if err == nil || !strings.Contains(err.Error(), "config save write: disk full") {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}
