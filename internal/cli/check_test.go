package cli

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"editoragent/internal/config"
	"editoragent/internal/domain"
	"editoragent/internal/security"
)

func noEnv(string) string { return "" }

// writeCheckConfig writes cfg as JSON into dir and returns its path.
func writeCheckConfig(t *testing.T, dir string, mutate func(*domain.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = dir
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "editoragent.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCheck_WhenConfigMissing_ShouldNoteAndCompleteWithZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.json")

	var out, errOut bytes.Buffer
	code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut)

	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "No config") || !strings.Contains(out.String(), "--fix") {
		t.Errorf("expected missing config note, got: %s", out.String())
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("config must not be written without --fix")
	}
}

func TestRunCheck_WhenConfigMissingAndFix_ShouldWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editoragent.json")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	var out, errOut bytes.Buffer
	code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Fix: true, Getenv: noEnv}, &out, &errOut)

	if code != 0 {
		t.Errorf("expected exit code 0, got %d: %s", code, out.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file should exist after --fix: %v", err)
	}
	if !bytes.Contains(data, []byte("rateLimit")) || !bytes.Contains(data, []byte("8080")) {
		t.Errorf("expected default config content: %s", data)
	}
	if !strings.Contains(out.String(), "Wrote default config") {
		t.Errorf("expected write note, got: %s", out.String())
	}
}

func TestRunCheck_WhenFixWriteFails_ShouldReturnOne(t *testing.T) {
	orig := configWriteDefault
	t.Cleanup(func() { configWriteDefault = orig })
	configWriteDefault = func(string) error { return errors.New("read-only") }

	var out, errOut bytes.Buffer
	code := RunCheck(context.Background(), CheckOptions{ConfigPath: filepath.Join(t.TempDir(), "c.json"), Fix: true}, &out, &errOut)

	if code != 1 || !strings.Contains(errOut.String(), "read-only") {
		t.Errorf("want exit 1 with write error, got %d %q", code, errOut.String())
	}
}

func TestRunCheck_WhenConfigInvalid_ShouldReturnOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json"), 0644)

	var out, errOut bytes.Buffer
	if code := RunCheck(context.Background(), CheckOptions{ConfigPath: path}, &out, &errOut); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "config parse") {
		t.Errorf("expected parse error, got: %s", out.String())
	}
}

func TestRunCheck_WhenConfigValid_ShouldReportEverySection(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Prefer Go."), 0644)
	os.WriteFile(filepath.Join(dir, "TOOLS.md"), []byte("- grep\n- teleport\n"), 0644)
	path := writeCheckConfig(t, dir, func(c *domain.Config) { c.Gateway.Port = 9000 })

	var out, errOut bytes.Buffer
	code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut)

	if code != 0 {
		t.Errorf("expected exit code 0, got %d: %s", code, out.String())
	}
	s := out.String()
	for _, want := range []string{
		"Loaded",
		"AGENTS.md instructions found.",
		"TOOLS.md names unknown tools: teleport",
		"provider=local",
		"30/min, 100/session, cooldown 2000ms",
		"Transcripts are not persisted.",
		"port=9000",
		"Auth is disabled",
		"Check complete.",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in output: %s", want, s)
		}
	}
}

func TestRunCheck_WhenWorkspaceMissing_ShouldReturnOne(t *testing.T) {
	dir := t.TempDir()
	path := writeCheckConfig(t, dir, func(c *domain.Config) { c.Workspace = filepath.Join(dir, "gone") })

	var out, errOut bytes.Buffer
	if code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "not a usable directory") {
		t.Errorf("expected workspace error, got: %s", out.String())
	}
}

func TestRunCheck_WhenProviderKeyMissing_ShouldReturnOne(t *testing.T) {
	dir := t.TempDir()
	path := writeCheckConfig(t, dir, func(c *domain.Config) { c.Agent.Provider = "anthropic" })

	var out, errOut bytes.Buffer
	if code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "ANTHROPIC_API_KEY") {
		t.Errorf("expected key hint, got: %s", out.String())
	}
}

func TestRunCheck_WhenDatabaseConfigured_ShouldConnect(t *testing.T) {
	dir := t.TempDir()
	path := writeCheckConfig(t, dir, func(c *domain.Config) {
		c.Database.URL = filepath.Join(dir, "transcripts.db")
		c.Gateway.Auth.AuthToken = "tok"
	})

	var out, errOut bytes.Buffer
	code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut)

	if code != 0 {
		t.Errorf("expected exit code 0, got %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "Transcript database reachable.") {
		t.Errorf("expected database note, got: %s", out.String())
	}
	if strings.Contains(out.String(), "Auth is disabled") {
		t.Error("auth warning must not appear when a token is set")
	}
}

func TestRunCheck_WhenDatabaseUnreachable_ShouldReturnOne(t *testing.T) {
	orig := dbConnect
	t.Cleanup(func() { dbConnect = orig })
	dbConnect = func(context.Context, string) (*sql.DB, error) { return nil, errors.New("connection refused") }

	dir := t.TempDir()
	path := writeCheckConfig(t, dir, func(c *domain.Config) { c.Database.URL = "libsql://db.example" })

	var out, errOut bytes.Buffer
	if code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "connection refused") {
		t.Errorf("expected connect error, got: %s", out.String())
	}
}

func TestRunCheck_WhenTranscriptFileConfigured_ShouldReportPath(t *testing.T) {
	dir := t.TempDir()
	path := writeCheckConfig(t, dir, func(c *domain.Config) { c.Database.TranscriptFile = "t.jsonl" })

	var out, errOut bytes.Buffer
	RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut)

	if !strings.Contains(out.String(), "Transcripts append to t.jsonl.") {
		t.Errorf("expected transcript file note, got: %s", out.String())
	}
}

func TestRunCheck_WhenRunningAsRoot_ShouldWarnWithoutFailing(t *testing.T) {
	orig := security.Geteuid
	defer func() { security.Geteuid = orig }()
	security.Geteuid = func() int { return 0 }

	dir := t.TempDir()
	path := writeCheckConfig(t, dir, func(c *domain.Config) { c.Agent.Provider = "local" })

	var out, errOut bytes.Buffer
	code := RunCheck(context.Background(), CheckOptions{ConfigPath: path, Getenv: noEnv}, &out, &errOut)

	if code != 0 {
		t.Errorf("expected exit code 0, got %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "[Process] running as root") {
		t.Errorf("expected root warning, got: %s", out.String())
	}
}
