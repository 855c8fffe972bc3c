package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"editoragent/internal/agent"
	"editoragent/internal/domain"
	"editoragent/internal/security"
	"editoragent/internal/tooling"
)

// CheckOptions holds options for the check command.
type CheckOptions struct {
	ConfigPath string                  // resolved config path
	Fix        bool                    // write a default config when missing
	Getenv     func(key string) string // environment lookup for API keys; nil means os.Getenv
}

// RunCheck validates the config, workspace, provider credentials, transcript
// store and gateway settings. Returns the exit code: 1 when something would
// stop the agent from starting.
func RunCheck(ctx context.Context, opts CheckOptions, stdout, stderr io.Writer) int {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	note := func(section, message string) {
		fmt.Fprintf(stdout, "  [%s] %s\n", section, message)
	}
	failed := false

	cfg, err := configLoad(opts.ConfigPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		note("Config", fmt.Sprintf("No config at %s.", opts.ConfigPath))
		if !opts.Fix {
			note("Config", "Run with --fix to create a default config. Built-in defaults apply until then.")
			fmt.Fprintln(stdout, "  Check complete.")
			return 0
		}
		if err := configWriteDefault(opts.ConfigPath); err != nil {
			fmt.Fprintf(stderr, "  failed to write default config: %v\n", err)
			return 1
		}
		note("Config", fmt.Sprintf("Wrote default config to %s.", opts.ConfigPath))
		if cfg, err = configLoad(opts.ConfigPath); err != nil {
			note("Config", err.Error())
			return 1
		}
	case err != nil:
		note("Config", err.Error())
		return 1
	default:
		note("Config", fmt.Sprintf("Loaded %s.", opts.ConfigPath))
	}

	if !checkWorkspace(cfg, note) {
		failed = true
	}

	note("Agent", fmt.Sprintf("provider=%s model=%s mode=%s maxIterations=%d",
		cfg.Agent.Provider, cfg.Agent.Model, cfg.Agent.Mode, cfg.Agent.MaxIterations))
	if _, err := newTransport(cfg.Agent, cfg.Retry, getenv); err != nil {
		note("Agent", err.Error())
		failed = true
	}

	note("Sandbox", "allowed prefixes: "+strings.Join(cfg.Sandbox.AllowedPrefixes, ", "))
	note("RateLimit", fmt.Sprintf("%d/min, %d/session, cooldown %dms",
		cfg.RateLimit.MaxPerMinute, cfg.RateLimit.MaxPerSession, cfg.RateLimit.CooldownMs))

	switch {
	case cfg.Database.URL != "":
		conn, err := dbConnect(ctx, cfg.Database.URL)
		if err != nil {
			note("Database", err.Error())
			failed = true
		} else {
			conn.Close()
			note("Database", "Transcript database reachable.")
		}
	case cfg.Database.TranscriptFile != "":
		note("Database", "Transcripts append to "+cfg.Database.TranscriptFile+".")
	default:
		note("Database", "Transcripts are not persisted.")
	}

	if err := security.RequireNonRoot(nil); err != nil {
		note("Process", err.Error())
	}

	note("Gateway", fmt.Sprintf("port=%d", cfg.Gateway.Port))
	if cfg.Gateway.Auth.AuthToken == "" {
		note("Gateway", "Auth is disabled. Set gateway.auth.authToken before exposing the gateway.")
	}

	if failed {
		fmt.Fprintln(stdout, "  Check found problems.")
		return 1
	}
	fmt.Fprintln(stdout, "  Check complete.")
	return 0
}

// checkWorkspace reports the workspace root and its optional AGENTS.md and
// TOOLS.md. Returns false when the workspace cannot be used.
func checkWorkspace(cfg *domain.Config, note func(section, message string)) bool {
	root, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		note("Workspace", err.Error())
		return false
	}
	wc, err := agent.LoadWorkspaceContext(root)
	if err != nil {
		note("Workspace", fmt.Sprintf("%s is not a usable directory: %v", root, err))
		return false
	}
	note("Workspace", fmt.Sprintf("%s ok.", root))
	if wc.Instructions != "" {
		note("Workspace", "AGENTS.md instructions found.")
	}
	if len(wc.Tools) > 0 {
		reg := tooling.NewDefaultRegistry()
		var unknown []string
		for _, name := range wc.Tools {
			if _, ok := reg.Resolve(name); !ok {
				unknown = append(unknown, name)
			}
		}
		note("Workspace", "TOOLS.md enables: "+strings.Join(wc.Tools, ", "))
		if len(unknown) > 0 {
			note("Workspace", "TOOLS.md names unknown tools: "+strings.Join(unknown, ", "))
		}
	}
	return true
}
