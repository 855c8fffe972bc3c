package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"editoragent/internal/config"
	"editoragent/internal/domain"
	"editoragent/internal/logging"
)

// buildMeta holds version and build metadata (injectable via ldflags).
type buildMeta struct {
	Version string
	GoOS    string
	GoArch  string
}

func newBuildMeta(version, goos, goarch string) buildMeta {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	return buildMeta{Version: version, GoOS: goos, GoArch: goarch}
}

func (m buildMeta) String() string {
	return fmt.Sprintf("editoragent %s %s/%s", m.Version, m.GoOS, m.GoArch)
}

func newRootCommand(bm buildMeta) *cobra.Command {
	root := &cobra.Command{
		Use:           "editoragent",
		Short:         "Sandboxed code-reading agent",
		Long:          "editoragent answers questions about a workspace by letting a model call read-only file tools inside a sandbox.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), bm.String())
				return nil
			}
			return cmd.Help()
		},
	}
	root.Flags().BoolP("version", "V", false, "print version and build metadata")
	root.PersistentFlags().StringP("config", "c", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")

	root.AddCommand(
		newChatCommand(),
		newServeCommand(),
		newToolCommand(),
		newParseCommand(),
		newModelsCommand(),
		newCheckCommand(),
		newConfigCommand(),
	)
	return root
}

// configPath resolves --config, then EDITORAGENT_CONFIG, then the default file.
func configPath(cmd *cobra.Command) string {
	flag, _ := cmd.Flags().GetString("config")
	return config.ResolvePath(flag, getenv)
}

// loadConfig reads the config file. A missing file yields the defaults so
// the agent runs without setup.
func loadConfig(cmd *cobra.Command) (*domain.Config, string, error) {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), path, nil
	}
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// newLogger builds the process logger from cfg.Infra, writing to stderr so
// stdout carries only answers.
func newLogger(cmd *cobra.Command, cfg *domain.Config) (*slog.Logger, error) {
	logger, err := logging.New(cfg.Infra, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func getVersion() string {
	if version != "" {
		return version
	}
	b, err := os.ReadFile("VERSION")
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(string(b))
}

// version is set at build time via ldflags for build metadata, e.g.:
//
//	go build -ldflags "-X main.version=1.0.0" -o editoragent ./cmd/editoragent
var version string

// getenv is the environment lookup for config and API keys; tests replace it.
var getenv = os.Getenv

// exitCodeErr carries an exit code for the process. When returned from a command, runApp exits with that code.
type exitCodeErr int

func (e exitCodeErr) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e exitCodeErr) ExitCode() int { return int(e) }

// runApp runs the root command with the given args and returns the exit code.
func runApp(args []string) int {
	bm := newBuildMeta(version, "", "")
	if bm.Version == "" {
		bm.Version = getVersion()
	}
	root := newRootCommand(bm)
	root.SetArgs(args[1:])
	if err := root.Execute(); err != nil {
		if ec, ok := err.(interface{ ExitCode() int }); ok {
			return ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
