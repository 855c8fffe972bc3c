package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"editoragent/internal/agent"
	"editoragent/internal/app"
	"editoragent/internal/brain"
	"editoragent/internal/cli"
	"editoragent/internal/domain"
	"editoragent/internal/session"
	"editoragent/internal/toolcall"
	"editoragent/internal/tooling"
)

// chatHistoryLimit bounds the stored turns replayed when resuming a conversation.
const chatHistoryLimit = 200

// shutdownSignals stop the running request or server.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// newRuntime and runtimeOptions build the agent runtime; tests swap the
// transport in through runtimeOptions.
var (
	newRuntime     = app.New
	runtimeOptions []app.Option
)

// openRuntime loads config, applies the --workspace override and builds the runtime.
func openRuntime(ctx context.Context, cmd *cobra.Command) (*app.Runtime, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if ws, _ := cmd.Flags().GetString("workspace"); ws != "" {
		cfg.Workspace = ws
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	opts := append([]app.Option{app.WithLogger(logger), app.WithGetenv(getenv)}, runtimeOptions...)
	return newRuntime(ctx, cfg, opts...)
}

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask the agent about the workspace",
		Long: "Sends a message to the agent and streams the answer to stdout. Tool activity goes to stderr.\n" +
			"Without a message, each line read from stdin is sent as one message of the same conversation.",
		RunE: runChat,
	}
	cmd.Flags().String("mode", "", "agent or responder (default from config)")
	cmd.Flags().String("model", "", "model name (default from config)")
	cmd.Flags().String("conversation", "", "conversation ID; resumes stored history when transcripts are enabled")
	cmd.Flags().StringP("workspace", "w", "", "workspace root (overrides config)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	mode, _ := cmd.Flags().GetString("mode")
	model, _ := cmd.Flags().GetString("model")
	id, _ := cmd.Flags().GetString("conversation")
	if id == "" {
		id = session.NewConversationID()
	}
	history, err := rt.History(ctx, id, chatHistoryLimit)
	if err != nil {
		return err
	}
	if rt.Store() != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", id)
	}

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	loop := rt.NewLoop()
	ask := func(message string) brain.Outcome {
		history = append(history, domain.Turn{Role: domain.RoleUser, Content: message})
		out := loop.Send(ctx, rt.Request(id, model, mode, history), brain.Callbacks{
			OnChunk: func(chunk string) { fmt.Fprint(stdout, chunk) },
			OnToolStart: func(tool string, args map[string]any) {
				fmt.Fprintf(stderr, "-> %s %s\n", tool, compactJSON(args))
			},
			OnToolComplete: func(tool string, result domain.ToolResult) {
				if !result.Success {
					fmt.Fprintf(stderr, "!! %s: %s\n", tool, result.Error)
				}
			},
		})
		fmt.Fprintln(stdout)
		history = append(history, domain.Turn{Role: domain.RoleAssistant, Content: out.Transcript})
		return out
	}

	if len(args) > 0 {
		return outcomeErr(ask(strings.Join(args, " ")))
	}
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() && ctx.Err() == nil {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if out := ask(line); out.State == brain.StateAborted {
			return outcomeErr(out)
		}
	}
	return sc.Err()
}

// outcomeErr maps a finished request to the process exit status.
func outcomeErr(out brain.Outcome) error {
	switch {
	case out.State == brain.StateAborted:
		return exitCodeErr(130)
	case out.Err != nil:
		return exitCodeErr(1)
	}
	return nil
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func newToolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool <name> [json-args]",
		Short: "Run one tool directly inside the workspace sandbox",
		Example: `  editoragent tool read_file '{"path": "main.go"}'
  editoragent tool grep '{"query": "func main", "includePattern": "*.go"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runTool,
	}
	cmd.Flags().StringP("workspace", "w", "", "workspace root (overrides config)")
	cmd.Flags().Bool("json", false, "print the full result as JSON")
	return cmd
}

func runTool(cmd *cobra.Command, args []string) error {
	toolArgs := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}
	rt, err := openRuntime(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	result := rt.NewToolService().ExecuteTool(cmd.Context(), args[0], toolArgs)
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if result.Success {
		fmt.Fprintln(cmd.OutOrStdout(), result.Formatted)
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), result.Error)
	}
	if !result.Success {
		return exitCodeErr(1)
	}
	return nil
}

// parsedCall is the printed form of a detected tool call.
type parsedCall struct {
	ID     int            `json:"id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Syntax string         `json:"syntax"`
	Raw    string         `json:"raw"`
}

func newParseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Print the tool calls found in model output (stdin or file)",
		Long: "Prints the detected calls as JSON. With --run the calls are executed in the workspace instead:\n" +
			"a file is treated as one complete response and printed with each call replaced by its output;\n" +
			"stdin is treated as a stream and each call's output follows it as soon as the call is complete.",
		Args: cobra.MaximumNArgs(1),
		RunE: runParse,
	}
	cmd.Flags().Bool("run", false, "execute the detected calls")
	cmd.Flags().StringP("workspace", "w", "", "workspace root (overrides config)")
	return cmd
}

func runParse(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	if run, _ := cmd.Flags().GetBool("run"); run {
		return runParsedCalls(cmd, in, len(args) == 1)
	}
	text, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	calls := toolcall.NewParser(tooling.NewDefaultRegistry()).Parse(string(text))
	out := make([]parsedCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, parsedCall{ID: c.ID, Tool: c.Tool, Args: c.Args, Syntax: string(c.Syntax), Raw: c.Raw})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// parseReadSize is the chunk size used when streaming stdin through the tool service.
var parseReadSize = 4096

// runParsedCalls executes the calls in model output read from in. A complete
// response has its calls replaced in place; a stream is forwarded chunk by
// chunk with results appended after each completed call.
func runParsedCalls(cmd *cobra.Command, in io.Reader, complete bool) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	svc := rt.NewToolService()
	failed := false
	hooks := agent.Hooks{
		OnToolResult: func(tool string, r domain.ToolResult) {
			if !r.Success {
				failed = true
				fmt.Fprintf(stderr, "!! %s: %s\n", tool, r.Error)
			}
		},
	}

	if complete {
		text, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, svc.ProcessResponse(ctx, string(text), hooks).Text)
	} else {
		forward := func(s string) { fmt.Fprint(stdout, s) }
		buf := make([]byte, parseReadSize)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				svc.ProcessStream(ctx, string(buf[:n]), forward, hooks)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
	}
	if failed {
		return exitCodeErr(1)
	}
	return nil
}

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			cat := rt.Catalog()
			if cat == nil {
				return fmt.Errorf("provider %q does not support model listing", rt.Config().Agent.Provider)
			}
			models, err := cat.Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check config, workspace, provider credentials and storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fix, _ := cmd.Flags().GetBool("fix")
			code := cli.RunCheck(cmd.Context(), cli.CheckOptions{
				ConfigPath: configPath(cmd),
				Fix:        fix,
				Getenv:     getenv,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != 0 {
				return exitCodeErr(code)
			}
			return nil
		},
	}
	cmd.Flags().Bool("fix", false, "write default config if missing")
	return cmd
}

func newConfigCommand() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Read or edit the config file"}
	action := func(name string, nargs int, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				opts := cli.ConfigOptions{ConfigPath: configPath(cmd), Action: name, Path: args[0]}
				if nargs == 2 {
					opts.Value = args[1]
				}
				if code := cli.RunConfig(opts, cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
					return exitCodeErr(code)
				}
				return nil
			},
		}
	}
	get := action("get", 1, "Print a value (dot notation, e.g. agent.model)")
	get.Use = "get <key>"
	set := action("set", 2, "Set a value (dot notation)")
	set.Use = "set <key> <value>"
	unset := action("unset", 1, "Remove a value so the default applies")
	unset.Use = "unset <key>"
	allow := action("allow", 1, "Add an absolute directory to the sandbox allow-list")
	allow.Use = "allow <prefix>"
	disallow := action("disallow", 1, "Remove a directory from the sandbox allow-list")
	disallow.Use = "disallow <prefix>"
	root.AddCommand(get, set, unset, allow, disallow)
	return root
}
