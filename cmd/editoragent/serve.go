package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"editoragent/internal/app"
	"editoragent/internal/config"
	"editoragent/internal/domain"
	"editoragent/internal/gateway"
	"editoragent/internal/security"
)

// serveShutdownCh is set by tests to stop runServe without signals. Production leaves it nil.
var serveShutdownCh <-chan struct{}

// gatewayServerForTest is set when the gateway server starts so tests can read Addr().
var gatewayServerForTest *gateway.Server

// serveBindWaitIterations is the max loop count waiting for the gateway to bind.
var serveBindWaitIterations = 50

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over WebSocket",
		Long: "Starts the gateway: /ws speaks the JSON message protocol, /conversations lists active conversations.\n" +
			"Config file changes apply to conversations started after the change.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringP("workspace", "w", "", "workspace root (overrides config)")
	cmd.Flags().Int("port", -1, "listen port (overrides config; 0 picks a free port)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	workspace, _ := cmd.Flags().GetString("workspace")
	port, _ := cmd.Flags().GetInt("port")
	applyServeFlags(cfg, workspace, port)

	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	if err := security.RequireNonRoot(nil); err != nil {
		logger.Warn("unprivileged user recommended", "error", err)
	}
	build := func(c *domain.Config) (*app.Runtime, error) {
		opts := append([]app.Option{app.WithLogger(logger), app.WithGetenv(getenv)}, runtimeOptions...)
		return newRuntime(ctx, c, opts...)
	}
	rt, err := build(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := gateway.NewServer(&cfg.Gateway, rt, gateway.WithLogger(logger))
	if err != nil {
		return err
	}
	gatewayServerForTest = srv

	// Reloaded runtimes serve new conversations; earlier ones stay open until exit.
	var reloaded []*app.Runtime
	defer func() {
		for _, r := range reloaded {
			r.Close()
		}
	}()
	reloads := make(chan *app.Runtime, 1)
	done := make(chan struct{})
	if _, statErr := os.Stat(path); statErr == nil {
		w := config.NewWatcher(path, logger)
		err := w.Start(func(next *domain.Config) {
			applyServeFlags(next, workspace, -1)
			nrt, err := build(next)
			if err != nil {
				logger.Warn("config reload rejected", "path", path, "error", err)
				return
			}
			select {
			case reloads <- nrt:
			case <-done:
				nrt.Close()
			}
		})
		if err != nil {
			logger.Warn("config watch unavailable", "path", path, "error", err)
		} else {
			defer w.Stop()
		}
	}
	defer close(done)

	shutdown := make(chan struct{})
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(shutdown) }()

	out := cmd.OutOrStdout()
	if err := waitForBind(srv, out); err != nil {
		close(shutdown)
		<-runErr
		return err
	}

	testStop := serveShutdownCh
	for {
		select {
		case nrt := <-reloads:
			srv.SetRuntime(nrt)
			reloaded = append(reloaded, nrt)
			logger.Info("config reloaded", "path", path)
		case err := <-runErr:
			return err
		case <-ctx.Done():
			close(shutdown)
			return <-runErr
		case <-testStop:
			close(shutdown)
			return <-runErr
		}
	}
}

// applyServeFlags applies command-line overrides; port < 0 keeps the config value.
func applyServeFlags(cfg *domain.Config, workspace string, port int) {
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if port >= 0 {
		cfg.Gateway.Port = port
	}
}

// waitForBind waits until srv has bound so "ready." means clients can connect.
func waitForBind(srv *gateway.Server, out io.Writer) error {
	for i := 0; i < serveBindWaitIterations; i++ {
		if a := srv.Addr(); a != "" {
			fmt.Fprintf(out, "  listen %s\n  ready.\n", a)
			return nil
		}
		if err := srv.ListenErr(); err != nil {
			return fmt.Errorf("gateway failed to bind: %w", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := srv.ListenErr(); err != nil {
		return fmt.Errorf("gateway failed to bind: %w", err)
	}
	return errors.New("gateway failed to bind (check port or permissions)")
}
