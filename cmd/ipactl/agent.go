package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aivorynet/ipa-go/pkg/agent"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	ConfigFile  string
	MetricsAddr string
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a standalone agent connected to the front-end",
		Long: `Run an agent until interrupted. The agent registers with the front-end
named by IPA_BACKEND_URL (or backend_url in the config file), serves
breakpoint commands and journals every hit.

Settings come from IPA_* environment variables, overridden by --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runAgent(ctx context.Context, opts *AgentOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var configOpts []agent.ConfigOption
	if opts.Verbose {
		configOpts = append(configOpts, agent.WithDebug(true))
	}

	cfg := agent.NewConfig(configOpts...)
	if opts.ConfigFile != "" {
		var err error
		cfg, err = agent.LoadConfigFile(opts.ConfigFile, configOpts...)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel()}))

	a, err := agent.New(cfg, agent.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create agent", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)
	defer a.Stop()

	if opts.MetricsAddr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	srv := &http.Server{
		Addr:              opts.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "metrics server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
