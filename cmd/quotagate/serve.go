package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveFlags struct {
	listenAddress string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission server",
	Long: `Start the admission server with the specified configuration.

Requests under /v1 pass the global rate limit, credential extraction, and the
subscriber's plan quota. Plans are reloaded on the configured schedule and,
with plans.watch enabled, whenever the plan file changes.

Examples:
  # Start with defaults and QUOTAGATE_* environment
  quotagate serve

  # Start with a config file
  quotagate serve --config /etc/quotagate/quotagate.yaml

  # Validate config without starting the server
  quotagate serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	if serveFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
		return nil
	}

	counters, err := openCounterStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open counter store: %w", err)
	}
	keys, err := openKeyStore(cfg)
	if err != nil {
		counters.Close()
		return fmt.Errorf("failed to open key store: %w", err)
	}

	a, err := newApp(cfg, logger, newRegistry(), counters, keys)
	if err != nil {
		counters.Close()
		keys.Close()
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.run(ctx)
}
