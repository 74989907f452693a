package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nhalm/quotagate/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Quotagate - rate limiting, authentication, and plan quotas for APIs",
	Long: `Quotagate admits or rejects API requests in three stages:

  - a process-wide token bucket (429 limit_exceeded)
  - bearer token or API key authentication (401)
  - per-subscriber daily and monthly plan quotas (429 quota_exceeded)

Counters live in Redis so every instance shares the same quota state.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and QUOTAGATE_* env when empty)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
