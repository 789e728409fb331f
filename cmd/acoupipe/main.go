package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvandessel/acoupipe/internal/config"
	"github.com/nvandessel/acoupipe/internal/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "acoupipe",
		Short: "Reproducible synthetic microphone array datasets",
		Long: `acoupipe generates synthetic acoustic source localisation datasets.

Every sample is drawn from seeds derived from (split, index, sampler), so any
record can be regenerated exactly, whatever the number of workers.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./"+config.DefaultFile+" when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: error, warn, info, debug, trace")

	rootCmd.AddCommand(
		newVersionCmd(),
		newGenerateCmd(),
		newInspectCmd(),
		newConfigCmd(),
		newCacheCmd(),
	)
	return rootCmd
}

// loadConfig loads the configuration named by --config and applies
// --log-level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Level, os.Stderr)
}

// signalContext returns a context cancelled on the first interrupt. A
// second interrupt is left to the default handler.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	notifySignals(ch)
	go func() {
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "interrupted, finishing the current sample...")
			cancel()
			stopSignals(ch)
		case <-ctx.Done():
			stopSignals(ch)
		}
	}()
	return ctx, cancel
}
