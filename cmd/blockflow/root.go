package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/blockflow/config"
)

var (
	configPath string
	logLevel   string

	cfg    = config.Default()
	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "blockflow",
	Short: "Analyze notebook blocks into a dependency DAG and run it",
	Long: `blockflow infers the variables each notebook block reads and writes,
orders the blocks into a dependency DAG and executes them in order against
one persistent session.

Blocks are read from a directory (one .py file per block, ordered by file
name) or from a single file split into cells by "# %%" marker lines.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.AddCommand(analyzeCmd, runCmd, pruneCmd)
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger = cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return nil
}
