package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra"
	"github.com/aretw0/orchestra/internal/config"
	"github.com/aretw0/orchestra/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Orchestra runs workflow graphs on a single host",
	Long: `Orchestra schedules DAGs of tasks with bounded concurrency, pooled resources,
deduplicated artifacts and out-of-process executors.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Path to orchestra.yaml")
	pf.String("workflows", "", "Directory of workflow definitions (overrides engine.workflows)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (overrides log_level)")
	pf.Bool("log-json", false, "Write logs as JSON")
}

// setup loads the configuration and builds the logger shared by every command.
// Logs always go to stderr so stdout stays clean for reports and protocols.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}

	if dir, _ := cmd.Flags().GetString("workflows"); dir != "" {
		cfg.Engine.Workflows = dir
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logging.NewWithWriter(os.Stderr, level, cfg.LogJSON), nil
}

// build wires an Orchestra from the command's flags.
func build(cmd *cobra.Command) (*orchestra.Orchestra, config.Config, *slog.Logger, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, cfg, nil, err
	}
	o, err := orchestra.New(cfg, orchestra.WithLogger(logger))
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("failed to initialize orchestra: %w", err)
	}
	return o, cfg, logger, nil
}
