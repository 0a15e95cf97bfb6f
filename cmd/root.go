// Package cmd implements the cirno CLI using cobra.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/cirno/internal/config"
)

const version = "0.1.0"
const logo = "❄"

var (
	configPath string
	verbose    bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:           "cirno",
	Short:         logo + " cirno: debounced chat bot gateway",
	Long:          logo + " cirno batches bursts of chat messages into single turns and answers them through a guarded engine call",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.cirno/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(resolveCmd)
}

func cfgPath() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath()
}

// loadConfig reads the config file and installs the global logger at the
// configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	if verbose {
		lvl = slog.LevelDebug
	} else if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
