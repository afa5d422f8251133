// Package main is the entrypoint for the Faultline server and its maintenance commands.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "faultline",
	Short: "Root-cause analysis for CI test failures",
	Long: `Faultline ingests CI test failures, classifies them, gathers evidence from
retrieval, source and log tools, and returns verified root-cause analyses.
Low-confidence answers go to a human review queue.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the JSON logger as the default.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(os.Stdout, cfg.Server.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
