// Kestrel - Collection channel assignment that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var cfg *domain.Config

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Collection channel assignment service",
	Long:  "Scores every payment channel for each outstanding account and assigns the one with the highest expected value.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := domain.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		// Logs go to stderr so `kestrel assign` can print its report on stdout
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Logging))
		return nil
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
	rootCmd.AddCommand(serveCmd, assignCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from the logging settings.
// Unknown levels fall back to info.
func newLogger(w io.Writer, lc domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(lc.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
