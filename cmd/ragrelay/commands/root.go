// Package commands implements the ragrelay CLI using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ragrelay",
		Short: "WhatsApp to retrieval-augmented Gemini relay",
		Long: `ragrelay answers WhatsApp messages with a Gemini model grounded on
snippets from a search service, and keeps the WhatsApp session in a
durable store so restarts do not need a new QR pairing.

Examples:
  ragrelay setup
  ragrelay serve
  ragrelay chat
  ragrelay session export ./session.db`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSessionCmd(),
		newHistoryCmd(),
		newAuthCmd(),
		newSetupCmd(),
		newVersionCmd(version),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig reads the config named by --config (or the first one found)
// with environment and keyring overrides applied.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*relay.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := relay.Load(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section, with
// --verbose forcing debug.
func newLogger(cmd *cobra.Command, cfg relay.LoggingConfig, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// bootstrap loads config and builds the logger. Config loading logs through
// a stderr logger because the configured one does not exist yet.
func bootstrap(cmd *cobra.Command, out io.Writer) (*relay.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd, newLogger(cmd, relay.LoggingConfig{Level: "warn"}, os.Stderr))
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cmd, cfg.Logging, out), nil
}
