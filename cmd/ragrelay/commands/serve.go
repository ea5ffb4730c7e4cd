package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

// newServeCmd creates the `ragrelay serve` command that runs the relay.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Restore the stored WhatsApp session (if any), connect, and answer
incoming messages. The QR code for pairing is shown on the status page
and printed to the log.

Examples:
  ragrelay serve
  ragrelay serve --config ./config.yaml
  PORT=8080 ragrelay serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "override the status gateway listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, logger, err := bootstrap(cmd, os.Stdout)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Gateway.Address = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Build ──
	app, err := relay.New(ctx, cfg, logger)
	if errors.Is(err, relay.ErrMissingConfig) {
		return fmt.Errorf("%w\n\nRun 'ragrelay setup' or set GEMINI_API_KEY and RETRIEVAL_URL", err)
	}
	if err != nil {
		return err
	}

	// ── Run until signalled ──
	logger.Info("ragrelay starting. Press Ctrl+C to stop.",
		"gateway", cfg.Gateway.Address,
		"model", cfg.Generation.Model,
		"retrieval", cfg.Retrieval.BaseURL,
	)
	return app.Run(ctx)
}
