package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/pipeline"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

// newChatCmd creates the `ragrelay chat` command, which runs the message
// pipeline against terminal input instead of WhatsApp.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask the relay from the terminal",
		Long: `Run the same retrieval and generation pipeline used for WhatsApp,
printing replies to the terminal. With an argument, answers once and exits;
without one, starts an interactive console.

Examples:
  ragrelay chat "What are the opening hours?"
  ragrelay chat
  ragrelay chat --record --as 5511999998888`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().Bool("record", false, "write answered questions to the interaction log")
	cmd.Flags().String("as", "console", "sender identifier used for the interaction log")
	return cmd
}

// consoleReplier prints replies instead of sending them.
type consoleReplier struct {
	out io.Writer
}

func (c consoleReplier) Reply(_ context.Context, _ *channels.IncomingMessage, text string) error {
	_, err := fmt.Fprintf(c.out, "\n%s\n\n", text)
	return err
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd, os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var rec pipeline.Recorder
	if record, _ := cmd.Flags().GetBool("record"); record {
		storage, err := relay.OpenStorage(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()
		rec = storage.Log
	}

	p, err := relay.NewPipeline(cfg, consoleReplier{out: cmd.OutOrStdout()}, rec, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	sender, _ := cmd.Flags().GetString("as")
	c := &console{pipeline: p, sender: sender}

	if len(args) > 0 {
		return c.ask(ctx, args[0])
	}
	return c.repl(ctx)
}

// console feeds terminal lines into the pipeline one at a time.
type console struct {
	pipeline *pipeline.Pipeline
	sender   string
	seq      int
}

func (c *console) ask(ctx context.Context, text string) error {
	c.seq++
	res := c.pipeline.Handle(ctx, &channels.IncomingMessage{
		ID:      "console-" + strconv.Itoa(c.seq),
		Channel: "console",
		From:    c.sender,
		ChatID:  c.sender,
		Content: text,
	})
	if res.Outcome == pipeline.OutcomeFallback {
		return fmt.Errorf("generation failed: %w", res.Err)
	}
	return nil
}

func (c *console) repl(ctx context.Context) error {
	cfg := &readline.Config{
		Prompt:          "ragrelay> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.HistoryFile = filepath.Join(home, ".ragrelay", "chat_history")
		_ = os.MkdirAll(filepath.Dir(cfg.HistoryFile), 0o700)
	}

	rl, err := readline.NewEx(cfg)
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "Type a question, or /quit to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		// A failed answer is already shown as the error reply; keep going.
		_ = c.ask(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}
