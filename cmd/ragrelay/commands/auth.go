package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

// newAuthCmd creates `ragrelay auth` for the generation credential kept in
// the OS keyring.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Gemini API key in the OS keyring",
		Long: `Store the Gemini API key in the OS keyring so it never appears in
config.yaml. A key in the config file or GEMINI_API_KEY takes precedence.

Examples:
  ragrelay auth set-key
  echo "$KEY" | ragrelay auth set-key
  ragrelay auth delete-key`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set-key",
			Short: "Store the API key (read from the terminal or stdin)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				key, err := readSecret("Gemini API key: ")
				if err != nil {
					return err
				}
				if key == "" {
					return errors.New("empty key, nothing stored")
				}
				if err := relay.StoreAPIKey(key); err != nil {
					return fmt.Errorf("storing key in keyring: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete-key",
			Short: "Remove the API key from the keyring",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := relay.DeleteAPIKey(); err != nil {
					return fmt.Errorf("deleting key from keyring: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
				return nil
			},
		},
	)
	return cmd
}

// readSecret reads a line without echo when stdin is a terminal, and a
// plain line otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}
