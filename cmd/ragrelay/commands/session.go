package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/channels/whatsapp"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
	"github.com/jholhewres/ragrelay/pkg/ragrelay/session"
)

// newSessionCmd creates `ragrelay session`, which operates on the stored
// WhatsApp session without connecting.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and move the stored WhatsApp session",
		Long: `Operate on the session store configured under session.store.

Examples:
  ragrelay session status
  ragrelay session export ./whatsapp-backup.db
  ragrelay session import ./whatsapp-backup.db
  ragrelay session import            # from the local device store
  ragrelay session remove`,
	}
	cmd.PersistentFlags().String("client-id", "", "session key (default: session.client_id)")

	cmd.AddCommand(
		newSessionStatusCmd(),
		newSessionExportCmd(),
		newSessionImportCmd(),
		newSessionRemoveCmd(),
	)
	return cmd
}

// withSessionStore opens storage for the duration of fn.
func withSessionStore(cmd *cobra.Command, fn func(cfg *relay.Config, store *session.BlobStore, clientID string) error) error {
	cfg, logger, err := bootstrap(cmd, os.Stderr)
	if err != nil {
		return err
	}
	storage, err := relay.OpenStorage(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	clientID, _ := cmd.Flags().GetString("client-id")
	if clientID == "" {
		clientID = cfg.Session.ClientID
	}
	return fn(cfg, storage.Sessions, clientID)
}

func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored and local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessionStore(cmd, func(cfg *relay.Config, store *session.BlobStore, clientID string) error {
				status := map[string]any{
					"client_id":     clientID,
					"store":         cfg.Session.Store.Backend,
					"local_path":    cfg.WhatsApp.LocalDBPath,
					"local_present": whatsapp.LocalSessionExists(cfg.WhatsApp.LocalDBPath),
					"stored":        false,
				}
				if sess, ok := store.Load(cmd.Context(), clientID); ok {
					status["stored"] = true
					status["captured_at"] = sess.CapturedAt.Format(time.RFC3339)
					status["bytes"] = len(sess.Payload)
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			})
		},
	}
}

func newSessionExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the stored session to a SQLite file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionStore(cmd, func(_ *relay.Config, store *session.BlobStore, clientID string) error {
				sess, ok := store.Load(cmd.Context(), clientID)
				if !ok {
					return fmt.Errorf("no stored session for %q", clientID)
				}
				if err := os.WriteFile(args[0], sess.Payload, 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported session %q captured %s (%d bytes) to %s\n",
					clientID, sess.CapturedAt.Format(time.RFC3339), len(sess.Payload), args[0])
				return nil
			})
		},
	}
}

func newSessionImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Store a session from a SQLite file or the local device store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionStore(cmd, func(cfg *relay.Config, store *session.BlobStore, clientID string) error {
				src := cfg.WhatsApp.LocalDBPath
				if len(args) > 0 {
					src = args[0]
				}
				if !whatsapp.LocalSessionExists(src) {
					return fmt.Errorf("no session database at %s", src)
				}

				// Snapshot instead of reading the file so a live WAL is folded in.
				payload, err := whatsapp.SnapshotDB(cmd.Context(), src)
				if err != nil {
					return err
				}
				if err := store.Save(cmd.Context(), clientID, &session.Session{Payload: payload}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored session %q from %s (%d bytes)\n", clientID, src, len(payload))
				return nil
			})
		},
	}
}

func newSessionRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Delete the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessionStore(cmd, func(_ *relay.Config, store *session.BlobStore, clientID string) error {
				if err := store.Remove(cmd.Context(), clientID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed stored session %q. The next start needs a QR pairing unless a local session exists.\n", clientID)
				return nil
			})
		},
	}
}
