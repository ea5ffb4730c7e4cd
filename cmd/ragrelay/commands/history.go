package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

// newHistoryCmd creates `ragrelay history`, listing recent answered
// interactions from the log.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent answered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(cmd, os.Stderr)
			if err != nil {
				return err
			}
			storage, err := relay.OpenStorage(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer storage.Close()

			sender, _ := cmd.Flags().GetString("sender")
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := storage.Log.Recent(cmd.Context(), sender, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No interactions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSENDER\tQUESTION\tREPLY")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.Sender, oneLine(e.Inbound, 40), oneLine(e.Reply, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("sender", "", "only show this sender")
	cmd.Flags().IntP("limit", "n", 20, "number of entries")
	return cmd
}

// oneLine flattens s and cuts it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
