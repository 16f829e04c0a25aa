package cmd

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/agentic-research/zlibmeta/internal/control"
	"github.com/agentic-research/zlibmeta/internal/query"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show import checkpoints for the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(outputFormats, output) {
				return fmt.Errorf("unknown output %q (want %s)", output, strings.Join(outputFormats, " or "))
			}
			store, err := query.Open(a.cfg.DB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cps, err := store.Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output == "yaml" {
				return query.WriteYAML(out, cps)
			}
			if len(cps) == 0 {
				_, err := fmt.Fprintln(out, "no import recorded")
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tCHECKPOINT\tINSERTED\tCONFLICTS\tMALFORMED\tUPDATED")
			for _, c := range cps {
				updated := "-"
				if !c.LastUpdated.IsZero() {
					updated = humanize.Time(c.LastUpdated)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.Table,
					humanize.Comma(c.RecordsImported), humanize.Comma(c.Tally.RowsInserted),
					humanize.Comma(c.Tally.ConflictsSkipped), humanize.Comma(c.Tally.DecodeErrors), updated)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if pid := control.Holder(a.cfg.DB); pid > 0 {
				_, err = fmt.Fprintf(out, "import in progress (pid %d)\n", pid)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: "+strings.Join(outputFormats, " or "))
	return cmd
}
