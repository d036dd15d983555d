package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/LaynePeng/CHSnapstart/internal/history"
	"github.com/LaynePeng/CHSnapstart/internal/marks"
)

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		limit  int
		prune  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Paths.StateDB == "" {
				return errors.New("run history is disabled (paths.state_db is empty)")
			}

			hist, err := history.Open(cfg.Paths.StateDB)
			if err != nil {
				return err
			}
			defer hist.Close()

			ctx := cmd.Context()
			if prune >= 0 {
				removed, err := hist.Prune(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", removed)
			}

			records, err := hist.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			writeRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show, 0 for all")
	cmd.Flags().IntVar(&prune, "prune", -1, "delete all but the newest N runs first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func writeRecords(w io.Writer, records []history.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTRATEGY\tTRIALS\tPASSES\tERROR")
	for _, r := range records {
		passes := "-"
		for i, res := range r.Results {
			if i == 0 {
				passes = ""
			} else {
				passes += " "
			}
			passes += res.Pass + "=" + marks.FormatDuration(res.StartupLatency)
		}
		mode := string(r.Mode)
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, mode, r.Strategy.Name, len(r.Trials), passes, r.Error)
	}
	tw.Flush()
}
