package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/LaynePeng/CHSnapstart/internal/marks"
)

func newDecomposeCommand() *cobra.Command {
	var (
		hostTotal time.Duration
		restore   bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "decompose <serial.log>",
		Short: "Break a saved serial log down into guest startup phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open serial log: %w", err)
			}
			defer f.Close()

			d := marks.Decomposer{Order: marks.BootOrder}
			if restore {
				d.Order = marks.RestoreOrder
				d.AllowEmpty = true
			}
			report := d.DecomposeReader(f, hostTotal)
			if err := report.Degraded(); err != nil {
				log.G(cmd.Context()).WithError(err).Warn("phase breakdown degraded")
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			report.Write(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().DurationVar(&hostTotal, "host-total", 0, "host-observed startup time, enables the host overhead figure")
	cmd.Flags().BoolVar(&restore, "restore", false, "the log is from a snapshot restore (only PYTHON_READY expected)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
