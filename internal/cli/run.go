package cli

import (
	"context"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/LaynePeng/CHSnapstart/internal/history"
	"github.com/LaynePeng/CHSnapstart/internal/runner"
)

type runFunc func(*runner.Runner, context.Context) (*runner.Summary, error)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Negotiate a start strategy, then benchmark cold and warm startup",
		Long: `Stage a private copy of the kernel and guest image, try every configured
CPU strategy until one survives pause+snapshot, then run the cold and warm
benchmark passes with it. Falls back to cold boots when no strategy can be
snapshotted. Requires root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.execute(cmd, (*runner.Runner).Run)
		},
	}
}

func newNegotiateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "negotiate",
		Short: "Only negotiate the start strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.execute(cmd, (*runner.Runner).Negotiate)
		},
	}
}

func (o *options) execute(cmd *cobra.Command, fn runFunc) error {
	ctx := cmd.Context()

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	bins, err := runner.Preflight(ctx, cfg)
	if err != nil {
		log.G(ctx).WithError(err).Error("preflight failed")
		return err
	}

	var hist *history.History
	if cfg.Paths.StateDB != "" {
		hist, err = history.Open(cfg.Paths.StateDB)
		if err != nil {
			log.G(ctx).WithError(err).Warn("run history unavailable, continuing without it")
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	r := runner.New(cfg, runner.HostDeps(cfg, bins), hist, cmd.OutOrStdout())
	if _, err := fn(r, ctx); err != nil {
		log.G(ctx).WithError(err).Error("run aborted")
		return err
	}
	return nil
}
