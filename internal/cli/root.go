// Package cli provides the chsnapstart command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

type options struct {
	configPath string
	debug      bool
	logFormat  string
}

// loadConfig reads --config when given, otherwise the environment or
// default location.
func (o *options) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFrom(o.configPath)
	}
	return config.Load()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "chsnapstart",
		Short: "Find the fastest way to start a cloud-hypervisor microVM and measure it",
		Long: `chsnapstart negotiates which CPU feature configuration of a guest survives
a pause+snapshot cycle, then benchmarks startup latency by restoring that
snapshot (or cold-booting when no configuration can be snapshotted) and
breaks the result down into guest phases using serial timing marks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", string(log.TextFormat), "log format: text or json")

	root.AddCommand(
		newRunCommand(opts),
		newNegotiateCommand(opts),
		newDecomposeCommand(),
		newHistoryCommand(opts),
		newVersionCommand(),
	)
	return root
}

func (o *options) setupLogging() error {
	if o.debug {
		if err := log.SetLevel("debug"); err != nil {
			return err
		}
	}
	switch log.OutputFormat(o.logFormat) {
	case log.TextFormat, log.JSONFormat:
		return log.SetFormat(log.OutputFormat(o.logFormat))
	default:
		return fmt.Errorf("unknown log format %q", o.logFormat)
	}
}

// Execute runs the root command with args. Canceling ctx aborts a run
// after cleanup.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
