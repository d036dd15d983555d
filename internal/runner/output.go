package runner

import (
	"fmt"
	"io"

	"github.com/LaynePeng/CHSnapstart/internal/bench"
	"github.com/LaynePeng/CHSnapstart/internal/marks"
	"github.com/LaynePeng/CHSnapstart/internal/negotiate"
)

func writeDecision(w io.Writer, o negotiate.Outcome) {
	fmt.Fprintln(w, "=== Strategy Negotiation ===")
	for _, t := range o.Trials {
		line := fmt.Sprintf("  %-12s %-24s %-16s %s", t.Strategy.Name, t.Strategy.CPUs, t.Result, marks.FormatDuration(t.Elapsed))
		if t.Err != nil {
			line += "  (" + t.ErrText() + ")"
		}
		fmt.Fprintln(w, line)
	}
	switch o.Mode {
	case negotiate.ModeRestore:
		fmt.Fprintf(w, "  decision: RESTORE with %s (--cpus %s)\n", o.Strategy.Name, o.Strategy.CPUs)
	default:
		fmt.Fprintf(w, "  decision: BOOT with default --cpus %s (no strategy survived pause+snapshot)\n", o.Strategy.CPUs)
	}
}

func writeResult(w io.Writer, res bench.Result) {
	fmt.Fprintf(w, "\n=== Pass %s (%s, %s) ===\n", res.Pass, res.Mode, res.Strategy)
	fmt.Fprintf(w, "  %-20s %s (%d attempts)\n", "startup latency:", marks.FormatDuration(res.StartupLatency), res.Attempts)
	if res.RequestErr != "" {
		fmt.Fprintf(w, "  %-20s failed: %s\n", "request:", res.RequestErr)
	} else {
		fmt.Fprintf(w, "  %-20s %s (%s)\n", "request rtt:", marks.FormatDuration(res.RequestRTT), res.Agent.Status)
	}
	res.Report.Write(w)
}
