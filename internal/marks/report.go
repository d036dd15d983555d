package marks

import (
	"fmt"
	"io"
	"time"
)

// Write prints the breakdown to w.
func (r Report) Write(w io.Writer) {
	fmt.Fprintln(w, "=== Guest Phase Breakdown ===")
	if r.NotApplicable {
		fmt.Fprintln(w, "  guest marks not applicable (restored guest resumes past its boot marks)")
	}
	if r.Insufficient {
		fmt.Fprintf(w, "  insufficient marks (missing %v); serial output may not have been flushed\n", r.Missing)
	}
	for _, p := range r.Phases {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", FormatDuration(p.Duration))
	}
	if len(r.Marks) > 0 {
		fmt.Fprintf(w, "  %-20s %s\n", "guest ready:", FormatDuration(r.GuestReady))
	}
	if r.HasOverhead {
		fmt.Fprintf(w, "  %-20s %s\n", "host overhead:", FormatDuration(r.HostOverhead))
	}
	if r.HostTotal > 0 {
		fmt.Fprintf(w, "  %-20s %s\n", "TOTAL (host):", FormatDuration(r.HostTotal))
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	fmt.Fprintln(w, "=============================")
}

// FormatDuration renders d in milliseconds with two decimals.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}
