// Package marks turns guest-emitted timing marks into a phase-level startup
// latency breakdown.
//
// The guest writes lines of the form MARK:<TAG>:<uptime-seconds> to its serial
// console. Parsing never fails: malformed lines are counted and skipped, and a
// log without the expected marks yields a report flagged as insufficient.
package marks

import (
	"bufio"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/LaynePeng/CHSnapstart/internal/failure"
)

// Tag identifies a guest timing mark.
type Tag string

// Known tags, in the order the guest emits them on the boot path.
const (
	KernelDone  Tag = "KERNEL_DONE"
	NetDone     Tag = "NET_DONE"
	PythonReady Tag = "PYTHON_READY"
)

// Prefix starts every mark line.
const Prefix = "MARK:"

var (
	// BootOrder is the mark sequence of a full boot.
	BootOrder = []Tag{KernelDone, NetDone, PythonReady}

	// RestoreOrder is the mark sequence of a snapshot restore, which skips
	// the early boot phases.
	RestoreOrder = []Tag{PythonReady}
)

var markRE = regexp.MustCompile(`MARK:([A-Z_]+):\s*(\S+)`)

// phaseNames labels the phase that ends at each tag.
var phaseNames = map[Tag]string{
	KernelDone:  "kernel",
	NetDone:     "network",
	PythonReady: "agent-load",
}

// Phase is the guest time spent between two consecutive marks.
type Phase struct {
	Name     string        `json:"name"`
	End      Tag           `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Report is the decomposition of one startup.
type Report struct {
	// Marks holds the first occurrence of every known tag, as guest uptime.
	Marks map[Tag]time.Duration `json:"marks"`

	// Phases is empty when the report is insufficient.
	Phases []Phase `json:"phases,omitempty"`

	// GuestReady is the last known mark of the expected order.
	GuestReady time.Duration `json:"guest_ready"`

	// HostTotal is the host-observed wall time, zero when unknown.
	HostTotal time.Duration `json:"host_total"`

	// HostOverhead is HostTotal minus GuestReady. Only meaningful when
	// HasOverhead is set.
	HostOverhead time.Duration `json:"host_overhead"`
	HasOverhead  bool          `json:"has_overhead"`

	// NotApplicable is set when a log expected to carry no marks had none.
	// Such a report is neither insufficient nor degraded.
	NotApplicable bool `json:"not_applicable,omitempty"`

	Insufficient bool     `json:"insufficient"`
	Missing      []Tag    `json:"missing,omitempty"`
	Malformed    int      `json:"malformed"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Degraded returns a LogParseDegraded error describing why the report is
// incomplete, or nil when every expected mark parsed cleanly.
func (r Report) Degraded() error {
	switch {
	case r.NotApplicable && len(r.Warnings) == 0:
		return nil
	case r.Insufficient:
		missing := make([]string, len(r.Missing))
		for i, t := range r.Missing {
			missing[i] = string(t)
		}
		return failure.Newf(failure.ErrLogParseDegraded, "decompose", "insufficient marks, missing %s", strings.Join(missing, ","))
	case r.Malformed > 0:
		return failure.Newf(failure.ErrLogParseDegraded, "decompose", "%d malformed mark lines", r.Malformed)
	case len(r.Warnings) > 0:
		return failure.Newf(failure.ErrLogParseDegraded, "decompose", "%s", strings.Join(r.Warnings, "; "))
	}
	return nil
}

// Decomposer computes phase reports for a fixed mark order.
type Decomposer struct {
	Order []Tag

	// AllowEmpty reports a log without any mark as NotApplicable instead of
	// insufficient. A restored guest resumes after its agent already printed
	// PYTHON_READY, so the fresh serial log of a restore is normally empty.
	AllowEmpty bool
}

// Decompose runs the boot-order decomposer over lines.
func Decompose(lines []string, hostTotal time.Duration) Report {
	return Decomposer{Order: BootOrder}.Decompose(lines, hostTotal)
}

// Decompose extracts marks from lines and computes the phase breakdown.
func (d Decomposer) Decompose(lines []string, hostTotal time.Duration) Report {
	r := newReport(hostTotal)
	for _, line := range lines {
		r.observe(line)
	}
	d.finish(&r)
	return r
}

// DecomposeReader is Decompose over a serial log stream. A read error ends
// the scan and is reported as a warning.
func (d Decomposer) DecomposeReader(rd io.Reader, hostTotal time.Duration) Report {
	r := newReport(hostTotal)
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.observe(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		r.Warnings = append(r.Warnings, "serial log read: "+err.Error())
	}
	d.finish(&r)
	return r
}

func newReport(hostTotal time.Duration) Report {
	return Report{
		Marks:     make(map[Tag]time.Duration),
		HostTotal: hostTotal,
	}
}

func (r *Report) observe(line string) {
	if !strings.Contains(line, Prefix) {
		return
	}
	m := markRE.FindStringSubmatch(line)
	if m == nil {
		r.Malformed++
		return
	}
	tag := Tag(m[1])
	if _, known := phaseNames[tag]; !known {
		return
	}
	uptime, ok := parseUptime(m[2])
	if !ok {
		r.Malformed++
		return
	}
	// Keep the first occurrence; a re-emitted mark after restore must not
	// overwrite the boot value.
	if _, seen := r.Marks[tag]; !seen {
		r.Marks[tag] = uptime
	}
}

func parseUptime(s string) (time.Duration, bool) {
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(sec) || math.IsInf(sec, 0) || sec < 0 {
		return 0, false
	}
	return time.Duration(math.Round(sec * float64(time.Second))), true
}

func (d Decomposer) finish(r *Report) {
	order := d.Order
	if len(order) == 0 {
		order = BootOrder
	}

	if d.AllowEmpty && len(r.Marks) == 0 && r.Malformed == 0 {
		r.NotApplicable = true
		return
	}

	for _, tag := range order {
		if _, ok := r.Marks[tag]; !ok {
			r.Missing = append(r.Missing, tag)
		}
	}
	r.Insufficient = len(r.Missing) > 0

	// Last known mark along the expected order.
	var lastKnown bool
	for i := len(order) - 1; i >= 0; i-- {
		if v, ok := r.Marks[order[i]]; ok {
			r.GuestReady = v
			lastKnown = true
			break
		}
	}
	if lastKnown && r.HostTotal > 0 {
		r.HostOverhead = r.HostTotal - r.GuestReady
		r.HasOverhead = true
		if r.HostOverhead < 0 {
			r.Warnings = append(r.Warnings, "guest uptime exceeds host-observed total")
		}
	}

	if r.Insufficient {
		return
	}

	var prev time.Duration
	for _, tag := range order {
		cur := r.Marks[tag]
		delta := cur - prev
		if delta < 0 {
			r.Warnings = append(r.Warnings, string(tag)+" precedes the previous mark")
			delta = 0
		}
		r.Phases = append(r.Phases, Phase{Name: phaseNames[tag], End: tag, Duration: delta})
		prev = cur
	}
}
