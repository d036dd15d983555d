// Package metrics records negotiation and startup-latency figures as
// prometheus collectors and exports them as a node-exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LaynePeng/CHSnapstart/internal/bench"
	"github.com/LaynePeng/CHSnapstart/internal/negotiate"
)

const namespace = "chsnapstart"

// Registry holds the run's collectors on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	trials        *prometheus.CounterVec
	trialDuration *prometheus.HistogramVec
	mode          *prometheus.GaugeVec

	startupLatency *prometheus.GaugeVec
	requestRTT     *prometheus.GaugeVec
	phaseDuration  *prometheus.GaugeVec
	hostOverhead   *prometheus.GaugeVec
	degraded       *prometheus.GaugeVec

	linkOps     *prometheus.GaugeVec
	lastRunTime prometheus.Gauge
}

// New returns a registry with every collector registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_trials_total",
			Help:      "Negotiation trials by strategy and result",
		}, []string{"strategy", "result"}),
		trialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_trial_duration_seconds",
			Help:      "Duration of negotiation trials including teardown",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"strategy"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "negotiated_mode",
			Help:      "Set to 1 for the negotiated start mode and strategy",
		}, []string{"mode", "strategy"}),
		startupLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "startup_latency_seconds",
			Help:      "Host wall time from launch to first agent connection",
		}, []string{"pass", "mode"}),
		requestRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_request_rtt_seconds",
			Help:      "Round trip of the first request to the guest agent",
		}, []string{"pass", "mode"}),
		phaseDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_phase_duration_seconds",
			Help:      "Guest time spent in each startup phase",
		}, []string{"pass", "phase"}),
		hostOverhead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_overhead_seconds",
			Help:      "Host-observed startup time not accounted for by guest marks",
		}, []string{"pass"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_report_degraded",
			Help:      "Set to 1 when the phase breakdown of a pass is incomplete",
		}, []string{"pass"}),
		linkOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_operations",
			Help:      "Tap link operations performed during the run",
		}, []string{"op", "result"}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the run finished",
		}),
	}

	r.reg.MustRegister(
		r.trials,
		r.trialDuration,
		r.mode,
		r.startupLatency,
		r.requestRTT,
		r.phaseDuration,
		r.hostOverhead,
		r.degraded,
		r.linkOps,
		r.lastRunTime,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveTrial records a finished negotiation trial.
func (r *Registry) ObserveTrial(t negotiate.Trial) {
	r.trials.WithLabelValues(t.Strategy.Name, string(t.Result)).Inc()
	r.trialDuration.WithLabelValues(t.Strategy.Name).Observe(t.Elapsed.Seconds())
}

// ObserveOutcome records the negotiation decision.
func (r *Registry) ObserveOutcome(o negotiate.Outcome) {
	r.mode.Reset()
	r.mode.WithLabelValues(string(o.Mode), o.Strategy.Name).Set(1)
}

// ObserveResult records one benchmark pass.
func (r *Registry) ObserveResult(res bench.Result) {
	mode := string(res.Mode)
	r.startupLatency.WithLabelValues(res.Pass, mode).Set(res.StartupLatency.Seconds())
	if res.RequestErr == "" {
		r.requestRTT.WithLabelValues(res.Pass, mode).Set(res.RequestRTT.Seconds())
	}
	for _, p := range res.Report.Phases {
		r.phaseDuration.WithLabelValues(res.Pass, p.Name).Set(p.Duration.Seconds())
	}
	if res.Report.HasOverhead {
		r.hostOverhead.WithLabelValues(res.Pass).Set(res.Report.HostOverhead.Seconds())
	}
	degraded := 0.0
	if res.Report.Degraded() != nil {
		degraded = 1
	}
	r.degraded.WithLabelValues(res.Pass).Set(degraded)
}

// ObserveLinkOps records link operation counts for op ("setup", "teardown").
func (r *Registry) ObserveLinkOps(op string, successes, failures int64) {
	r.linkOps.WithLabelValues(op, "success").Set(float64(successes))
	r.linkOps.WithLabelValues(op, "failure").Set(float64(failures))
}

// MarkFinished stamps the run completion time.
func (r *Registry) MarkFinished(at time.Time) {
	r.lastRunTime.Set(float64(at.Unix()))
}

// WriteTextfile writes every collector to path in the text exposition
// format. The file is replaced atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
