// Package runner drives one complete run: stage the workspace, negotiate a
// start strategy, benchmark it, then record the figures. Every path out of
// a run releases the workspace mount, the tap and all VM processes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/bench"
	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/history"
	"github.com/LaynePeng/CHSnapstart/internal/host/network"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm"
	"github.com/LaynePeng/CHSnapstart/internal/metrics"
	"github.com/LaynePeng/CHSnapstart/internal/negotiate"
	"github.com/LaynePeng/CHSnapstart/internal/workspace"
)

// Deps are the host collaborators of a run.
type Deps struct {
	Mounter  workspace.Mounter
	Fabric   network.Fabric
	Launcher vm.Launcher
	Prober   bench.Prober

	// LinkMetrics, if set, is exported with the run metrics.
	LinkMetrics *network.Metrics

	// HypervisorVersion is recorded in the run history.
	HypervisorVersion string
}

// Summary is the result of a run.
type Summary struct {
	Outcome negotiate.Outcome
	Results []bench.Result
	Record  *history.Record
}

// Runner executes runs against one configuration.
type Runner struct {
	cfg     *config.Config
	deps    Deps
	history *history.History
	metrics *metrics.Registry
	out     io.Writer
	now     func() time.Time
}

// New returns a runner. hist may be nil to skip recording. Human-readable
// output goes to out.
func New(cfg *config.Config, deps Deps, hist *history.History, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		history: hist,
		metrics: metrics.New(),
		out:     out,
		now:     time.Now,
	}
}

// Metrics returns the registry the run records into.
func (r *Runner) Metrics() *metrics.Registry {
	return r.metrics
}

// Run negotiates and benchmarks. A fatal error aborts the run after
// cleanup; the partial record is still stored.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	return r.run(ctx, true)
}

// Negotiate stages the workspace and negotiates without benchmarking.
func (r *Runner) Negotiate(ctx context.Context) (*Summary, error) {
	return r.run(ctx, false)
}

func (r *Runner) run(ctx context.Context, benchmark bool) (_ *Summary, retErr error) {
	sum := &Summary{Record: history.NewRecord(r.now())}
	sum.Record.RootFS = r.cfg.VM.RootFS
	sum.Record.Hypervisor = r.deps.HypervisorVersion

	defer func() {
		r.finish(ctx, sum, retErr)
	}()

	ws, err := workspace.Prepare(ctx, r.cfg, r.deps.Mounter)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err := ws.Close(context.WithoutCancel(ctx)); err != nil {
			log.G(ctx).WithError(err).Warn("failed to release workspace")
			if retErr == nil {
				retErr = err
			}
		}
	}()

	n, err := negotiate.New(r.cfg, r.deps.Fabric, r.deps.Launcher, r.deps.Prober, ws)
	if err != nil {
		return sum, err
	}
	n.OnTrial = r.metrics.ObserveTrial

	outcome, err := n.Negotiate(ctx)
	sum.Outcome = outcome
	sum.Record.SetOutcome(outcome)
	if err != nil {
		return sum, fmt.Errorf("negotiate: %w", err)
	}
	r.metrics.ObserveOutcome(outcome)
	writeDecision(r.out, outcome)

	if !benchmark {
		return sum, nil
	}

	driver, err := bench.NewDriver(r.cfg, r.deps.Fabric, r.deps.Launcher, r.deps.Prober)
	if err != nil {
		return sum, err
	}
	results, err := driver.RunPasses(ctx, bench.PlanFrom(outcome))
	sum.Results = results
	sum.Record.Results = results
	for _, res := range results {
		r.metrics.ObserveResult(res)
		writeResult(r.out, res)
	}
	if err != nil {
		return sum, err
	}
	return sum, nil
}

// finish stores the record and exports metrics. Both are best effort and
// never mask the run error.
func (r *Runner) finish(ctx context.Context, sum *Summary, runErr error) {
	ctx = context.WithoutCancel(ctx)
	finished := r.now()
	sum.Record.FinishedAt = finished.UTC()
	if runErr != nil {
		sum.Record.Error = runErr.Error()
	}

	if m := r.deps.LinkMetrics; m != nil {
		snap := m.Snapshot()
		r.metrics.ObserveLinkOps("setup", snap.SetupSuccesses, snap.SetupFailures)
		r.metrics.ObserveLinkOps("teardown", snap.TeardownSuccesses, snap.TeardownFailures)
	}
	r.metrics.MarkFinished(finished)

	var errs []error
	if path := r.cfg.Paths.MetricsFile; path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if r.history != nil {
		if err := r.history.Append(ctx, sum.Record); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.G(ctx).WithError(err).Warn("failed to record run")
	}
}
