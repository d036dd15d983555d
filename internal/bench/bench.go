// Package bench measures end-to-end VM startup latency for the negotiated
// start mode.
package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/host/network"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm"
	"github.com/LaynePeng/CHSnapstart/internal/marks"
	"github.com/LaynePeng/CHSnapstart/internal/negotiate"
	"github.com/LaynePeng/CHSnapstart/internal/probe"
)

// Prober detects readiness and sends the correctness request.
type Prober interface {
	Poll(ctx context.Context, target probe.Target, budget probe.Budget) probe.Result
	Request(ctx context.Context, target probe.Target) (probe.AgentStatus, time.Duration, error)
}

// Plan is what every pass starts: the negotiated mode and its launch spec.
type Plan struct {
	Mode   negotiate.Mode
	Launch vm.LaunchSpec
}

// PlanFrom returns the plan for a negotiation outcome.
func PlanFrom(o negotiate.Outcome) Plan {
	return Plan{Mode: o.Mode, Launch: o.Launch()}
}

// Result is one measured pass.
type Result struct {
	Pass     string         `json:"pass"`
	Mode     negotiate.Mode `json:"mode"`
	Strategy string         `json:"strategy"`

	// StartupLatency is the host wall time from just before launch to the
	// first successful connection to the agent.
	StartupLatency time.Duration `json:"startup_latency"`
	Attempts       int           `json:"attempts"`

	// RequestRTT is the round trip of the single correctness request. It is
	// zero when the request failed.
	RequestRTT time.Duration     `json:"request_rtt"`
	Agent      probe.AgentStatus `json:"agent"`
	RequestErr string            `json:"request_error,omitempty"`

	Report marks.Report `json:"report"`
}

// Driver runs benchmark passes. Each pass provisions a fresh endpoint and
// VM and tears both down before returning.
type Driver struct {
	fabric   network.Fabric
	launcher vm.Launcher
	prober   Prober
	endpoint network.Endpoint
	target   probe.Target
	budget   probe.Budget
	passes   []string
}

// NewDriver builds a driver from a validated configuration.
func NewDriver(cfg *config.Config, fabric network.Fabric, launcher vm.Launcher, prober Prober) (*Driver, error) {
	ep, err := network.EndpointFrom(cfg.Network)
	if err != nil {
		return nil, err
	}
	passes := make([]string, len(cfg.Benchmark.Passes))
	copy(passes, cfg.Benchmark.Passes)

	return &Driver{
		fabric:   fabric,
		launcher: launcher,
		prober:   prober,
		endpoint: ep,
		target:   probe.Target{Host: cfg.Network.GuestIP, Port: cfg.Network.AgentPort},
		budget:   probe.BudgetFrom(cfg.Benchmark.Probe),
		passes:   passes,
	}, nil
}

// RunPasses runs every configured pass in order with the same plan. The
// first error aborts the remaining passes.
func (d *Driver) RunPasses(ctx context.Context, plan Plan) ([]Result, error) {
	results := make([]Result, 0, len(d.passes))
	for _, pass := range d.passes {
		res, err := d.Run(ctx, pass, plan)
		if err != nil {
			return results, fmt.Errorf("benchmark pass %s: %w", pass, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Run measures one pass. An agent that never becomes ready is fatal: the
// plan was already validated, so it indicates an environment regression.
func (d *Driver) Run(ctx context.Context, pass string, plan Plan) (_ Result, retErr error) {
	logger := log.G(ctx).WithFields(log.Fields{
		"pass":     pass,
		"mode":     plan.Mode,
		"strategy": plan.Launch.Name,
	})
	res := Result{Pass: pass, Mode: plan.Mode, Strategy: plan.Launch.Name}

	var inst vm.Instance
	linkUp := false
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		var errs []error
		if inst != nil {
			if err := inst.Stop(cleanupCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if linkUp {
			if err := d.fabric.Destroy(cleanupCtx, d.endpoint.Name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			logger.WithError(err).Warn("benchmark teardown incomplete")
			if retErr == nil {
				retErr = err
			}
		}
	}()

	linkUp = true
	if err := d.fabric.Create(ctx, d.endpoint); err != nil {
		return res, fmt.Errorf("create link %s: %w", d.endpoint.Name, err)
	}

	logger.Info("starting benchmark pass")
	var err error
	inst, err = d.launcher.Launch(ctx, plan.Launch)
	if err != nil {
		return res, err
	}
	launchedAt := inst.LaunchedAt()

	poll := d.prober.Poll(ctx, d.target, d.budget)
	if !poll.Ready {
		inst.LogDebugInfo(ctx)
		if poll.Err != nil {
			return res, poll.Err
		}
		return res, failure.MarkFatal(failure.Newf(failure.ErrAgentTimeout, "benchmark "+pass,
			"%s not ready after %d attempts", d.target.Addr(), poll.Attempts))
	}
	res.StartupLatency = poll.ReadyAt.Sub(launchedAt)
	res.Attempts = poll.Attempts

	status, rtt, err := d.prober.Request(ctx, d.target)
	if err != nil {
		logger.WithError(err).Warn("agent request failed")
		res.RequestErr = err.Error()
	} else {
		res.Agent = status
		res.RequestRTT = rtt
	}

	res.Report = decomposeSerial(inst.SerialLog(), res.StartupLatency, plan.Mode)
	if err := res.Report.Degraded(); err != nil {
		logger.WithError(err).Warn("phase breakdown degraded")
	}

	logger.WithFields(log.Fields{
		"startup": res.StartupLatency,
		"rtt":     res.RequestRTT,
	}).Info("benchmark pass finished")
	return res, nil
}

// decomposeSerial parses the serial log of a pass. A restore skips the
// early boot marks, and its log usually holds no mark at all.
func decomposeSerial(path string, hostTotal time.Duration, mode negotiate.Mode) marks.Report {
	d := marks.Decomposer{Order: marks.BootOrder}
	if mode == negotiate.ModeRestore {
		d.Order = marks.RestoreOrder
		d.AllowEmpty = true
	}

	f, err := os.Open(path)
	if err != nil {
		r := d.Decompose(nil, hostTotal)
		r.Warnings = append(r.Warnings, "serial log: "+err.Error())
		return r
	}
	defer f.Close()
	return d.DecomposeReader(f, hostTotal)
}
