// Package negotiate finds the most featureful CPU configuration whose VM
// survives a pause+snapshot cycle, falling back to cold boots when none does.
//
// Strategies are tried strictly in declared order. Every trial brings up a
// fresh link and VM, and tears both down on every exit path before the next
// trial reuses the same names.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/host/network"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm"
	"github.com/LaynePeng/CHSnapstart/internal/probe"
)

// Mode is how the benchmark starts its VMs.
type Mode string

const (
	// ModeRestore restores from the winning strategy's snapshot.
	ModeRestore Mode = "RESTORE"
	// ModeBoot cold-boots with the default feature parameter.
	ModeBoot Mode = "BOOT"
)

// DefaultStrategyName labels the fallback boot configuration.
const DefaultStrategyName = "Default"

// Prober detects guest agent readiness.
type Prober interface {
	Poll(ctx context.Context, target probe.Target, budget probe.Budget) probe.Result
}

// Snapshots hands out empty per-strategy snapshot directories.
type Snapshots interface {
	ResetSnapshotDir(strategy string) (string, error)
}

// Outcome is the negotiation decision.
type Outcome struct {
	Mode     Mode
	Strategy config.Strategy
	// Snapshot is the retained snapshot directory in RESTORE mode.
	Snapshot string
	Trials   []Trial
}

// Launch returns the launch spec the benchmark uses for this outcome.
func (o Outcome) Launch() vm.LaunchSpec {
	spec := vm.LaunchSpec{Name: o.Strategy.Name, CPUs: o.Strategy.CPUs}
	if o.Mode == ModeRestore {
		spec.RestoreFrom = o.Snapshot
	}
	return spec
}

// Negotiator runs the strategy search.
type Negotiator struct {
	strategies    []config.Strategy
	fallback      config.Strategy
	endpoint      network.Endpoint
	target        probe.Target
	budget        probe.Budget
	verifyRestore bool
	cooldown      time.Duration

	fabric    network.Fabric
	launcher  vm.Launcher
	prober    Prober
	snapshots Snapshots

	// OnTrial, if set, is called after every finished trial.
	OnTrial func(Trial)
}

// New builds a negotiator from a validated configuration.
func New(cfg *config.Config, fabric network.Fabric, launcher vm.Launcher, prober Prober, snapshots Snapshots) (*Negotiator, error) {
	ep, err := network.EndpointFrom(cfg.Network)
	if err != nil {
		return nil, err
	}
	strategies := make([]config.Strategy, len(cfg.Strategies))
	copy(strategies, cfg.Strategies)

	return &Negotiator{
		strategies:    strategies,
		fallback:      config.Strategy{Name: DefaultStrategyName, CPUs: cfg.VM.DefaultCPUs},
		endpoint:      ep,
		target:        probe.Target{Host: cfg.Network.GuestIP, Port: cfg.Network.AgentPort},
		budget:        probe.BudgetFrom(cfg.Negotiation.Probe),
		verifyRestore: cfg.Negotiation.VerifyRestore,
		cooldown:      cfg.Negotiation.GetTrialCooldown(),
		fabric:        fabric,
		launcher:      launcher,
		prober:        prober,
		snapshots:     snapshots,
	}, nil
}

// Negotiate tries each strategy in order and returns on the first success.
// Trial failures only advance the search; exhausting every strategy yields
// the BOOT fallback. The only error is cancellation of ctx.
func (n *Negotiator) Negotiate(ctx context.Context) (Outcome, error) {
	var trials []Trial

	for i, s := range n.strategies {
		if i > 0 && n.cooldown > 0 {
			select {
			case <-ctx.Done():
				return Outcome{Trials: trials}, ctx.Err()
			case <-time.After(n.cooldown):
			}
		}

		t := n.runTrial(ctx, s)
		trials = append(trials, t)
		if n.OnTrial != nil {
			n.OnTrial(t)
		}

		if t.Result == ResultSuccess {
			log.G(ctx).WithFields(log.Fields{
				"strategy": s.Name,
				"cpus":     s.CPUs,
				"snapshot": t.Snapshot,
			}).Info("strategy negotiated")
			return Outcome{Mode: ModeRestore, Strategy: s, Snapshot: t.Snapshot, Trials: trials}, nil
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Trials: trials}, err
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"trials": len(trials),
		"cpus":   n.fallback.CPUs,
	}).Warn("no strategy survived pause+snapshot, falling back to cold boot")
	return Outcome{Mode: ModeBoot, Strategy: n.fallback, Trials: trials}, nil
}

// runTrial drives one strategy through the trial stages.
func (n *Negotiator) runTrial(ctx context.Context, s config.Strategy) (t Trial) {
	start := time.Now()
	t = Trial{Strategy: s, Stage: StageIdle}
	logger := log.G(ctx).WithFields(log.Fields{"strategy": s.Name, "cpus": s.CPUs})
	logger.Info("trying strategy")

	defer func() {
		t.Elapsed = time.Since(start)
		if t.Result == ResultSuccess {
			logger.WithField("elapsed", t.Elapsed).Info("strategy succeeded")
			return
		}
		logger.WithError(t.Err).WithFields(log.Fields{
			"result": t.Result,
			"stage":  t.Stage,
		}).Warn("strategy failed")
	}()

	if err := n.capture(ctx, &t); err != nil {
		t.Err = err
		return t
	}
	if n.verifyRestore {
		if err := n.verify(ctx, &t); err != nil {
			t.Err = err
			t.Result = ResultVerifyFailed
			return t
		}
	}
	t.Result = ResultSuccess
	return t
}

// capture boots the strategy and snapshots it. The trial's link and
// processes are torn down before it returns, whatever the outcome.
func (n *Negotiator) capture(ctx context.Context, t *Trial) (retErr error) {
	sc := &scope{fabric: n.fabric, link: n.endpoint.Name}
	defer func() {
		if err := sc.close(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("strategy", t.Strategy.Name).Warn("trial teardown incomplete")
			if retErr == nil {
				t.Result = ResultTeardownFailed
				retErr = err
			}
		}
	}()

	if err := sc.up(ctx, n.endpoint); err != nil {
		t.Result = ResultNetworkFailed
		return err
	}
	t.enter(ctx, StageNetworkUp)

	inst, err := sc.launch(ctx, n.launcher, vm.LaunchSpec{Name: t.Strategy.Name, CPUs: t.Strategy.CPUs})
	if err != nil {
		t.Result = ResultLaunchFailed
		return err
	}
	t.enter(ctx, StageVMLaunched)

	t.enter(ctx, StageAgentPolling)
	if err := n.awaitAgent(ctx, inst); err != nil {
		t.Result = ResultAgentTimeout
		if ctx.Err() != nil {
			t.Result = ResultCanceled
		}
		return err
	}
	t.enter(ctx, StageAgentReady)

	if err := inst.Pause(ctx); err != nil {
		t.Result = ResultPauseFailed
		return err
	}
	t.enter(ctx, StagePaused)

	dir, err := n.snapshots.ResetSnapshotDir(t.Strategy.Name)
	if err != nil {
		t.Result = ResultSnapshotFailed
		return err
	}
	if err := inst.Snapshot(ctx, dir); err != nil {
		t.Result = ResultSnapshotFailed
		return err
	}
	t.enter(ctx, StageSnapshotted)
	t.Snapshot = dir
	return nil
}

// verify restores the fresh snapshot and requires the agent to answer.
func (n *Negotiator) verify(ctx context.Context, t *Trial) (retErr error) {
	sc := &scope{fabric: n.fabric, link: n.endpoint.Name}
	defer func() {
		if err := sc.close(ctx); err != nil && retErr == nil {
			retErr = err
		}
	}()

	if err := sc.up(ctx, n.endpoint); err != nil {
		return err
	}
	inst, err := sc.launch(ctx, n.launcher, vm.LaunchSpec{Name: t.Strategy.Name, RestoreFrom: t.Snapshot})
	if err != nil {
		return err
	}
	if inst.State() == vm.StatePaused {
		if err := inst.Resume(ctx); err != nil {
			return err
		}
	}
	if err := n.awaitAgent(ctx, inst); err != nil {
		return err
	}
	t.enter(ctx, StageRestoreVerified)
	return nil
}

func (n *Negotiator) awaitAgent(ctx context.Context, inst vm.Instance) error {
	res := n.prober.Poll(ctx, n.target, n.budget)
	if res.Ready {
		log.G(ctx).WithFields(log.Fields{
			"attempts": res.Attempts,
			"elapsed":  res.Elapsed,
		}).Debug("agent ready")
		return nil
	}
	inst.LogDebugInfo(ctx)
	if res.Err != nil {
		return res.Err
	}
	return failure.Newf(failure.ErrAgentTimeout, "poll agent", "%s not ready after %d attempts (%s)",
		n.target.Addr(), res.Attempts, res.Elapsed.Round(time.Millisecond))
}

// scope owns the link and instance of one trial stage. close releases
// whatever was acquired, even when ctx is already canceled.
type scope struct {
	fabric network.Fabric
	link   string
	linkUp bool
	inst   vm.Instance
}

func (s *scope) up(ctx context.Context, ep network.Endpoint) error {
	// Destroy runs on failure too, so a half-created link is removed.
	s.linkUp = true
	if err := s.fabric.Create(ctx, ep); err != nil {
		return fmt.Errorf("create link %s: %w", ep.Name, err)
	}
	return nil
}

func (s *scope) launch(ctx context.Context, l vm.Launcher, spec vm.LaunchSpec) (vm.Instance, error) {
	inst, err := l.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.inst = inst
	return inst, nil
}

func (s *scope) close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if s.inst != nil {
		if err := s.inst.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.inst = nil
	}
	if s.linkUp {
		if err := s.fabric.Destroy(ctx, s.link); err != nil {
			errs = append(errs, err)
		}
		s.linkUp = false
	}
	return errors.Join(errs...)
}
