//go:build linux

package cloudhypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm"
	"github.com/LaynePeng/CHSnapstart/internal/paths"
)

const (
	hypervisorName = "cloud-hypervisor"
	companionName  = "virtiofsd"
)

// Supervisor launches cloud-hypervisor VMs from the run configuration.
// Every launch reuses the same control socket, companion socket, tap and
// serial log names, so at most one instance may be live at a time.
type Supervisor struct {
	cfg        *config.Config
	layout     paths.Layout
	hypervisor string
	companion  string
}

var _ vm.Launcher = (*Supervisor)(nil)

// NewSupervisor returns a supervisor using the given binaries.
func NewSupervisor(cfg *config.Config, layout paths.Layout, hypervisor, companion string) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		layout:     layout,
		hypervisor: hypervisor,
		companion:  companion,
	}
}

// Launch starts the companion (virtiofs mode only), waits for it to settle,
// then starts cloud-hypervisor and waits for its control socket. The launch
// instant is taken after the settle wait, right before cloud-hypervisor starts. A restored
// VM is resumed when configured. On any failure everything spawned so far
// is stopped before returning.
func (s *Supervisor) Launch(ctx context.Context, spec vm.LaunchSpec) (_ vm.Instance, retErr error) {
	logger := log.G(ctx).WithFields(log.Fields{
		"strategy": spec.Name,
		"restore":  spec.Restore(),
	})

	s.removeStale(ctx)

	timeouts := s.cfg.Timeouts
	inst := &Instance{
		spec:      spec,
		state:     vm.NewStateMachine(vm.StateStarting),
		procs:     vm.NewProcessGroup(timeouts.GetStopGrace()),
		serialLog: s.layout.SerialLog(),
		api:       NewClient(s.layout.APISocket(), timeouts.GetControlRequest()),
	}
	defer func() {
		if retErr != nil {
			inst.LogDebugInfo(ctx)
			inst.state.Set(vm.StateFailed)
			if err := inst.procs.Stop(ctx); err != nil {
				logger.WithError(err).Warn("failed to stop processes after launch failure")
			}
		}
	}()

	if s.cfg.VM.UsesCompanion() {
		if err := s.startCompanion(ctx, inst); err != nil {
			return nil, err
		}
	}

	args := s.hypervisorArgs(spec)
	logger.WithField("args", strings.Join(args, " ")).Debug("starting cloud-hypervisor")

	inst.launchedAt = time.Now()
	proc, err := inst.procs.Start(ctx, hypervisorName, s.hypervisor, args...)
	if err != nil {
		return nil, err
	}
	inst.hypervisor = proc

	if err := waitForSocket(ctx, s.layout.APISocket(), timeouts.GetAPISocket(), proc.Done()); err != nil {
		return nil, failure.New(failure.ErrProcessLaunch, "wait for control socket", err)
	}

	ping, err := inst.api.Ping(ctx)
	if err != nil {
		return nil, err
	}
	logger.WithField("version", ping.Version).Debug("cloud-hypervisor API available")

	if spec.Restore() {
		// A restored VM comes up paused.
		inst.state.Set(vm.StatePaused)
		if s.cfg.VM.ResumesAfterRestore() {
			if err := inst.Resume(ctx); err != nil {
				return nil, err
			}
		}
	} else {
		inst.state.Set(vm.StateRunning)
	}

	logger.WithField("state", inst.State()).Info("cloud-hypervisor launched")
	return inst, nil
}

func (s *Supervisor) startCompanion(ctx context.Context, inst *Instance) error {
	args := companionArgs(s.layout.FSSocket(), s.layout.Mount())
	proc, err := inst.procs.Start(ctx, companionName, s.companion, args...)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-proc.Done():
		return failure.Newf(failure.ErrProcessLaunch, "start "+companionName, "exited during settle: %v", proc.ExitErr())
	case <-time.After(s.cfg.Timeouts.GetCompanionSettle()):
	}

	if _, err := os.Stat(s.layout.FSSocket()); err != nil {
		return failure.New(failure.ErrProcessLaunch, "start "+companionName, err)
	}
	return nil
}

func (s *Supervisor) hypervisorArgs(spec vm.LaunchSpec) []string {
	b := newCommandBuilder().setAPISocket(s.layout.APISocket())
	if spec.Restore() {
		return b.setRestore(spec.RestoreFrom).build()
	}

	vmCfg := s.cfg.VM
	net := s.cfg.Network
	b.setKernel(s.layout.Kernel()).
		setCPUs(spec.CPUs).
		setMemory(vmCfg.Memory)
	if vmCfg.UsesCompanion() {
		b.addFS(vmCfg.FSTag, s.layout.FSSocket(), vmCfg.FSQueues, vmCfg.FSQueueSize)
	} else {
		b.addDisk(s.layout.Image())
	}
	return b.addNet(net.Tap, net.GuestMAC).
		setConsoleOff().
		setSerialFile(s.layout.SerialLog()).
		setCmdline(KernelCmdline(vmCfg)).
		build()
}

// removeStale deletes sockets and the serial log left by a previous instance.
func (s *Supervisor) removeStale(ctx context.Context) {
	for _, p := range []string{s.layout.APISocket(), s.layout.FSSocket(), s.layout.SerialLog()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.G(ctx).WithError(err).WithField("path", p).Warn("failed to remove stale file")
		}
	}
}

// waitForSocket polls for socketPath until it exists, the timeout elapses or
// exited is closed.
func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration, exited <-chan struct{}) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("process exited before creating %s", socketPath)
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for socket: %s", socketPath)
		case <-ticker.C:
		}
	}
}
