//go:build linux

package vm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/LaynePeng/CHSnapstart/internal/failure"
)

var (
	// killWait is how long to wait for a process to exit after SIGKILL.
	killWait = 2 * time.Second

	killGroup = unix.Kill
)

// Process is one supervised child. Its exit is observed by a monitor
// goroutine, so the child is reaped even if nobody calls Stop.
type Process struct {
	Name string

	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the wait error. Only valid after Done is closed.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

func (p *Process) monitor(ctx context.Context) {
	go func() {
		p.exitErr = p.cmd.Wait()
		if p.exitErr != nil {
			log.G(ctx).WithError(p.exitErr).WithField("process", p.Name).Debug("process exited")
		}
		close(p.done)
	}()
}

// signalGroup signals the process group started with Setpgid.
func (p *Process) signalGroup(sig syscall.Signal) error {
	err := killGroup(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// stop sends SIGTERM, waits up to grace, then SIGKILL.
func (p *Process) stop(logger *log.Entry, grace time.Duration) error {
	if !p.Alive() {
		return nil
	}

	if err := p.signalGroup(unix.SIGTERM); err != nil {
		logger.WithError(err).Debug("failed to send SIGTERM")
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	logger.Warn("process ignored SIGTERM, sending SIGKILL")
	if err := p.signalGroup(unix.SIGKILL); err != nil {
		return fmt.Errorf("kill %s: %w", p.Name, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", p.Name, p.Pid())
	}
}

// ProcessGroup is the registry of processes spawned for one VM instance.
// Stop signals and reaps every registered process, newest first, and is a
// no-op once everything has been stopped. A process that survives Stop stays
// registered so the next Stop retries it.
type ProcessGroup struct {
	Grace time.Duration

	mu    sync.Mutex
	procs []*Process
}

// NewProcessGroup returns an empty registry.
func NewProcessGroup(grace time.Duration) *ProcessGroup {
	return &ProcessGroup{Grace: grace}
}

// Start launches binary with its output discarded and registers it.
func (g *ProcessGroup) Start(ctx context.Context, name, binary string, args ...string) (*Process, error) {
	// The child must outlive the caller's context; Stop owns termination.
	//nolint:gosec // binary and args come from the run configuration.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, failure.New(failure.ErrProcessLaunch, "start "+name, err)
	}

	p := &Process{Name: name, cmd: cmd, done: make(chan struct{})}
	p.monitor(ctx)

	g.mu.Lock()
	g.procs = append(g.procs, p)
	g.mu.Unlock()

	log.G(ctx).WithFields(log.Fields{
		"process": name,
		"pid":     cmd.Process.Pid,
	}).Debug("process started")
	return p, nil
}

// Len returns the number of registered processes that have not been stopped.
func (g *ProcessGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.procs)
}

// Stop terminates every registered process in reverse start order and
// waits until each one is reaped.
func (g *ProcessGroup) Stop(ctx context.Context) error {
	g.mu.Lock()
	procs := g.procs
	g.procs = nil
	g.mu.Unlock()

	var (
		errs      []error
		survivors []*Process
	)
	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]
		logger := log.G(ctx).WithFields(log.Fields{"process": p.Name, "pid": p.Pid()})
		if err := p.stop(logger, g.Grace); err != nil {
			errs = append(errs, err)
			survivors = append([]*Process{p}, survivors...)
			continue
		}
		logger.Debug("process stopped")
	}

	if len(survivors) > 0 {
		g.mu.Lock()
		g.procs = append(survivors, g.procs...)
		g.mu.Unlock()
	}
	return errors.Join(errs...)
}
