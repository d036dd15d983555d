//go:build linux

package cloudhypervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm"
)

// maxLogBytes bounds the serial log tail included in debug output.
const maxLogBytes = 4096

// Instance is one launched cloud-hypervisor VM.
type Instance struct {
	spec      vm.LaunchSpec
	state     *vm.StateMachine
	procs     *vm.ProcessGroup
	api       *Client
	serialLog string

	hypervisor *vm.Process
	launchedAt time.Time
}

var _ vm.Instance = (*Instance)(nil)

// State returns the current lifecycle state.
func (i *Instance) State() vm.State {
	return i.state.Get()
}

// SerialLog returns the guest serial log path.
func (i *Instance) SerialLog() string {
	return i.serialLog
}

// LaunchedAt returns the instant the hypervisor process was started.
func (i *Instance) LaunchedAt() time.Time {
	return i.launchedAt
}

// Pause moves the VM from Running to Paused.
func (i *Instance) Pause(ctx context.Context) error {
	if err := i.state.Transition(vm.StateRunning, vm.StatePaused); err != nil {
		return failure.New(failure.ErrControlChannel, "pause", err)
	}
	if err := i.api.Pause(ctx); err != nil {
		i.state.Set(vm.StateFailed)
		return err
	}
	return nil
}

// Resume moves the VM from Paused to Running.
func (i *Instance) Resume(ctx context.Context) error {
	if err := i.state.Transition(vm.StatePaused, vm.StateRunning); err != nil {
		return failure.New(failure.ErrControlChannel, "resume", err)
	}
	if err := i.api.Resume(ctx); err != nil {
		i.state.Set(vm.StateFailed)
		return err
	}
	return nil
}

// Snapshot captures the paused VM into dir, which must not hold an older
// snapshot. The VM is Paused again afterwards.
func (i *Instance) Snapshot(ctx context.Context, dir string) error {
	if err := i.state.Transition(vm.StatePaused, vm.StateSnapshotting); err != nil {
		return failure.New(failure.ErrControlChannel, "snapshot", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		i.state.Set(vm.StatePaused)
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := i.api.Snapshot(ctx, dir); err != nil {
		i.state.Set(vm.StateFailed)
		return err
	}
	i.state.Set(vm.StatePaused)
	return nil
}

// Stop terminates and reaps the hypervisor and the companion. It is a no-op
// once the instance is stopped.
func (i *Instance) Stop(ctx context.Context) error {
	if i.state.Get() == vm.StateStopped && i.procs.Len() == 0 {
		return nil
	}
	err := i.procs.Stop(ctx)
	i.state.Set(vm.StateStopped)
	if err != nil {
		return fmt.Errorf("stop %s: %w", i.spec.Name, err)
	}
	return nil
}

// Exited is closed when the hypervisor process exits.
func (i *Instance) Exited() <-chan struct{} {
	return i.hypervisor.Done()
}

// LogDebugInfo logs the last maxLogBytes of the serial log.
func (i *Instance) LogDebugInfo(ctx context.Context) {
	tail, err := readTail(i.serialLog, maxLogBytes)
	if err != nil || len(tail) == 0 {
		log.G(ctx).WithFields(log.Fields{
			"serial_log": i.serialLog,
			"error":      err,
		}).Debug("cloud-hypervisor: no serial output")
		return
	}
	log.G(ctx).WithField("serial", string(tail)).Debug("cloud-hypervisor: serial output (last 4KB)")
}

func readTail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() > n {
		if _, err := f.Seek(st.Size()-n, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(io.LimitReader(f, n))
}
