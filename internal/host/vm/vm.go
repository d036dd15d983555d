// Package vm defines shared types for VM implementations and the process
// registry that guarantees every spawned hypervisor or companion process is
// signalled and reaped.
// Concrete VM implementations are in subpackages (e.g., cloudhypervisor).
package vm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a VM instance.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StatePaused
	StateSnapshotting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateSnapshotting:
		return "snapshotting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateMachine holds a State with compare-and-swap transitions.
type StateMachine struct {
	v atomic.Int32
}

// NewStateMachine returns a machine in the given state.
func NewStateMachine(initial State) *StateMachine {
	m := &StateMachine{}
	m.v.Store(int32(initial))
	return m
}

// Get returns the current state.
func (m *StateMachine) Get() State {
	return State(m.v.Load())
}

// Set forces the state.
func (m *StateMachine) Set(s State) {
	m.v.Store(int32(s))
}

// Transition moves from one state to another, failing if the current state
// is not from.
func (m *StateMachine) Transition(from, to State) error {
	if !m.v.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("invalid state transition %s -> %s (current %s)", from, to, m.Get())
	}
	return nil
}

// LaunchSpec selects how one VM is started.
type LaunchSpec struct {
	// Name labels the trial or pass in logs.
	Name string

	// CPUs is the --cpus feature parameter of a boot launch, e.g. "boot=1,pmu=off".
	CPUs string

	// RestoreFrom is a snapshot directory. When set the VM is restored from it
	// instead of booted, and CPUs is ignored.
	RestoreFrom string
}

// Restore reports whether the spec restores from a snapshot.
func (s LaunchSpec) Restore() bool {
	return s.RestoreFrom != ""
}

// Instance is one supervised VM: the hypervisor process plus its optional
// filesystem-sharing companion.
type Instance interface {
	// State returns the current lifecycle state.
	State() State

	// Pause moves a running VM to paused.
	Pause(ctx context.Context) error

	// Resume moves a paused VM back to running.
	Resume(ctx context.Context) error

	// Snapshot captures a paused VM into dir. The VM stays paused.
	Snapshot(ctx context.Context, dir string) error

	// Stop terminates and reaps every process of the instance. Calling it
	// again is a no-op.
	Stop(ctx context.Context) error

	// LaunchedAt is the instant just before the hypervisor process was
	// started. Companion startup and settling happen before it.
	LaunchedAt() time.Time

	// SerialLog is the file the guest serial console is written to.
	SerialLog() string

	// LogDebugInfo logs the tail of the serial log, used when a trial fails.
	LogDebugInfo(ctx context.Context)
}
