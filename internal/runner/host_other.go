//go:build !linux

package runner

import (
	"context"
	"errors"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
)

// Binaries are the resolved host executables of a run.
type Binaries struct {
	Hypervisor        string
	Companion         string
	HypervisorVersion string
}

// Preflight always fails: tap, loop mount and cloud-hypervisor need Linux.
func Preflight(context.Context, *config.Config) (Binaries, error) {
	return Binaries{}, failure.MarkFatal(errors.New("chsnapstart runs VMs on linux only"))
}

// HostDeps returns no host implementations outside Linux.
func HostDeps(*config.Config, Binaries) Deps {
	return Deps{}
}
