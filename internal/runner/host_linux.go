//go:build linux

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/host/mountutil"
	"github.com/LaynePeng/CHSnapstart/internal/host/network"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm/cloudhypervisor"
	"github.com/LaynePeng/CHSnapstart/internal/paths"
	"github.com/LaynePeng/CHSnapstart/internal/probe"
)

var geteuid = unix.Geteuid

// Binaries are the resolved host executables of a run.
type Binaries struct {
	Hypervisor        string
	Companion         string
	HypervisorVersion string
}

// Preflight checks privileges and resolves the hypervisor and companion
// binaries. Every failure is fatal.
func Preflight(ctx context.Context, cfg *config.Config) (Binaries, error) {
	if geteuid() != 0 {
		return Binaries{}, failure.MarkFatal(errors.New("must run as root: tap, nftables and loop mount setup need CAP_NET_ADMIN and CAP_SYS_ADMIN"))
	}

	bins := Binaries{Hypervisor: paths.CloudHypervisorPath(cfg.Paths)}
	if err := checkExecutable(bins.Hypervisor); err != nil {
		return Binaries{}, err
	}
	if cfg.VM.UsesCompanion() {
		bins.Companion = paths.VirtiofsdPath(cfg.Paths)
		if err := checkExecutable(bins.Companion); err != nil {
			return Binaries{}, err
		}
	}

	v, err := cloudhypervisor.EnsureMinimumVersion(ctx, bins.Hypervisor, cfg.VM.MinHypervisorVersion)
	if err != nil {
		return Binaries{}, failure.MarkFatal(fmt.Errorf("preflight: %w", err))
	}
	bins.HypervisorVersion = v

	log.G(ctx).WithFields(log.Fields{
		"cloud_hypervisor": bins.Hypervisor,
		"version":          v,
		"virtiofsd":        bins.Companion,
	}).Info("preflight passed")
	return bins, nil
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return failure.New(failure.ErrResourceMissing, "preflight", err)
	}
	if st.IsDir() || st.Mode().Perm()&0o111 == 0 {
		return failure.Newf(failure.ErrResourceMissing, "preflight", "%s is not executable", path)
	}
	return nil
}

// HostDeps wires the real netlink, loop mount and cloud-hypervisor
// implementations.
func HostDeps(cfg *config.Config, bins Binaries) Deps {
	mgr := network.NewManager(network.NewDefaultOperator(), network.Options{
		DisableOffload: cfg.Network.OffloadDisabled(),
		WidenFirewall:  cfg.Network.FirewallWidened(),
	})
	sup := cloudhypervisor.NewSupervisor(cfg, paths.NewLayout(cfg.Paths), bins.Hypervisor, bins.Companion)

	return Deps{
		Mounter:           mountutil.Loop{FSType: mountutil.DefaultFSType},
		Fabric:            mgr,
		Launcher:          sup,
		Prober:            probe.New(cfg.Timeouts.GetAgentRequest()),
		LinkMetrics:       mgr.Metrics(),
		HypervisorVersion: bins.HypervisorVersion,
	}
}
