//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
)

// Options selects the optional link tweaks.
type Options struct {
	DisableOffload bool
	WidenFirewall  bool
}

// Manager creates and destroys tap links through an Operator.
//
// Create is idempotent: any link of the same name is removed first, so a
// crashed earlier run cannot block the next trial. Destroy never fails when
// the link is already gone.
type Manager struct {
	op      Operator
	opts    Options
	metrics *Metrics
}

// NewManager returns a manager driving op.
func NewManager(op Operator, opts Options) *Manager {
	return &Manager{op: op, opts: opts, metrics: &Metrics{}}
}

// Metrics returns the link operation counters of this manager.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Create (re)creates the tap described by ep.
func (m *Manager) Create(ctx context.Context, ep Endpoint) (retErr error) {
	start := time.Now()
	stale := false
	defer func() {
		m.metrics.RecordSetup(retErr == nil, stale, time.Since(start))
	}()

	logger := log.G(ctx).WithFields(log.Fields{
		"tap":      ep.Name,
		"host_ip":  ep.HostIP,
		"guest_ip": ep.GuestIP,
	})

	if existing, err := m.op.LinkByName(ep.Name); err == nil {
		stale = true
		logger.Debug("removing stale link")
		if err := m.op.LinkDel(existing); err != nil {
			return fmt.Errorf("delete stale link %s: %w", ep.Name, err)
		}
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{
			Name: ep.Name,
		},
		Mode:  netlink.TUNTAP_MODE_TAP,
		Flags: netlink.TUNTAP_DEFAULTS,
	}
	if err := m.op.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", ep.Name, err)
	}

	// From here on a failure must not leave a half-configured link behind.
	defer func() {
		if retErr != nil {
			if err := m.remove(ep.Name); err != nil {
				logger.WithError(err).Warn("failed to remove partially configured link")
			}
		}
	}()

	link, err := m.op.LinkByName(ep.Name)
	if err != nil {
		return fmt.Errorf("lookup tap %s: %w", ep.Name, err)
	}
	if err := m.op.LinkSetHardwareAddr(link, ep.HostMAC); err != nil {
		return fmt.Errorf("set hardware address on %s: %w", ep.Name, err)
	}
	if err := m.op.AddrAdd(link, ep.HostAddr()); err != nil {
		return fmt.Errorf("assign %s to %s: %w", ep.HostAddr(), ep.Name, err)
	}
	if err := m.op.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", ep.Name, err)
	}
	if err := m.op.NeighSet(ep.GuestNeighbor(link.Attrs().Index)); err != nil {
		return fmt.Errorf("pin neighbor %s on %s: %w", ep.GuestIP, ep.Name, err)
	}

	// The remaining tweaks only shave latency; the link works without them.
	if m.opts.DisableOffload {
		if err := m.op.DisableOffload(ep.Name); err != nil {
			m.metrics.RecordBestEffortFailure()
			logger.WithError(err).Warn("failed to disable offloads")
		}
	}
	if m.opts.WidenFirewall {
		if err := m.op.AllowInput(ep.Name); err != nil {
			m.metrics.RecordBestEffortFailure()
			logger.WithError(err).Warn("failed to widen firewall policy")
		}
	}

	logger.Debug("tap configured")
	return nil
}

// Destroy removes the named link and its firewall rules. Missing pieces are
// not errors.
func (m *Manager) Destroy(ctx context.Context, name string) (retErr error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordTeardown(retErr == nil, time.Since(start))
	}()

	var errs []error
	if m.opts.WidenFirewall {
		if err := m.op.RevokeInput(name); err != nil {
			m.metrics.RecordBestEffortFailure()
			log.G(ctx).WithError(err).WithField("tap", name).Warn("failed to remove firewall rules")
		}
	}
	if err := m.remove(name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(name string) error {
	link, err := m.op.LinkByName(name)
	if err != nil {
		// Lookup only fails for a missing link.
		return nil
	}
	if err := m.op.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
