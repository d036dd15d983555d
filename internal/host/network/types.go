// Package network manages the host side of the guest network link: one tap
// device with static addressing, a locked neighbor entry for the guest,
// offloads disabled, and a firewall opening for traffic from the tap.
package network

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

// Endpoint is the host/guest address pair of one link. The guest must
// configure exactly GuestIP/GuestMAC; the host neighbor table is pinned to
// that pair and a mismatch silently breaks connectivity.
type Endpoint struct {
	Name      string
	HostIP    net.IP
	HostMAC   net.HardwareAddr
	GuestIP   net.IP
	GuestMAC  net.HardwareAddr
	PrefixLen int
}

// EndpointFrom builds the endpoint described by the network configuration.
func EndpointFrom(cfg config.NetworkConfig) (Endpoint, error) {
	ep := Endpoint{
		Name:      cfg.Tap,
		HostIP:    net.ParseIP(cfg.HostIP).To4(),
		GuestIP:   net.ParseIP(cfg.GuestIP).To4(),
		PrefixLen: cfg.PrefixLen,
	}
	if ep.HostIP == nil {
		return Endpoint{}, fmt.Errorf("invalid host address %q", cfg.HostIP)
	}
	if ep.GuestIP == nil {
		return Endpoint{}, fmt.Errorf("invalid guest address %q", cfg.GuestIP)
	}
	var err error
	if ep.HostMAC, err = net.ParseMAC(cfg.HostMAC); err != nil {
		return Endpoint{}, fmt.Errorf("host mac: %w", err)
	}
	if ep.GuestMAC, err = net.ParseMAC(cfg.GuestMAC); err != nil {
		return Endpoint{}, fmt.Errorf("guest mac: %w", err)
	}
	return ep, nil
}

// HostAddr is the address assigned to the tap.
func (e Endpoint) HostAddr() *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{
		IP:   e.HostIP,
		Mask: net.CIDRMask(e.PrefixLen, 32),
	}}
}

// GuestNeighbor is the static neighbor entry for the guest.
func (e Endpoint) GuestNeighbor(linkIndex int) *netlink.Neigh {
	return &netlink.Neigh{
		LinkIndex:    linkIndex,
		Family:       netlink.FAMILY_V4,
		State:        netlink.NUD_PERMANENT,
		IP:           e.GuestIP,
		HardwareAddr: e.GuestMAC,
	}
}

// Operator abstracts the kernel interfaces the manager drives.
type Operator interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetHardwareAddr(link netlink.Link, hwaddr net.HardwareAddr) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	NeighSet(neigh *netlink.Neigh) error

	// DisableOffload turns off the offload features supported by the link.
	DisableOffload(name string) error

	// AllowInput accepts all input arriving on the link.
	AllowInput(name string) error

	// RevokeInput removes what AllowInput installed. Absent rules are not an error.
	RevokeInput(name string) error
}

// Fabric creates and destroys the host side of the guest link.
type Fabric interface {
	Create(ctx context.Context, ep Endpoint) error
	Destroy(ctx context.Context, name string) error
}
