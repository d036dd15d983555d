//go:build linux

package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	// tableName is the nftables table (family inet) holding per-link chains.
	tableName = "chsnapstart"

	// ruleTag marks rules inserted into foreign chains so they can be found
	// again on teardown.
	ruleTag = "chsnapstart:"
)

// offloadFeatures are the checksum and segmentation offloads turned off on
// the tap. Features the driver does not expose are skipped.
var offloadFeatures = []string{
	"tx-checksum-ip-generic",
	"rx-checksum",
	"tx-tcp-segmentation",
	"tx-tcp6-segmentation",
	"tx-generic-segmentation",
	"rx-gro",
}

// DefaultOperator implements Operator with netlink, ethtool and nftables.
type DefaultOperator struct {
	mu sync.Mutex
}

// NewDefaultOperator returns the kernel-backed operator.
func NewDefaultOperator() *DefaultOperator {
	return &DefaultOperator{}
}

func (o *DefaultOperator) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (o *DefaultOperator) LinkAdd(link netlink.Link) error {
	if err := netlink.LinkAdd(link); err != nil {
		return err
	}
	// The tap is persistent; the hypervisor opens it by name.
	if tap, ok := link.(*netlink.Tuntap); ok {
		for _, f := range tap.Fds {
			_ = f.Close()
		}
		tap.Fds = nil
	}
	return nil
}

func (o *DefaultOperator) LinkDel(link netlink.Link) error {
	return netlink.LinkDel(link)
}

func (o *DefaultOperator) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (o *DefaultOperator) LinkSetHardwareAddr(link netlink.Link, hwaddr net.HardwareAddr) error {
	return netlink.LinkSetHardwareAddr(link, hwaddr)
}

func (o *DefaultOperator) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (o *DefaultOperator) NeighSet(neigh *netlink.Neigh) error {
	return netlink.NeighSet(neigh)
}

func (o *DefaultOperator) DisableOffload(name string) error {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return fmt.Errorf("open ethtool handle: %w", err)
	}
	defer h.Close()

	features, err := h.Features(name)
	if err != nil {
		return fmt.Errorf("read features of %s: %w", name, err)
	}

	change := make(map[string]bool)
	for _, f := range offloadFeatures {
		if enabled, ok := features[f]; ok && enabled {
			change[f] = false
		}
	}
	if len(change) == 0 {
		return nil
	}
	if err := h.Change(name, change); err != nil {
		return fmt.Errorf("disable offloads on %s: %w", name, err)
	}
	return nil
}

func (o *DefaultOperator) AllowInput(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connect to nftables: %w", err)
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   tableName,
	})
	policy := nftables.ChainPolicyAccept
	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName(name),
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityRef(*nftables.ChainPriorityFilter - 1),
		Policy:   &policy,
	})
	conn.FlushChain(chain)
	conn.AddRule(acceptFrom(table, chain, name))
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("install accept chain for %s: %w", name, err)
	}

	// An accept in our table does not stop an iptables-nft INPUT chain from
	// dropping the packet, so open that chain too when it exists.
	filter, input := findChain(conn, nftables.TableFamilyIPv4, "filter", "INPUT")
	if input == nil {
		return nil
	}
	rules, err := conn.GetRules(filter, input)
	if err != nil {
		return fmt.Errorf("list filter INPUT rules: %w", err)
	}
	for _, r := range rules {
		if string(r.UserData) == ruleTag+name {
			return nil
		}
	}
	conn.InsertRule(acceptFrom(filter, input, name))
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("insert filter INPUT rule for %s: %w", name, err)
	}
	return nil
}

func (o *DefaultOperator) RevokeInput(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connect to nftables: %w", err)
	}

	if filter, input := findChain(conn, nftables.TableFamilyIPv4, "filter", "INPUT"); input != nil {
		rules, err := conn.GetRules(filter, input)
		if err == nil {
			for _, r := range rules {
				if string(r.UserData) == ruleTag+name {
					_ = conn.DelRule(r)
				}
			}
		}
	}
	if table, chain := findChain(conn, nftables.TableFamilyINet, tableName, chainName(name)); chain != nil {
		conn.FlushChain(chain)
		conn.DelChain(&nftables.Chain{Name: chain.Name, Table: table})
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("remove accept rules for %s: %w", name, err)
	}
	return nil
}

func chainName(link string) string {
	return "input-" + link
}

// acceptFrom matches the input interface name and accepts.
func acceptFrom(table *nftables.Table, chain *nftables.Chain, link string) *nftables.Rule {
	// Pad interface name to IFNAMSIZ
	iface := make([]byte, unix.IFNAMSIZ)
	copy(iface, link)

	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     iface,
			},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
		UserData: []byte(ruleTag + link),
	}
}

func findChain(conn *nftables.Conn, family nftables.TableFamily, table, chain string) (*nftables.Table, *nftables.Chain) {
	chains, err := conn.ListChainsOfTableFamily(family)
	if err != nil {
		return nil, nil
	}
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == table && c.Name == chain {
			return c.Table, c
		}
	}
	return nil, nil
}
