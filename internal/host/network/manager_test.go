//go:build linux

package network

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

// fakeOperator keeps links in memory.
type fakeOperator struct {
	links     map[string]*netlink.Tuntap
	nextIndex int
	addrs     map[string][]*netlink.Addr
	neighs    []*netlink.Neigh
	offloaded []string
	allowed   map[string]bool
	calls     []string

	failNeigh    error
	failOffload  error
	failFirewall error
}

func newFakeOperator() *fakeOperator {
	return &fakeOperator{
		links:   make(map[string]*netlink.Tuntap),
		addrs:   make(map[string][]*netlink.Addr),
		allowed: make(map[string]bool),
	}
}

func (f *fakeOperator) LinkByName(name string) (netlink.Link, error) {
	f.calls = append(f.calls, "LinkByName")
	l, ok := f.links[name]
	if !ok {
		return nil, errors.New("Link not found")
	}
	return l, nil
}

func (f *fakeOperator) LinkAdd(link netlink.Link) error {
	f.calls = append(f.calls, "LinkAdd")
	tap := link.(*netlink.Tuntap)
	if _, ok := f.links[tap.Name]; ok {
		return errors.New("file exists")
	}
	f.nextIndex++
	tap.Index = f.nextIndex
	f.links[tap.Name] = tap
	return nil
}

func (f *fakeOperator) LinkDel(link netlink.Link) error {
	f.calls = append(f.calls, "LinkDel")
	delete(f.links, link.Attrs().Name)
	delete(f.addrs, link.Attrs().Name)
	return nil
}

func (f *fakeOperator) LinkSetUp(link netlink.Link) error {
	f.calls = append(f.calls, "LinkSetUp")
	link.Attrs().Flags |= net.FlagUp
	return nil
}

func (f *fakeOperator) LinkSetHardwareAddr(link netlink.Link, hwaddr net.HardwareAddr) error {
	f.calls = append(f.calls, "LinkSetHardwareAddr")
	link.Attrs().HardwareAddr = hwaddr
	return nil
}

func (f *fakeOperator) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	f.calls = append(f.calls, "AddrAdd")
	f.addrs[link.Attrs().Name] = append(f.addrs[link.Attrs().Name], addr)
	return nil
}

func (f *fakeOperator) NeighSet(neigh *netlink.Neigh) error {
	f.calls = append(f.calls, "NeighSet")
	if f.failNeigh != nil {
		return f.failNeigh
	}
	f.neighs = append(f.neighs, neigh)
	return nil
}

func (f *fakeOperator) DisableOffload(name string) error {
	f.calls = append(f.calls, "DisableOffload")
	if f.failOffload != nil {
		return f.failOffload
	}
	f.offloaded = append(f.offloaded, name)
	return nil
}

func (f *fakeOperator) AllowInput(name string) error {
	f.calls = append(f.calls, "AllowInput")
	if f.failFirewall != nil {
		return f.failFirewall
	}
	f.allowed[name] = true
	return nil
}

func (f *fakeOperator) RevokeInput(name string) error {
	f.calls = append(f.calls, "RevokeInput")
	delete(f.allowed, name)
	return nil
}

func testEndpoint(t *testing.T) Endpoint {
	t.Helper()
	ep, err := EndpointFrom(config.DefaultConfig().Network)
	require.NoError(t, err)
	return ep
}

func TestCreate_ConfiguresLink(t *testing.T) {
	op := newFakeOperator()
	m := NewManager(op, Options{DisableOffload: true, WidenFirewall: true})
	ep := testEndpoint(t)

	require.NoError(t, m.Create(context.Background(), ep))

	link, ok := op.links["tap_snap"]
	require.True(t, ok)
	assert.Equal(t, netlink.TUNTAP_MODE_TAP, link.Mode)
	assert.Equal(t, ep.HostMAC, link.HardwareAddr)
	assert.NotZero(t, link.LinkAttrs.Flags&net.FlagUp)

	require.Len(t, op.addrs["tap_snap"], 1)
	assert.Equal(t, "172.16.0.1/24", op.addrs["tap_snap"][0].IPNet.String())

	assert.Equal(t, []string{"tap_snap"}, op.offloaded)
	assert.True(t, op.allowed["tap_snap"])
}

func TestCreate_NeighborMatchesGuest(t *testing.T) {
	op := newFakeOperator()
	m := NewManager(op, Options{})
	ep := testEndpoint(t)

	require.NoError(t, m.Create(context.Background(), ep))

	require.Len(t, op.neighs, 1)
	n := op.neighs[0]
	assert.True(t, n.IP.Equal(net.ParseIP("172.16.0.2")))
	assert.Equal(t, "aa:fc:00:00:00:01", n.HardwareAddr.String())
	assert.Equal(t, netlink.NUD_PERMANENT, n.State)
	assert.Equal(t, op.links["tap_snap"].Index, n.LinkIndex)
}

func TestCreate_ReplacesStaleLink(t *testing.T) {
	op := newFakeOperator()
	m := NewManager(op, Options{})
	ep := testEndpoint(t)

	require.NoError(t, m.Create(context.Background(), ep))
	first := op.links["tap_snap"].Index
	require.NoError(t, m.Create(context.Background(), ep))

	assert.NotEqual(t, first, op.links["tap_snap"].Index)
	assert.Len(t, op.links, 1)
	assert.Equal(t, int64(1), m.Metrics().StaleLinks.Load())
}

func TestCreate_BestEffortSteps(t *testing.T) {
	op := newFakeOperator()
	op.failOffload = errors.New("operation not supported")
	op.failFirewall = errors.New("nftables unavailable")
	m := NewManager(op, Options{DisableOffload: true, WidenFirewall: true})

	require.NoError(t, m.Create(context.Background(), testEndpoint(t)))
	assert.Equal(t, int64(2), m.Metrics().BestEffortFailures.Load())
}

func TestCreate_FailureRemovesLink(t *testing.T) {
	op := newFakeOperator()
	op.failNeigh = errors.New("invalid argument")
	m := NewManager(op, Options{})

	err := m.Create(context.Background(), testEndpoint(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin neighbor")
	assert.Empty(t, op.links, "half-configured link must be removed")
	assert.Equal(t, int64(1), m.Metrics().SetupFailures.Load())
}

func TestDestroy_Idempotent(t *testing.T) {
	op := newFakeOperator()
	m := NewManager(op, Options{WidenFirewall: true})
	ep := testEndpoint(t)

	require.NoError(t, m.Create(context.Background(), ep))
	require.NoError(t, m.Destroy(context.Background(), ep.Name))
	assert.Empty(t, op.links)
	assert.False(t, op.allowed[ep.Name])

	require.NoError(t, m.Destroy(context.Background(), ep.Name))
	require.NoError(t, m.Destroy(context.Background(), "never_created"))
	assert.Equal(t, int64(3), m.Metrics().TeardownSuccesses.Load())
}

func TestEndpointFrom(t *testing.T) {
	cfg := config.DefaultConfig().Network
	ep, err := EndpointFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, "tap_snap", ep.Name)
	assert.Equal(t, 24, ep.PrefixLen)

	cfg.GuestMAC = "not-a-mac"
	_, err = EndpointFrom(cfg)
	assert.Error(t, err)
}
