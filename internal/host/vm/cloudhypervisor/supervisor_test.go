//go:build linux

package cloudhypervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/failure"
	"github.com/LaynePeng/CHSnapstart/internal/host/vm"
	"github.com/LaynePeng/CHSnapstart/internal/paths"
)

func testSupervisor(t *testing.T, hypervisor, companion string) (*Supervisor, paths.Layout) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timeouts.CompanionSettle = "50ms"
	cfg.Timeouts.APISocket = "300ms"
	cfg.Timeouts.StopGrace = "200ms"

	root, err := os.MkdirTemp("", "chsup")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	layout := paths.Layout{Root: root}
	return NewSupervisor(cfg, layout, hypervisor, companion), layout
}

func TestHypervisorArgs_Boot(t *testing.T) {
	s, layout := testSupervisor(t, "/bin/false", "/bin/false")

	args := s.hypervisorArgs(vm.LaunchSpec{Name: "No-PMU", CPUs: "boot=1,pmu=off"})

	assert.Equal(t, []string{"--api-socket", layout.APISocket()}, args[:2])
	assert.Contains(t, args, "boot=1,pmu=off")
	assert.Contains(t, args, "size=512M")
	assert.Contains(t, args, "tap=tap_snap,mac=aa:fc:00:00:00:01")
	assert.Contains(t, args, "file="+layout.SerialLog())
	assert.NotContains(t, args, "--restore")
	assert.NotContains(t, args, "--disk")
}

func TestHypervisorArgs_Disk(t *testing.T) {
	s, layout := testSupervisor(t, "/bin/false", "/bin/false")
	s.cfg.VM.RootFS = config.RootFSDisk

	args := s.hypervisorArgs(vm.LaunchSpec{Name: "Standard", CPUs: "boot=1"})
	assert.Contains(t, args, "path="+layout.Image())
	assert.NotContains(t, args, "--fs")
}

func TestHypervisorArgs_RestoreOnly(t *testing.T) {
	s, layout := testSupervisor(t, "/bin/false", "/bin/false")

	args := s.hypervisorArgs(vm.LaunchSpec{Name: "Standard", CPUs: "boot=1", RestoreFrom: "/snap"})
	assert.Equal(t, []string{
		"--api-socket", layout.APISocket(),
		"--restore", "source_url=file:///snap",
	}, args)
}

func TestLaunch_MissingBinary(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _ := testSupervisor(t, "/nonexistent/cloud-hypervisor", "/bin/sleep")
	s.cfg.VM.RootFS = config.RootFSDisk

	inst, err := s.Launch(context.Background(), vm.LaunchSpec{Name: "Standard", CPUs: "boot=1"})
	require.Error(t, err)
	assert.Nil(t, inst)
	assert.ErrorIs(t, err, failure.ErrProcessLaunch)
}

func TestLaunch_CompanionExitsDuringSettle(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _ := testSupervisor(t, "/bin/sleep", "/bin/false")

	_, err := s.Launch(context.Background(), vm.LaunchSpec{Name: "Standard", CPUs: "boot=1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrProcessLaunch)
	assert.Contains(t, err.Error(), "virtiofsd")
}

func TestLaunch_HypervisorNeverCreatesSocket(t *testing.T) {
	defer goleak.VerifyNone(t)

	// /bin/sleep rejects the hypervisor flags and exits immediately.
	s, _ := testSupervisor(t, "/bin/sleep", "/bin/sleep")
	s.cfg.VM.RootFS = config.RootFSDisk

	start := time.Now()
	_, err := s.Launch(context.Background(), vm.LaunchSpec{Name: "Standard", CPUs: "boot=1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrProcessLaunch)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestLaunch_LaunchedAtFollowsCompanionSettle(t *testing.T) {
	const settle = 200 * time.Millisecond

	// The companion creates its socket and idles; the hypervisor idles while
	// the test serves its control API.
	companion := writeScript(t, "virtiofsd", `for a in "$@"; do
  case "$a" in --socket-path=*) : > "${a#--socket-path=}" ;; esac
done
exec sleep 30
`)
	hypervisor := writeScript(t, "cloud-hypervisor", "exec sleep 30\n")

	s, layout := testSupervisor(t, hypervisor, companion)
	s.cfg.Timeouts.CompanionSettle = settle.String()
	s.cfg.Timeouts.APISocket = "2s"

	// Serve the control API once the stale sockets were cleared, which
	// happens before the companion starts.
	served := make(chan *httptest.Server, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(layout.FSSocket()); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		l, err := net.Listen("unix", layout.APISocket())
		if err != nil {
			served <- nil
			return
		}
		srv := httptest.NewUnstartedServer(newFakeVMM())
		srv.Listener = l
		srv.Start()
		served <- srv
	}()

	start := time.Now()
	inst, err := s.Launch(context.Background(), vm.LaunchSpec{Name: "Standard", CPUs: "boot=1"})
	srv := <-served
	require.NotNil(t, srv)
	t.Cleanup(srv.Close)
	require.NoError(t, err)
	defer func() { _ = inst.Stop(context.Background()) }()

	launchedAt := inst.LaunchedAt()
	assert.GreaterOrEqual(t, launchedAt.Sub(start), settle, "launch instant must be taken after the companion settled")
	assert.False(t, launchedAt.After(time.Now()))
	assert.Equal(t, vm.StateRunning, inst.State())
}

// newTestInstance builds an Instance around a sleeping placeholder process
// and a fake control API.
func newTestInstance(t *testing.T, vmm *fakeVMM, state vm.State) *Instance {
	t.Helper()
	procs := vm.NewProcessGroup(200 * time.Millisecond)
	proc, err := procs.Start(context.Background(), hypervisorName, "/bin/sleep", "30")
	require.NoError(t, err)

	inst := &Instance{
		spec:       vm.LaunchSpec{Name: "Standard", CPUs: "boot=1"},
		state:      vm.NewStateMachine(state),
		procs:      procs,
		api:        NewClient(serveUnix(t, vmm), time.Second),
		serialLog:  filepath.Join(t.TempDir(), "serial.log"),
		hypervisor: proc,
	}
	t.Cleanup(func() { _ = inst.Stop(context.Background()) })
	return inst
}

func TestInstance_PauseSnapshotStop(t *testing.T) {
	vmm := newFakeVMM()
	inst := newTestInstance(t, vmm, vm.StateRunning)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "snapshots", "standard")

	require.NoError(t, inst.Pause(ctx))
	assert.Equal(t, vm.StatePaused, inst.State())

	require.NoError(t, inst.Snapshot(ctx, dir))
	assert.Equal(t, vm.StatePaused, inst.State())
	assert.DirExists(t, dir)

	require.NoError(t, inst.Stop(ctx))
	assert.Equal(t, vm.StateStopped, inst.State())
	select {
	case <-inst.Exited():
	default:
		t.Fatal("hypervisor not reaped after Stop")
	}

	// Second stop is a no-op.
	require.NoError(t, inst.Stop(ctx))
	assert.Equal(t, []string{"PUT vm.pause", "PUT vm.snapshot"}, vmm.Requests())
}

func TestInstance_SnapshotRequiresPaused(t *testing.T) {
	vmm := newFakeVMM()
	inst := newTestInstance(t, vmm, vm.StateRunning)

	err := inst.Snapshot(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrControlChannel)
	assert.Empty(t, vmm.Requests())
}

func TestInstance_PauseFailure(t *testing.T) {
	vmm := newFakeVMM()
	vmm.status[RoutePause] = http.StatusInternalServerError
	vmm.body[RoutePause] = "pause not supported"
	inst := newTestInstance(t, vmm, vm.StateRunning)

	err := inst.Pause(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pause not supported")
	assert.Equal(t, vm.StateFailed, inst.State())
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.log")
	data := make([]byte, 10000)
	for i := range data {
		data[i] = 'a'
	}
	copy(data[len(data)-5:], "TAIL\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	tail, err := readTail(path, maxLogBytes)
	require.NoError(t, err)
	assert.Len(t, tail, maxLogBytes)
	assert.Equal(t, "TAIL\n", string(tail[len(tail)-5:]))

	_, err = readTail(filepath.Join(t.TempDir(), "missing"), maxLogBytes)
	assert.Error(t, err)
}
