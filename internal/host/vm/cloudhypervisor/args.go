package cloudhypervisor

import (
	"fmt"
	"strings"

	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/guest"
)

// commandBuilder constructs cloud-hypervisor command-line arguments.
//
//	args := newCommandBuilder().
//		setAPISocket("/run/ch.sock").
//		setKernel("/work/vmlinux").
//		setCPUs("boot=1,pmu=off").
//		setMemory("512M").
//		build()
type commandBuilder struct {
	args []string
}

func newCommandBuilder() *commandBuilder {
	return &commandBuilder{args: make([]string, 0, 24)}
}

func (b *commandBuilder) setAPISocket(path string) *commandBuilder {
	b.args = append(b.args, "--api-socket", path)
	return b
}

func (b *commandBuilder) setKernel(path string) *commandBuilder {
	b.args = append(b.args, "--kernel", path)
	return b
}

func (b *commandBuilder) setCmdline(cmdline string) *commandBuilder {
	if cmdline != "" {
		b.args = append(b.args, "--cmdline", cmdline)
	}
	return b
}

// setCPUs sets the --cpus feature parameter, e.g. "boot=1,pmu=off".
func (b *commandBuilder) setCPUs(param string) *commandBuilder {
	b.args = append(b.args, "--cpus", param)
	return b
}

func (b *commandBuilder) setMemory(size string) *commandBuilder {
	b.args = append(b.args, "--memory", "size="+size)
	return b
}

func (b *commandBuilder) addFS(tag, socket string, queues, queueSize int) *commandBuilder {
	b.args = append(b.args, "--fs",
		fmt.Sprintf("tag=%s,socket=%s,num_queues=%d,queue_size=%d", tag, socket, queues, queueSize))
	return b
}

func (b *commandBuilder) addDisk(path string) *commandBuilder {
	b.args = append(b.args, "--disk", "path="+path)
	return b
}

func (b *commandBuilder) addNet(tap, mac string) *commandBuilder {
	b.args = append(b.args, "--net", fmt.Sprintf("tap=%s,mac=%s", tap, mac))
	return b
}

func (b *commandBuilder) setConsoleOff() *commandBuilder {
	b.args = append(b.args, "--console", "off")
	return b
}

func (b *commandBuilder) setSerialFile(path string) *commandBuilder {
	b.args = append(b.args, "--serial", "file="+path)
	return b
}

// setRestore restores from a snapshot directory. Kernel, CPUs, memory and
// devices all come from the snapshot's recorded configuration.
func (b *commandBuilder) setRestore(dir string) *commandBuilder {
	b.args = append(b.args, "--restore", "source_url="+fileURL(dir))
	return b
}

func (b *commandBuilder) build() []string {
	return b.args
}

// KernelCmdline appends the root filesystem and init selection for the
// configured rootfs mode to the base command line.
func KernelCmdline(vmCfg config.VMConfig) string {
	parts := []string{strings.TrimSpace(vmCfg.Cmdline)}
	switch vmCfg.RootFS {
	case config.RootFSDisk:
		parts = append(parts, "root=/dev/vda")
	default:
		parts = append(parts, "rootfstype=virtiofs", "root="+vmCfg.FSTag)
	}
	parts = append(parts, "init="+guest.InitPath(vmCfg.RootFS))
	return strings.TrimSpace(strings.Join(parts, " "))
}

// companionArgs returns the virtiofsd arguments sharing dir over socket.
func companionArgs(socket, dir string) []string {
	return []string{
		"--socket-path=" + socket,
		"--shared-dir=" + dir,
		"--cache=always",
		"--sandbox=chroot",
	}
}
