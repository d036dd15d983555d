// Package paths provides the filesystem layout of a chsnapstart run.
// These helpers take configuration as input to avoid global config coupling.
// CloudHypervisorPath and VirtiofsdPath may probe the filesystem when
// auto-discovering binaries.
package paths

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

// Environment variables consulted by binary discovery.
const (
	CloudHypervisorEnv = "CLOUD_HYPERVISOR_PATH"
	VirtiofsdEnv       = "VIRTIOFSD_PATH"
)

// Layout names every file the run creates under the workspace directory.
// Names are fixed so that negotiation trials and benchmark passes reuse the
// same socket and log paths; a restored VM reconnects to the companion
// socket recorded in its snapshot.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at the configured work directory.
func NewLayout(pathsCfg config.PathsConfig) Layout {
	root, err := filepath.Abs(pathsCfg.WorkDir)
	if err != nil {
		root = filepath.Clean(pathsCfg.WorkDir)
	}
	return Layout{Root: root}
}

// Kernel is the workspace copy of the kernel image.
func (l Layout) Kernel() string { return filepath.Join(l.Root, "vmlinux") }

// Image is the workspace copy of the guest filesystem image.
func (l Layout) Image() string { return filepath.Join(l.Root, "rootfs.ext4") }

// Mount is where the image copy is loop-mounted.
func (l Layout) Mount() string { return filepath.Join(l.Root, "mnt") }

// APISocket is the hypervisor control socket.
func (l Layout) APISocket() string { return filepath.Join(l.Root, "ch.sock") }

// FSSocket is the virtiofsd vhost-user socket.
func (l Layout) FSSocket() string { return filepath.Join(l.Root, "virtiofs.sock") }

// SerialLog is the guest serial console capture.
func (l Layout) SerialLog() string { return filepath.Join(l.Root, "serial.log") }

// Snapshots is the parent of every per-strategy snapshot directory.
func (l Layout) Snapshots() string { return filepath.Join(l.Root, "snapshots") }

// SnapshotDir is the snapshot destination for the named strategy.
func (l Layout) SnapshotDir(strategy string) string {
	return filepath.Join(l.Snapshots(), Slug(strategy))
}

// Slug turns a strategy name into a directory name.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "strategy"
	}
	return s
}

// CloudHypervisorPath returns the cloud-hypervisor binary to launch.
func CloudHypervisorPath(pathsCfg config.PathsConfig) string {
	// If explicitly configured, use that path
	if pathsCfg.CloudHypervisor != "" {
		return pathsCfg.CloudHypervisor
	}
	return discoverBinary("cloud-hypervisor", CloudHypervisorEnv)
}

// VirtiofsdPath returns the virtiofsd binary to launch.
func VirtiofsdPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.Virtiofsd != "" {
		return pathsCfg.Virtiofsd
	}
	return discoverBinary("virtiofsd", VirtiofsdEnv)
}

// discoverBinary consults the environment, then PATH, then the common
// install locations. The final fallback is the bare name so the launch error
// names what was missing.
func discoverBinary(name, envVar string) string {
	if p := os.Getenv(envVar); p != "" && fileExists(p) {
		return p
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	candidates := []string{
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/usr/bin", name),
		filepath.Join("/usr/libexec", name),
		filepath.Join("/usr/lib/qemu", name),
	}
	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}

	return name
}

// fileExists checks if a file exists, resolving symlinks to the real path.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}
