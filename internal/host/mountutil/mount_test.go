//go:build linux

package mountutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnmount_MissingTarget(t *testing.T) {
	err := Loop{}.Unmount(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
}

func TestUnmount_NotMounted(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to call umount")
	}
	if err := (Loop{}).Unmount(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
}

func TestMount_MissingImage(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to set up loop devices")
	}
	target := filepath.Join(t.TempDir(), "mnt")
	err := Loop{}.Mount(context.Background(), filepath.Join(t.TempDir(), "missing.ext4"), target)
	if err == nil {
		t.Fatal("expected error mounting a missing image")
	}
}

func TestMount_LoopImage(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to set up loop devices")
	}
	mkfs, err := exec.LookPath("mkfs.ext4")
	if err != nil {
		t.Skip("mkfs.ext4 not available")
	}

	ctx := context.Background()
	dir := t.TempDir()
	image := filepath.Join(dir, "rootfs.ext4")
	if err := os.WriteFile(image, make([]byte, 8<<20), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if out, err := exec.Command(mkfs, "-q", "-F", image).CombinedOutput(); err != nil {
		t.Fatalf("mkfs.ext4: %v: %s", err, out)
	}

	target := filepath.Join(dir, "mnt")
	if err := (Loop{}).Mount(ctx, image, target); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if !isMountPoint(target) {
		t.Fatal("target is not a mount point after Mount")
	}
	if err := os.WriteFile(filepath.Join(target, "probe"), []byte("ok"), 0o644); err != nil {
		t.Errorf("image not writable: %v", err)
	}

	if err := (Loop{}).Unmount(ctx, target); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if isMountPoint(target) {
		t.Error("target still mounted after Unmount")
	}
	// Second unmount is a no-op.
	if err := (Loop{}).Unmount(ctx, target); err != nil {
		t.Fatalf("second Unmount() error = %v", err)
	}
}

func isMountPoint(path string) bool {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if fields[4] == path {
			return true
		}
	}
	return false
}
