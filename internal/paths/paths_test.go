package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

func TestFileExists_ResolvesSymlinks(t *testing.T) {
	tmpDir := t.TempDir()

	realFile := filepath.Join(tmpDir, "realfile")
	if err := os.WriteFile(realFile, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinkPath := filepath.Join(tmpDir, "linkfile")
	if err := os.Symlink(realFile, symlinkPath); err != nil {
		t.Fatal(err)
	}

	if !fileExists(symlinkPath) {
		t.Error("fileExists should return true for symlink to existing file")
	}
	if fileExists(tmpDir) {
		t.Error("fileExists should return false for a directory")
	}
}

func TestFileExists_FailsForBrokenSymlink(t *testing.T) {
	brokenLink := filepath.Join(t.TempDir(), "broken")
	if err := os.Symlink("/nonexistent/target", brokenLink); err != nil {
		t.Fatal(err)
	}
	if fileExists(brokenLink) {
		t.Error("fileExists should return false for broken symlink")
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Standard":   "standard",
		"No-PMU":     "no-pmu",
		"Aggressive": "aggressive",
		"Boot 2/SVE": "boot-2-sve",
		"***":        "strategy",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLayout_SharedNames(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(config.PathsConfig{WorkDir: root})

	if l.APISocket() != filepath.Join(root, "ch.sock") {
		t.Errorf("unexpected api socket %s", l.APISocket())
	}
	if l.SnapshotDir("No-PMU") != filepath.Join(root, "snapshots", "no-pmu") {
		t.Errorf("unexpected snapshot dir %s", l.SnapshotDir("No-PMU"))
	}
	if l.SnapshotDir("Standard") == l.SnapshotDir("No-PMU") {
		t.Error("strategies must not share a snapshot directory")
	}
}

func TestCloudHypervisorPath(t *testing.T) {
	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "ch")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	if got := CloudHypervisorPath(config.PathsConfig{CloudHypervisor: "/opt/ch"}); got != "/opt/ch" {
		t.Errorf("configured path should win, got %s", got)
	}

	t.Setenv(CloudHypervisorEnv, bin)
	if got := CloudHypervisorPath(config.PathsConfig{}); got != bin {
		t.Errorf("expected env path %s, got %s", bin, got)
	}
}
