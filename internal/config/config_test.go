package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network.HostIP != "172.16.0.1" {
		t.Errorf("expected HostIP 172.16.0.1, got %s", cfg.Network.HostIP)
	}
	if cfg.Network.GuestIP != "172.16.0.2" {
		t.Errorf("expected GuestIP 172.16.0.2, got %s", cfg.Network.GuestIP)
	}
	if cfg.Network.AgentPort != 8000 {
		t.Errorf("expected AgentPort 8000, got %d", cfg.Network.AgentPort)
	}
	if cfg.VM.Memory != "512M" {
		t.Errorf("expected Memory 512M, got %s", cfg.VM.Memory)
	}

	wantNames := []string{"Standard", "No-PMU", "Aggressive"}
	if len(cfg.Strategies) != len(wantNames) {
		t.Fatalf("expected %d strategies, got %d", len(wantNames), len(cfg.Strategies))
	}
	for i, name := range wantNames {
		if cfg.Strategies[i].Name != name {
			t.Errorf("strategy %d: expected %s, got %s", i, name, cfg.Strategies[i].Name)
		}
	}
	if cfg.Strategies[2].CPUs != "boot=1,pmu=off,sve=off" {
		t.Errorf("unexpected Aggressive cpus %q", cfg.Strategies[2].CPUs)
	}

	if got := cfg.Negotiation.Probe.GetInterval(); got != 100*time.Millisecond {
		t.Errorf("expected negotiation interval 100ms, got %s", got)
	}
	if cfg.Benchmark.Probe.Attempts != 100 {
		t.Errorf("expected benchmark attempts 100, got %d", cfg.Benchmark.Probe.Attempts)
	}
	if got := cfg.Timeouts.GetCompanionSettle(); got != 500*time.Millisecond {
		t.Errorf("expected companion settle 500ms, got %s", got)
	}

	if !cfg.Network.OffloadDisabled() || !cfg.Network.FirewallWidened() {
		t.Error("expected offload tweaks and firewall widening on by default")
	}
	if !cfg.VM.ResumesAfterRestore() {
		t.Error("expected resume after restore on by default")
	}
	if cfg.Negotiation.VerifyRestore {
		t.Error("expected verify_restore off by default")
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}

	errMsg := err.Error()
	if !strings.Contains(errMsg, "/nonexistent/path/config.json") {
		t.Errorf("error should mention config file path, got: %s", errMsg)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error should wrap os.ErrNotExist, got: %v", err)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Setenv(ConfigEnvVar, filepath.Join(t.TempDir(), "absent.json"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for explicitly named missing file")
	}
}

func TestLoadFrom_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte("{invalid json}"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("error should mention parse failure, got: %s", err.Error())
	}
}

func TestLoadFrom_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	offload := false
	cfg := map[string]any{
		"paths": map[string]any{
			"work_dir": filepath.Join(tmpDir, "ws"),
			"kernel":   "/srv/vmlinux",
			"image":    "/srv/rootfs.ext4",
		},
		"network": map[string]any{
			"tap":             "tap_bench",
			"disable_offload": offload,
		},
		"vm": map[string]any{
			"rootfs": "disk",
		},
		"strategies": []map[string]any{
			{"name": "Only", "cpus": "boot=2"},
		},
		"negotiation": map[string]any{
			"verify_restore": true,
			"probe": map[string]any{
				"attempts": 10,
			},
		},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigEnvVar, configPath)
	loaded, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loaded.Network.Tap != "tap_bench" {
		t.Errorf("expected tap tap_bench, got %s", loaded.Network.Tap)
	}
	if loaded.Network.OffloadDisabled() {
		t.Error("expected explicit disable_offload=false to be honored")
	}
	if loaded.VM.UsesCompanion() {
		t.Error("expected disk rootfs to run without companion")
	}
	if len(loaded.Strategies) != 1 || loaded.Strategies[0].CPUs != "boot=2" {
		t.Errorf("unexpected strategies %+v", loaded.Strategies)
	}
	if !loaded.Negotiation.VerifyRestore {
		t.Error("expected verify_restore true")
	}
	// Partially specified budget is completed from defaults.
	if loaded.Negotiation.Probe.Attempts != 10 {
		t.Errorf("expected attempts 10, got %d", loaded.Negotiation.Probe.Attempts)
	}
	if loaded.Negotiation.Probe.Interval != "100ms" {
		t.Errorf("expected default interval 100ms, got %s", loaded.Negotiation.Probe.Interval)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Paths: PathsConfig{
			Kernel: "/custom/vmlinux",
		},
	}

	cfg.applyDefaults()

	if cfg.Paths.Kernel != "/custom/vmlinux" {
		t.Errorf("expected custom kernel preserved, got %s", cfg.Paths.Kernel)
	}
	if cfg.Paths.Image != "rootfs.ext4" {
		t.Errorf("expected default image, got %s", cfg.Paths.Image)
	}
	if cfg.Paths.StateDB != "" {
		t.Errorf("expected state_db left empty, got %s", cfg.Paths.StateDB)
	}
	if cfg.VM.RootFS != RootFSVirtiofs {
		t.Errorf("expected default rootfs %s, got %s", RootFSVirtiofs, cfg.VM.RootFS)
	}
	if len(cfg.Strategies) != 3 {
		t.Errorf("expected default strategies, got %d", len(cfg.Strategies))
	}
	if cfg.Timeouts.StopGrace != "2s" {
		t.Errorf("expected default stop grace 2s, got %s", cfg.Timeouts.StopGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
