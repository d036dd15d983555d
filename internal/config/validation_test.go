//go:build linux

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCanonicalizePath(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, tmpDir string) (path string, want string)
		wantErr bool
	}{
		{
			name: "cleans dot-dot paths",
			setup: func(t *testing.T, tmpDir string) (string, string) {
				subDir := filepath.Join(tmpDir, "subdir")
				if err := os.MkdirAll(subDir, 0750); err != nil {
					t.Fatal(err)
				}
				return filepath.Join(subDir, "..", "subdir"), subDir
			},
		},
		{
			name: "resolves symlinks",
			setup: func(t *testing.T, tmpDir string) (string, string) {
				realDir := filepath.Join(tmpDir, "realdir")
				if err := os.MkdirAll(realDir, 0750); err != nil {
					t.Fatal(err)
				}
				symlinkPath := filepath.Join(tmpDir, "linkdir")
				if err := os.Symlink(realDir, symlinkPath); err != nil {
					t.Fatal(err)
				}
				return symlinkPath, realDir
			},
		},
		{
			name: "keeps non-existent path",
			setup: func(t *testing.T, tmpDir string) (string, string) {
				nonExistent := filepath.Join(tmpDir, "does", "not", "exist")
				return nonExistent, nonExistent
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir, err := filepath.EvalSymlinks(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			path, want := tt.setup(t, tmpDir)

			got, err := canonicalizePath(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("canonicalizePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != want {
				t.Errorf("canonicalizePath() = %s, want %s", got, want)
			}
		})
	}
}

func TestValidateExecutable(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, tmpDir string) string
		wantErr string
	}{
		{
			name: "accepts executable file",
			setup: func(t *testing.T, tmpDir string) string {
				p := filepath.Join(tmpDir, "cloud-hypervisor")
				if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0755); err != nil {
					t.Fatal(err)
				}
				return p
			},
		},
		{
			name: "rejects missing file",
			setup: func(t *testing.T, tmpDir string) string {
				return filepath.Join(tmpDir, "missing")
			},
			wantErr: "file not found",
		},
		{
			name: "rejects directory",
			setup: func(t *testing.T, tmpDir string) string {
				return tmpDir
			},
			wantErr: "is a directory",
		},
		{
			name: "rejects non-executable file",
			setup: func(t *testing.T, tmpDir string) string {
				p := filepath.Join(tmpDir, "virtiofsd")
				if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
					t.Fatal(err)
				}
				return p
			},
			wantErr: "not executable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t, t.TempDir())
			err := validateExecutable(path, "binary")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty work dir",
			mutate:  func(c *Config) { c.Paths.WorkDir = "" },
			wantErr: "work_dir cannot be empty",
		},
		{
			name:    "tap name too long",
			mutate:  func(c *Config) { c.Network.Tap = "tap_name_far_too_long" },
			wantErr: "longer than",
		},
		{
			name:    "bad guest ip",
			mutate:  func(c *Config) { c.Network.GuestIP = "172.16.0" },
			wantErr: "guest_ip",
		},
		{
			name:    "same host and guest ip",
			mutate:  func(c *Config) { c.Network.GuestIP = c.Network.HostIP },
			wantErr: "must differ",
		},
		{
			name:    "bad host mac",
			mutate:  func(c *Config) { c.Network.HostMAC = "zz:00" },
			wantErr: "host_mac",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Network.AgentPort = 70000 },
			wantErr: "agent_port",
		},
		{
			name:    "unknown rootfs mode",
			mutate:  func(c *Config) { c.VM.RootFS = "nfs" },
			wantErr: "rootfs must be",
		},
		{
			name:    "queue size not power of two",
			mutate:  func(c *Config) { c.VM.FSQueueSize = 1000 },
			wantErr: "fs_queue_size",
		},
		{
			name:    "bad minimum version",
			mutate:  func(c *Config) { c.VM.MinHypervisorVersion = "not-a-version" },
			wantErr: "min_hypervisor_version",
		},
		{
			name:    "no strategies",
			mutate:  func(c *Config) { c.Strategies = nil },
			wantErr: "at least one strategy",
		},
		{
			name: "duplicate strategy",
			mutate: func(c *Config) {
				c.Strategies = append(c.Strategies, Strategy{Name: "Standard", CPUs: "boot=2"})
			},
			wantErr: "duplicate strategy name",
		},
		{
			name:    "strategy without cpus",
			mutate:  func(c *Config) { c.Strategies[0].CPUs = "" },
			wantErr: "cpus cannot be empty",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Benchmark.Probe.Attempts = 0 },
			wantErr: "benchmark.probe.attempts",
		},
		{
			name:    "bad interval",
			mutate:  func(c *Config) { c.Negotiation.Probe.Interval = "fast" },
			wantErr: "negotiation.probe.interval",
		},
		{
			name:   "zero cooldown allowed",
			mutate: func(c *Config) { c.Negotiation.TrialCooldown = "0s" },
		},
		{
			name:    "negative stop grace",
			mutate:  func(c *Config) { c.Timeouts.StopGrace = "-1s" },
			wantErr: "stop_grace",
		},
		{
			name:    "no passes",
			mutate:  func(c *Config) { c.Benchmark.Passes = nil },
			wantErr: "benchmark.passes",
		},
		{
			name:    "three passes",
			mutate:  func(c *Config) { c.Benchmark.Passes = []string{"cold", "warm", "hot"} },
			wantErr: "exactly two passes",
		},
		{
			name:    "work dir is root",
			mutate:  func(c *Config) { c.Paths.WorkDir = "/" },
			wantErr: "filesystem root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
