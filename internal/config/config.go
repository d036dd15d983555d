// Package config provides centralized configuration management for chsnapstart.
// Configuration is loaded from a JSON file at /etc/chsnapstart/config.json
// (overridable via CHSNAPSTART_CONFIG environment variable or --config).
//
// A loaded Config is a plain value. It is constructed once per run and passed
// into the orchestrator; nothing in the module reads it from a global.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/chsnapstart/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "CHSNAPSTART_CONFIG"
)

// Root filesystem delivery modes.
const (
	// RootFSVirtiofs shares the mounted image through a virtiofsd companion.
	RootFSVirtiofs = "virtiofs"
	// RootFSDisk attaches the image as a virtio-blk disk; no companion runs.
	RootFSDisk = "disk"
)

// Config is the root configuration structure
type Config struct {
	Paths       PathsConfig       `json:"paths"`
	Network     NetworkConfig     `json:"network"`
	VM          VMConfig          `json:"vm"`
	Strategies  []Strategy        `json:"strategies"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Benchmark   BenchmarkConfig   `json:"benchmark"`
	Timeouts    TimeoutsConfig    `json:"timeouts"`
}

// PathsConfig defines input artifacts, binaries and output locations.
type PathsConfig struct {
	WorkDir         string `json:"work_dir"`         // Private workspace, recreated each run
	Kernel          string `json:"kernel"`           // Source kernel image (never modified)
	Image           string `json:"image"`            // Source guest filesystem image (never modified)
	CloudHypervisor string `json:"cloud_hypervisor"` // Hypervisor binary (auto-discovered if empty)
	Virtiofsd       string `json:"virtiofsd"`        // Companion binary (auto-discovered if empty)
	StateDB         string `json:"state_db"`         // Run history database, empty disables history
	MetricsFile     string `json:"metrics_file"`     // Prometheus textfile output, empty disables export
}

// NetworkConfig describes the host/guest link shared by every trial and pass.
type NetworkConfig struct {
	Tap            string `json:"tap"`             // Host-side tap name, reused by name across trials
	HostIP         string `json:"host_ip"`         // Address assigned to the tap
	HostMAC        string `json:"host_mac"`        // Hardware address assigned to the tap
	GuestIP        string `json:"guest_ip"`        // Address configured inside the guest
	GuestMAC       string `json:"guest_mac"`       // Hardware address of the guest NIC
	PrefixLen      int    `json:"prefix_len"`      // Prefix length of both addresses
	AgentPort      int    `json:"agent_port"`      // Guest agent TCP port
	DisableOffload *bool  `json:"disable_offload"` // Turn off checksum/segmentation offload on the tap
	WidenFirewall  *bool  `json:"widen_firewall"`  // Install an accept rule for traffic from the tap
}

// VMConfig holds hypervisor launch parameters.
type VMConfig struct {
	Memory               string `json:"memory"`                 // --memory size=...
	Cmdline              string `json:"cmdline"`                // Kernel command line for boot launches
	RootFS               string `json:"rootfs"`                 // "virtiofs" or "disk"
	FSTag                string `json:"fs_tag"`                 // virtio-fs tag
	FSQueues             int    `json:"fs_queues"`              // virtio-fs num_queues
	FSQueueSize          int    `json:"fs_queue_size"`          // virtio-fs queue_size
	DefaultCPUs          string `json:"default_cpus"`           // Feature parameter for the BOOT fallback
	ResumeAfterRestore   *bool  `json:"resume_after_restore"`   // Issue vm.resume after a restore launch
	MinHypervisorVersion string `json:"min_hypervisor_version"` // Empty disables the version gate
}

// Strategy is one candidate CPU/feature configuration. The declared order of
// Config.Strategies is the priority order, most featureful first.
type Strategy struct {
	Name string `json:"name"`
	CPUs string `json:"cpus"`
}

// BudgetConfig is a bounded readiness polling budget.
type BudgetConfig struct {
	Attempts    int    `json:"attempts"`
	Interval    string `json:"interval"`
	DialTimeout string `json:"dial_timeout"`
}

// GetInterval returns the polling interval as a time.Duration.
func (b *BudgetConfig) GetInterval() time.Duration {
	return mustParseDuration(b.Interval)
}

// GetDialTimeout returns the per-attempt dial timeout as a time.Duration.
func (b *BudgetConfig) GetDialTimeout() time.Duration {
	return mustParseDuration(b.DialTimeout)
}

// NegotiationConfig controls the strategy search.
type NegotiationConfig struct {
	Probe BudgetConfig `json:"probe"`

	// VerifyRestore adds a restore+readiness check to every trial before a
	// strategy is allowed to win.
	VerifyRestore bool `json:"verify_restore"`

	// TrialCooldown is the pause after a trial's teardown before the next
	// trial reuses the same link and socket names.
	TrialCooldown string `json:"trial_cooldown"`
}

// GetTrialCooldown returns the trial cooldown as a time.Duration.
func (n *NegotiationConfig) GetTrialCooldown() time.Duration {
	return mustParseDuration(n.TrialCooldown)
}

// BenchmarkConfig controls the measurement passes.
type BenchmarkConfig struct {
	Probe  BudgetConfig `json:"probe"`
	Passes []string     `json:"passes"` // Labels of the two passes, run in order with the same strategy
}

// TimeoutsConfig defines timeout durations for various lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// CompanionSettle is how long to wait after starting virtiofsd before
	// starting the hypervisor. Default: 500ms.
	CompanionSettle string `json:"companion_settle"`

	// APISocket bounds the wait for the control socket to appear. Default: 5s.
	APISocket string `json:"api_socket"`

	// ControlRequest bounds a single control-channel request. Snapshots of
	// large guests may need more. Default: 30s.
	ControlRequest string `json:"control_request"`

	// StopGrace is how long a process gets after SIGTERM before SIGKILL. Default: 2s.
	StopGrace string `json:"stop_grace"`

	// AgentRequest bounds the synthetic request sent to the guest agent. Default: 2s.
	AgentRequest string `json:"agent_request"`
}

// GetCompanionSettle returns the companion settle delay as a time.Duration.
func (t *TimeoutsConfig) GetCompanionSettle() time.Duration {
	return mustParseDuration(t.CompanionSettle)
}

// GetAPISocket returns the control socket wait as a time.Duration.
func (t *TimeoutsConfig) GetAPISocket() time.Duration {
	return mustParseDuration(t.APISocket)
}

// GetControlRequest returns the control request timeout as a time.Duration.
func (t *TimeoutsConfig) GetControlRequest() time.Duration {
	return mustParseDuration(t.ControlRequest)
}

// GetStopGrace returns the stop grace period as a time.Duration.
func (t *TimeoutsConfig) GetStopGrace() time.Duration {
	return mustParseDuration(t.StopGrace)
}

// GetAgentRequest returns the agent request timeout as a time.Duration.
func (t *TimeoutsConfig) GetAgentRequest() time.Duration {
	return mustParseDuration(t.AgentRequest)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// OffloadDisabled reports whether tap offloads should be turned off.
func (n NetworkConfig) OffloadDisabled() bool {
	return n.DisableOffload == nil || *n.DisableOffload
}

// FirewallWidened reports whether an accept rule should be installed for the tap.
func (n NetworkConfig) FirewallWidened() bool {
	return n.WidenFirewall == nil || *n.WidenFirewall
}

// ResumesAfterRestore reports whether a restored VM is resumed right after launch.
func (v VMConfig) ResumesAfterRestore() bool {
	return v.ResumeAfterRestore == nil || *v.ResumeAfterRestore
}

// UsesCompanion reports whether the rootfs is delivered by virtiofsd.
func (v VMConfig) UsesCompanion() bool {
	return v.RootFS == RootFSVirtiofs
}

// Load loads configuration from CHSNAPSTART_CONFIG or /etc/chsnapstart/config.json.
// A missing file at the default location yields DefaultConfig; a missing
// file that was asked for explicitly is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		cfg, err := LoadFrom(DefaultConfigPath)
		if errors.Is(err, os.ErrNotExist) {
			cfg = DefaultConfig()
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (set %s or pass --config): %w", path, ConfigEnvVar, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	// Apply defaults for empty fields
	cfg.applyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Paths: PathsConfig{
			WorkDir:         "chsnapstart_workspace",
			Kernel:          "vmlinux",
			Image:           "rootfs.ext4",
			CloudHypervisor: "", // Auto-discovered
			Virtiofsd:       "", // Auto-discovered
			StateDB:         "/var/lib/chsnapstart/history.db",
			MetricsFile:     "",
		},
		Network: NetworkConfig{
			Tap:       "tap_snap",
			HostIP:    "172.16.0.1",
			HostMAC:   "aa:fc:00:00:00:fe",
			GuestIP:   "172.16.0.2",
			GuestMAC:  "aa:fc:00:00:00:01",
			PrefixLen: 24,
			AgentPort: 8000,
		},
		VM: VMConfig{
			Memory:      "512M",
			Cmdline:     "console=ttyAMA0 reboot=k panic=1 rw quiet",
			RootFS:      RootFSVirtiofs,
			FSTag:       "myfs",
			FSQueues:    1,
			FSQueueSize: 1024,
			DefaultCPUs: "boot=1",
		},
		Strategies: []Strategy{
			{Name: "Standard", CPUs: "boot=1"},
			{Name: "No-PMU", CPUs: "boot=1,pmu=off"},
			{Name: "Aggressive", CPUs: "boot=1,pmu=off,sve=off"},
		},
		Negotiation: NegotiationConfig{
			Probe: BudgetConfig{
				Attempts:    50,
				Interval:    "100ms",
				DialTimeout: "100ms",
			},
			TrialCooldown: "500ms",
		},
		Benchmark: BenchmarkConfig{
			Probe: BudgetConfig{
				Attempts:    100,
				Interval:    "50ms",
				DialTimeout: "50ms",
			},
			Passes: []string{"cold", "warm"},
		},
		Timeouts: TimeoutsConfig{
			CompanionSettle: "500ms",
			APISocket:       "5s",
			ControlRequest:  "30s",
			StopGrace:       "2s",
			AgentRequest:    "2s",
		},
	}
	return cfg
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyNetworkDefaults(defaults)
	c.applyVMDefaults(defaults)
	c.applyNegotiationDefaults(defaults)
	c.applyBenchmarkDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = defaults.Paths.WorkDir
	}
	if c.Paths.Kernel == "" {
		c.Paths.Kernel = defaults.Paths.Kernel
	}
	if c.Paths.Image == "" {
		c.Paths.Image = defaults.Paths.Image
	}
	// Binaries stay empty for auto-discovery; StateDB and MetricsFile stay
	// empty when the file explicitly disables them.
}

func (c *Config) applyNetworkDefaults(defaults *Config) {
	n, d := &c.Network, defaults.Network
	if n.Tap == "" {
		n.Tap = d.Tap
	}
	if n.HostIP == "" {
		n.HostIP = d.HostIP
	}
	if n.HostMAC == "" {
		n.HostMAC = d.HostMAC
	}
	if n.GuestIP == "" {
		n.GuestIP = d.GuestIP
	}
	if n.GuestMAC == "" {
		n.GuestMAC = d.GuestMAC
	}
	if n.PrefixLen == 0 {
		n.PrefixLen = d.PrefixLen
	}
	if n.AgentPort == 0 {
		n.AgentPort = d.AgentPort
	}
}

func (c *Config) applyVMDefaults(defaults *Config) {
	v, d := &c.VM, defaults.VM
	if v.Memory == "" {
		v.Memory = d.Memory
	}
	if v.Cmdline == "" {
		v.Cmdline = d.Cmdline
	}
	if v.RootFS == "" {
		v.RootFS = d.RootFS
	}
	if v.FSTag == "" {
		v.FSTag = d.FSTag
	}
	if v.FSQueues == 0 {
		v.FSQueues = d.FSQueues
	}
	if v.FSQueueSize == 0 {
		v.FSQueueSize = d.FSQueueSize
	}
	if v.DefaultCPUs == "" {
		v.DefaultCPUs = d.DefaultCPUs
	}
	if len(c.Strategies) == 0 {
		c.Strategies = defaults.Strategies
	}
}

func applyBudgetDefaults(b *BudgetConfig, d BudgetConfig) {
	if b.Attempts == 0 {
		b.Attempts = d.Attempts
	}
	if b.Interval == "" {
		b.Interval = d.Interval
	}
	if b.DialTimeout == "" {
		b.DialTimeout = d.DialTimeout
	}
}

func (c *Config) applyNegotiationDefaults(defaults *Config) {
	applyBudgetDefaults(&c.Negotiation.Probe, defaults.Negotiation.Probe)
	if c.Negotiation.TrialCooldown == "" {
		c.Negotiation.TrialCooldown = defaults.Negotiation.TrialCooldown
	}
}

func (c *Config) applyBenchmarkDefaults(defaults *Config) {
	applyBudgetDefaults(&c.Benchmark.Probe, defaults.Benchmark.Probe)
	if len(c.Benchmark.Passes) == 0 {
		c.Benchmark.Passes = defaults.Benchmark.Passes
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	t, d := &c.Timeouts, defaults.Timeouts
	if t.CompanionSettle == "" {
		t.CompanionSettle = d.CompanionSettle
	}
	if t.APISocket == "" {
		t.APISocket = d.APISocket
	}
	if t.ControlRequest == "" {
		t.ControlRequest = d.ControlRequest
	}
	if t.StopGrace == "" {
		t.StopGrace = d.StopGrace
	}
	if t.AgentRequest == "" {
		t.AgentRequest = d.AgentRequest
	}
}
