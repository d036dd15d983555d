package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	goversion "github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
//
// Validation is structural: input artifacts are checked for existence by the
// run preflight, which classifies a missing kernel or image as a resource
// error rather than a configuration error.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.validateVM(); err != nil {
		return fmt.Errorf("vm: %w", err)
	}
	if err := c.validateStrategies(); err != nil {
		return fmt.Errorf("strategies: %w", err)
	}
	if err := validateBudget(&c.Negotiation.Probe, "negotiation.probe"); err != nil {
		return err
	}
	if err := validateDuration("negotiation.trial_cooldown", c.Negotiation.TrialCooldown, true); err != nil {
		return err
	}
	if err := validateBudget(&c.Benchmark.Probe, "benchmark.probe"); err != nil {
		return err
	}
	if len(c.Benchmark.Passes) != 2 {
		return fmt.Errorf("benchmark.passes: exactly two passes (cold, warm) are required, got %d", len(c.Benchmark.Passes))
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}
	if abs, err := filepath.Abs(c.Paths.WorkDir); err == nil && filepath.Dir(abs) == abs {
		return fmt.Errorf("work_dir cannot be the filesystem root")
	}
	if c.Paths.Kernel == "" {
		return fmt.Errorf("kernel cannot be empty")
	}
	if c.Paths.Image == "" {
		return fmt.Errorf("image cannot be empty")
	}
	if c.Paths.CloudHypervisor != "" {
		if err := validateExecutable(c.Paths.CloudHypervisor, "cloud_hypervisor"); err != nil {
			return err
		}
	}
	if c.Paths.Virtiofsd != "" {
		if err := validateExecutable(c.Paths.Virtiofsd, "virtiofsd"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNetwork() error {
	n := c.Network
	if n.Tap == "" {
		return fmt.Errorf("tap cannot be empty")
	}
	// IFNAMSIZ includes the trailing NUL.
	if len(n.Tap) >= unix.IFNAMSIZ {
		return fmt.Errorf("tap: name %q longer than %d characters", n.Tap, unix.IFNAMSIZ-1)
	}
	for name, val := range map[string]string{
		"host_ip":  n.HostIP,
		"guest_ip": n.GuestIP,
	} {
		if ip := net.ParseIP(val); ip == nil || ip.To4() == nil {
			return fmt.Errorf("%s: invalid IPv4 address %q", name, val)
		}
	}
	if n.HostIP == n.GuestIP {
		return fmt.Errorf("host_ip and guest_ip must differ, both are %s", n.HostIP)
	}
	for name, val := range map[string]string{
		"host_mac":  n.HostMAC,
		"guest_mac": n.GuestMAC,
	} {
		if _, err := net.ParseMAC(val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if n.PrefixLen <= 0 || n.PrefixLen > 32 {
		return fmt.Errorf("prefix_len: must be 1-32, got %d", n.PrefixLen)
	}
	if n.AgentPort <= 0 || n.AgentPort > 65535 {
		return fmt.Errorf("agent_port: must be 1-65535, got %d", n.AgentPort)
	}
	return nil
}

func (c *Config) validateVM() error {
	v := c.VM
	if v.Memory == "" {
		return fmt.Errorf("memory cannot be empty")
	}
	switch v.RootFS {
	case RootFSVirtiofs, RootFSDisk:
	default:
		return fmt.Errorf("rootfs must be %q or %q, got %q", RootFSVirtiofs, RootFSDisk, v.RootFS)
	}
	if v.UsesCompanion() && v.FSTag == "" {
		return fmt.Errorf("fs_tag cannot be empty with rootfs %q", RootFSVirtiofs)
	}
	if v.FSQueues <= 0 {
		return fmt.Errorf("fs_queues: must be > 0, got %d", v.FSQueues)
	}
	if v.FSQueueSize <= 0 || v.FSQueueSize&(v.FSQueueSize-1) != 0 {
		return fmt.Errorf("fs_queue_size: must be a power of two, got %d", v.FSQueueSize)
	}
	if v.DefaultCPUs == "" {
		return fmt.Errorf("default_cpus cannot be empty")
	}
	if v.MinHypervisorVersion != "" {
		if _, err := goversion.NewVersion(v.MinHypervisorVersion); err != nil {
			return fmt.Errorf("min_hypervisor_version: %w", err)
		}
	}
	return nil
}

func (c *Config) validateStrategies() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]struct{}, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("[%d]: name cannot be empty", i)
		}
		if s.CPUs == "" {
			return fmt.Errorf("%s: cpus cannot be empty", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%s: duplicate strategy name", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"companion_settle": c.Timeouts.CompanionSettle,
		"api_socket":       c.Timeouts.APISocket,
		"control_request":  c.Timeouts.ControlRequest,
		"stop_grace":       c.Timeouts.StopGrace,
		"agent_request":    c.Timeouts.AgentRequest,
	}

	for name, val := range fields {
		if err := validateDuration(name, val, false); err != nil {
			return err
		}
	}
	return nil
}

func validateBudget(b *BudgetConfig, prefix string) error {
	if b.Attempts <= 0 {
		return fmt.Errorf("%s.attempts: must be > 0, got %d", prefix, b.Attempts)
	}
	if err := validateDuration(prefix+".interval", b.Interval, false); err != nil {
		return err
	}
	return validateDuration(prefix+".dial_timeout", b.DialTimeout, false)
}

func validateDuration(name, val string, allowZero bool) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", name, val)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s: must be positive, got %s", name, d)
	}
	if d > time.Hour {
		return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
