package cloudhypervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"
	"github.com/hashicorp/go-version"
)

// ProbeVersion runs "<binary> --version" and returns the reported version.
func ProbeVersion(ctx context.Context, binary string) (*version.Version, error) {
	//nolint:gosec // binary comes from the run configuration or PATH discovery.
	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("run %s --version: %w", binary, err)
	}
	return parseVersion(string(out))
}

// parseVersion extracts the version from output like "cloud-hypervisor v40.0.0".
func parseVersion(output string) (*version.Version, error) {
	fields := strings.Fields(output)
	for i := len(fields) - 1; i >= 0; i-- {
		if v, err := version.NewVersion(fields[i]); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("could not parse cloud-hypervisor version from %q", strings.TrimSpace(output))
}

// EnsureMinimumVersion fails when binary is older than minimum. An empty
// minimum disables the check: the version is then informational only, and
// failing to determine it is logged and returns "".
func EnsureMinimumVersion(ctx context.Context, binary, minimum string) (string, error) {
	current, err := ProbeVersion(ctx, binary)
	if err != nil {
		if minimum == "" {
			log.G(ctx).WithError(err).WithField("binary", binary).Warn("could not determine cloud-hypervisor version")
			return "", nil
		}
		return "", err
	}
	if minimum == "" {
		return current.Original(), nil
	}
	return current.Original(), checkMinimum(current, minimum)
}

func checkMinimum(current *version.Version, minimum string) error {
	min, err := version.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum cloud-hypervisor version %q: %w", minimum, err)
	}
	if current.LessThan(min) {
		return fmt.Errorf("cloud-hypervisor version %s is older than supported minimum %s", current.Original(), min.Original())
	}
	return nil
}
