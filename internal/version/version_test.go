package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	b := Current()
	if b.Version != "dev" {
		t.Errorf("Current().Version = %q, want %q", b.Version, "dev")
	}
	if b.GoVersion != runtime.Version() {
		t.Errorf("Current().GoVersion = %q, want %q", b.GoVersion, runtime.Version())
	}
}

func TestInfo(t *testing.T) {
	info := Info()

	for _, want := range []string{"chsnapstart", Version, GitCommit, BuildDate, "go"} {
		if !strings.Contains(info, want) {
			t.Errorf("Info() = %q, should contain %q", info, want)
		}
	}
}
