package negotiate

import (
	"context"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

// Stage is the furthest point a trial reached.
type Stage string

const (
	StageIdle            Stage = "idle"
	StageNetworkUp       Stage = "network-up"
	StageVMLaunched      Stage = "vm-launched"
	StageAgentPolling    Stage = "agent-polling"
	StageAgentReady      Stage = "agent-ready"
	StagePaused          Stage = "paused"
	StageSnapshotted     Stage = "snapshotted"
	StageRestoreVerified Stage = "restore-verified"
)

// Result is how a trial ended.
type Result string

const (
	ResultSuccess        Result = "success"
	ResultNetworkFailed  Result = "network-failed"
	ResultLaunchFailed   Result = "launch-failed"
	ResultAgentTimeout   Result = "agent-timeout"
	ResultPauseFailed    Result = "pause-failed"
	ResultSnapshotFailed Result = "snapshot-failed"
	ResultVerifyFailed   Result = "verify-failed"
	ResultTeardownFailed Result = "teardown-failed"
	ResultCanceled       Result = "canceled"
)

// Trial records one strategy attempt.
type Trial struct {
	Strategy config.Strategy `json:"strategy"`
	Stage    Stage           `json:"stage"`
	Result   Result          `json:"result"`
	Err      error           `json:"-"`
	Elapsed  time.Duration   `json:"elapsed"`
	Snapshot string          `json:"snapshot,omitempty"`
}

// ErrText returns the failure text, empty on success. Trial is not an
// error itself.
func (t Trial) ErrText() string {
	if t.Err == nil {
		return ""
	}
	return t.Err.Error()
}

func (t *Trial) enter(ctx context.Context, s Stage) {
	t.Stage = s
	log.G(ctx).WithFields(log.Fields{
		"strategy": t.Strategy.Name,
		"stage":    s,
	}).Debug("trial stage")
}
