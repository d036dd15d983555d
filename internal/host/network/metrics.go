package network

import (
	"sync/atomic"
	"time"
)

// Metrics tracks link operation statistics.
// All fields are safe for concurrent access.
type Metrics struct {
	// Setup metrics
	SetupAttempts  atomic.Int64
	SetupSuccesses atomic.Int64
	SetupFailures  atomic.Int64
	StaleLinks     atomic.Int64

	// Teardown metrics
	TeardownAttempts  atomic.Int64
	TeardownSuccesses atomic.Int64
	TeardownFailures  atomic.Int64

	// Offload and firewall steps that failed without failing the link
	BestEffortFailures atomic.Int64

	// Timing (nanoseconds, use time.Duration for display)
	TotalSetupTimeNs    atomic.Int64
	TotalTeardownTimeNs atomic.Int64
}

// RecordSetup records a setup attempt result. stale reports that a link of
// the same name had to be removed first.
func (m *Metrics) RecordSetup(success bool, stale bool, duration time.Duration) {
	m.SetupAttempts.Add(1)
	m.TotalSetupTimeNs.Add(int64(duration))

	if success {
		m.SetupSuccesses.Add(1)
	} else {
		m.SetupFailures.Add(1)
	}
	if stale {
		m.StaleLinks.Add(1)
	}
}

// RecordTeardown records a teardown attempt result.
func (m *Metrics) RecordTeardown(success bool, duration time.Duration) {
	m.TeardownAttempts.Add(1)
	m.TotalTeardownTimeNs.Add(int64(duration))

	if success {
		m.TeardownSuccesses.Add(1)
	} else {
		m.TeardownFailures.Add(1)
	}
}

// RecordBestEffortFailure records a failed optional step.
func (m *Metrics) RecordBestEffortFailure() {
	m.BestEffortFailures.Add(1)
}

// MetricsSnapshot is a point-in-time copy of metrics values.
type MetricsSnapshot struct {
	SetupAttempts      int64
	SetupSuccesses     int64
	SetupFailures      int64
	StaleLinks         int64
	TeardownAttempts   int64
	TeardownSuccesses  int64
	TeardownFailures   int64
	BestEffortFailures int64
	AvgSetupTimeMs     float64
	AvgTeardownTimeMs  float64
}

// Snapshot returns a point-in-time copy of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	setupAttempts := m.SetupAttempts.Load()
	teardownAttempts := m.TeardownAttempts.Load()

	snap := MetricsSnapshot{
		SetupAttempts:      setupAttempts,
		SetupSuccesses:     m.SetupSuccesses.Load(),
		SetupFailures:      m.SetupFailures.Load(),
		StaleLinks:         m.StaleLinks.Load(),
		TeardownAttempts:   teardownAttempts,
		TeardownSuccesses:  m.TeardownSuccesses.Load(),
		TeardownFailures:   m.TeardownFailures.Load(),
		BestEffortFailures: m.BestEffortFailures.Load(),
	}

	if setupAttempts > 0 {
		snap.AvgSetupTimeMs = float64(m.TotalSetupTimeNs.Load()) / float64(setupAttempts) / 1e6
	}
	if teardownAttempts > 0 {
		snap.AvgTeardownTimeMs = float64(m.TotalTeardownTimeNs.Load()) / float64(teardownAttempts) / 1e6
	}

	return snap
}
