// Package config holds the handful of values the supervisor and worker
// binaries accept as flags, kept separate from cmd/ so both binaries
// (and tests) can share the same defaults (spec.md section 6).
package config

import (
	"time"

	"github.com/socketry/async-container-supervisor/internal/monitor"
)

// Supervisor holds the supervisor binary's bootstrap configuration.
type Supervisor struct {
	SocketPath        string
	ListenOnLocalhost bool
	ReadinessFilePath string

	Debug   bool
	SentryDSN string
	Release string

	MemoryCheckInterval time.Duration
	MemoryRSSLimitMB    float64
	HealthCheckInterval time.Duration

	// MemorySampleDuration, if positive, enables the pre-kill
	// "memory_sample" call MemoryMonitor issues on every connection bound
	// to an offending pid before signaling it (spec.md 4.7). Zero
	// disables the pre-kill sample entirely.
	MemorySampleDuration time.Duration
	MemorySampleTimeout  time.Duration
}

// MemorySampleOptions builds the *monitor.SampleOptions NewMemoryMonitor
// expects, or nil if the pre-kill sample is disabled.
func (s Supervisor) MemorySampleOptions() *monitor.SampleOptions {
	if s.MemorySampleDuration <= 0 {
		return nil
	}
	return &monitor.SampleOptions{
		Duration: s.MemorySampleDuration,
		Timeout:  s.MemorySampleTimeout,
	}
}

// DefaultSupervisor mirrors spec.md's stated defaults: a relative
// socket path and no localhost fallback unless asked for.
func DefaultSupervisor() Supervisor {
	return Supervisor{
		SocketPath:          "supervisor.ipc",
		ReadinessFilePath:   "supervisor.json",
		MemoryCheckInterval: 5 * time.Second,
		MemoryRSSLimitMB:    0, // disabled unless set explicitly
		HealthCheckInterval: 10 * time.Second,
	}
}

// Worker holds the worker binary's bootstrap configuration.
type Worker struct {
	SocketPath string
	ProcessID  int

	Debug     bool
	SentryDSN string
	Release   string
}

func DefaultWorker() Worker {
	return Worker{
		SocketPath: "supervisor.ipc",
	}
}
