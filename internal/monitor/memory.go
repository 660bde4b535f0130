package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/rpc"
	"github.com/socketry/async-container-supervisor/internal/sysprocess"
)

// SampleOptions configures the diagnostic "memory_sample" call the
// MemoryMonitor issues against every connection bound to an offending
// pid before signaling it, per spec.md 4.7.
type SampleOptions struct {
	// Duration is the sampling window requested from the worker.
	Duration time.Duration
	// Timeout bounds how long the monitor waits for the sample call to
	// finish before giving up and signaling anyway.
	Timeout time.Duration
}

// MemoryMonitor is the canonical Monitor: it tracks one OS process per
// registered connection (keyed by the connection's "process_id" state),
// periodically asks its ProcessCluster which tracked pids exceed their
// RSS threshold, and signals the offending pid once confirmed. Grounded
// on core/internal/monitor/memory.go's periodic-check loop, generalized
// from "record into a metrics buffer" to "record, then act on a
// threshold breach," and on core/internal/monitor/monitor.go's
// register/remove bookkeeping around connection lifecycle.
type MemoryMonitor struct {
	interval time.Duration
	cluster  ProcessCluster

	sampleOpts *SampleOptions

	mu sync.Mutex
	// processes maps a tracked pid to the set of connections registered
	// under it. Go's preemptive scheduler means Register/Remove/Run can
	// race, so this map is always touched under mu (spec.md 5).
	processes map[int32]map[*rpc.Connection]struct{}
}

// NewMemoryMonitor constructs a MemoryMonitor. sampleOpts may be nil to
// skip the diagnostic sample-before-kill step.
func NewMemoryMonitor(interval time.Duration, cluster ProcessCluster, sampleOpts *SampleOptions) *MemoryMonitor {
	return &MemoryMonitor{
		interval:   interval,
		cluster:    cluster,
		sampleOpts: sampleOpts,
		processes:  make(map[int32]map[*rpc.Connection]struct{}),
	}
}

func (m *MemoryMonitor) Name() string { return "memory" }

// pidOf extracts the registered process id from a connection's state.
// Connections that never registered a process_id are not memory-
// tracked at all (spec.md 4.7).
func pidOf(c *rpc.Connection) (int32, bool) {
	v, ok := c.State("process_id")
	if !ok {
		return 0, false
	}
	switch pid := v.(type) {
	case int32:
		return pid, true
	case int:
		return int32(pid), true
	case int64:
		return int32(pid), true
	case float64:
		// JSON numbers decode to float64 when the worker's "register"
		// payload round-trips through Frame.Unmarshal into a bare map.
		return int32(pid), true
	default:
		return 0, false
	}
}

func (m *MemoryMonitor) Register(c *rpc.Connection) {
	pid, ok := pidOf(c)
	if !ok {
		return
	}

	m.mu.Lock()
	set, exists := m.processes[pid]
	if !exists {
		set = make(map[*rpc.Connection]struct{})
		m.processes[pid] = set
	}
	set[c] = struct{}{}
	if !exists {
		m.cluster.Add(pid, AddOptions{})
	}
	m.mu.Unlock()
}

func (m *MemoryMonitor) Remove(c *rpc.Connection) {
	pid, ok := pidOf(c)
	if !ok {
		return
	}

	m.mu.Lock()
	set, exists := m.processes[pid]
	if exists {
		delete(set, c)
		if len(set) == 0 {
			delete(m.processes, pid)
			m.cluster.Remove(pid)
		}
	}
	m.mu.Unlock()
}

// Status reports the number of tracked processes and connections as an
// intermediate frame on a "status" call (spec.md 4.5).
func (m *MemoryMonitor) Status(cl *call.Call) {
	m.mu.Lock()
	processCount := len(m.processes)
	connCount := 0
	for _, set := range m.processes {
		connCount += len(set)
	}
	m.mu.Unlock()

	_ = cl.PushValue(map[string]any{
		"monitor":       m.Name(),
		"tracked_pids":  processCount,
		"tracked_conns": connCount,
	})
}

// Run polls the cluster on interval until ctx is done, per spec.md 4.7.
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *MemoryMonitor) checkOnce(ctx context.Context) {
	m.cluster.Check(func(pid int32) bool {
		return m.handleOffender(ctx, pid)
	})
}

// handleOffender optionally samples every connection bound to pid for
// diagnostics, then signals the process. It returns true to tell the
// cluster the pid is confirmed handled and can stop being tracked.
func (m *MemoryMonitor) handleOffender(ctx context.Context, pid int32) bool {
	m.mu.Lock()
	conns := make([]*rpc.Connection, 0, len(m.processes[pid]))
	for c := range m.processes[pid] {
		conns = append(conns, c)
	}
	delete(m.processes, pid)
	m.mu.Unlock()

	if m.sampleOpts != nil {
		for _, c := range conns {
			m.sampleBeforeKill(ctx, c)
		}
	}

	sig := sysprocess.ParseSignal("")
	if err := sysprocess.Signal(int(pid), sig); err != nil {
		// The process may have already exited between Check's sample
		// and this signal; that's a confirmed-handled outcome either
		// way, not a retry case.
		return true
	}
	return true
}

func (m *MemoryMonitor) sampleBeforeKill(ctx context.Context, c *rpc.Connection) {
	timeout := m.sampleOpts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Best-effort: a sample failure (peer already gone, timeout) must
	// never block the kill signal that follows.
	_, _ = c.Call(ctx, "memory_sample", map[string]any{
		"duration": m.sampleOpts.Duration.Seconds(),
	}, timeout)
}
