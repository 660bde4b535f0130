package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/rpc"
)

// HealthMonitor is a supplemented Monitor (not named in the distilled
// protocol spec, but implied by its general "pluggable monitor" shape,
// spec.md 4.7): it only checks liveness, never signals, and exists to
// exercise the Monitor interface with a second independent
// implementation, proving monitors don't interfere with each other.
//
// Where MemoryMonitor kills offending processes, HealthMonitor forgets
// about ones that are already gone and closes their connection, so a
// crashed worker's connection stops being counted toward fleet size even
// if its own Connection.Serve loop hasn't noticed the pipe break yet.
type HealthMonitor struct {
	interval time.Duration

	mu    sync.Mutex
	byPID map[int32]*rpc.Connection
}

// NewHealthMonitor constructs a HealthMonitor polling every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		interval: interval,
		byPID:    make(map[int32]*rpc.Connection),
	}
}

func (h *HealthMonitor) Name() string { return "health" }

func (h *HealthMonitor) Register(c *rpc.Connection) {
	pid, ok := pidOf(c)
	if !ok {
		return
	}
	h.mu.Lock()
	h.byPID[pid] = c
	h.mu.Unlock()
}

func (h *HealthMonitor) Remove(c *rpc.Connection) {
	pid, ok := pidOf(c)
	if !ok {
		return
	}
	h.mu.Lock()
	if h.byPID[pid] == c {
		delete(h.byPID, pid)
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) Status(cl *call.Call) {
	h.mu.Lock()
	count := len(h.byPID)
	h.mu.Unlock()

	payload := map[string]any{
		"monitor":       h.Name(),
		"tracked_procs": count,
	}
	if pct, err := systemMemoryPercent(); err == nil {
		payload["system_memory_percent"] = pct
	}

	_ = cl.PushValue(payload)
}

func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep drops any tracked pid that no longer corresponds to a live
// process, closing its connection so the supervisor's accept-side
// bookkeeping converges promptly instead of waiting on a read error.
func (h *HealthMonitor) sweep() {
	h.mu.Lock()
	dead := make([]int32, 0)
	for pid := range h.byPID {
		alive, err := process.PidExists(pid)
		if err != nil || !alive {
			dead = append(dead, pid)
		}
	}
	var conns []*rpc.Connection
	for _, pid := range dead {
		if c, ok := h.byPID[pid]; ok {
			conns = append(conns, c)
			delete(h.byPID, pid)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
