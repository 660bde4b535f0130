package worker

import (
	"bytes"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/rpc"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

// dumpParams is the common shape of the six diagnostic handlers
// (spec.md 4.6): "if path is supplied, write to that file and finish
// with {path}; if a log label is supplied, log the buffered contents
// and finish empty; otherwise finish with {data: <buffered bytes>}."
type dumpParams struct {
	Path string `json:"path"`
	Log  string `json:"log"`
}

// finishDump implements the common dump convention given the buffered
// bytes a handler produced. allowBuffered is false for memory_dump,
// which refuses to return a potentially huge buffer inline.
func finishDump(c *rpc.Connection, cl *call.Call, params dumpParams, buf *bytes.Buffer, allowBuffered bool) {
	switch {
	case params.Path != "":
		if err := os.WriteFile(params.Path, buf.Bytes(), 0o644); err != nil {
			cl.Fail(&wire.ErrorDetail{Class: "DumpWriteError", Message: err.Error()})
			return
		}
		_ = cl.FinishValue(map[string]any{"path": params.Path})

	case params.Log != "":
		slog.Info("worker: dump", "label", params.Log, "connection_id", c.ID(), "bytes", buf.Len(), "contents", buf.String())
		_ = cl.FinishValue(map[string]any{})

	case !allowBuffered:
		cl.Fail(&wire.ErrorDetail{
			Class:   "BufferedOutputRefused",
			Message: "this operation requires 'path' or 'log'; buffered output is too large to return inline",
		})

	default:
		_ = cl.FinishValue(map[string]any{"data": buf.String()})
	}
}

// registerDumpHandlers wires the six diagnostic operations of spec.md
// 4.6 into router, grounded on cmd/wandb_core/main.go's own use of
// runtime/pprof and runtime/trace for production diagnostics, adapted
// from one-shot CLI flags to callable RPC handlers.
func registerDumpHandlers(router *rpc.Router) {
	router.Register("scheduler_dump", handleSchedulerDump)
	router.Register("memory_dump", handleMemoryDump)
	router.Register("memory_sample", handleMemorySample)
	router.Register("thread_dump", handleThreadDump)
	router.Register("garbage_profile_start", handleGarbageProfileStart)
	router.Register("garbage_profile_stop", handleGarbageProfileStop)
}

// handleSchedulerDump reports the goroutine scheduler's state: the
// closest Go analogue to a language runtime's "scheduler dump," via
// pprof's goroutine profile in its human-readable debug=2 form (full
// stacks, one per goroutine).
func handleSchedulerDump(c *rpc.Connection, cl *call.Call) {
	var params dumpParams
	_ = cl.Message.Unmarshal(&params)

	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "DumpError", Message: err.Error()})
		return
	}

	finishDump(c, cl, params, &buf, true)
}

// handleMemoryDump writes a heap profile. Buffered mode is refused
// (spec.md 4.6: "memory_dump refuses buffered mode").
func handleMemoryDump(c *rpc.Connection, cl *call.Call) {
	var params dumpParams
	_ = cl.Message.Unmarshal(&params)

	runtime.GC()

	var buf bytes.Buffer
	if err := pprof.Lookup("heap").WriteTo(&buf, 0); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "DumpError", Message: err.Error()})
		return
	}

	finishDump(c, cl, params, &buf, false)
}

// handleThreadDump is an alias shape of scheduler_dump at a coarser
// granularity: goroutine counts and stacks without the full debug=2
// verbosity, matching "thread" more loosely than "scheduler" in a
// language without OS-thread-per-task semantics.
func handleThreadDump(c *rpc.Connection, cl *call.Call) {
	var params dumpParams
	_ = cl.Message.Unmarshal(&params)

	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 1); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "DumpError", Message: err.Error()})
		return
	}

	finishDump(c, cl, params, &buf, true)
}

// memorySampleParams additionally requires a positive duration, per
// spec.md 4.6.
type memorySampleParams struct {
	dumpParams
	Duration float64 `json:"duration"`
	Timeout  float64 `json:"timeout"`
}

// handleMemorySample samples runtime.MemStats for the requested
// duration, forces a collection, and returns a structured report
// (spec.md 4.6, 4.7: the MemoryMonitor's pre-kill diagnostic call).
func handleMemorySample(c *rpc.Connection, cl *call.Call) {
	var params memorySampleParams
	if err := cl.Message.Unmarshal(&params); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "InvalidParams", Message: err.Error()})
		return
	}
	if params.Duration <= 0 {
		cl.Fail(&wire.ErrorDetail{Class: "InvalidParams", Message: "'duration' must be positive"})
		return
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	time.Sleep(time.Duration(params.Duration * float64(time.Second)))
	runtime.GC()
	runtime.ReadMemStats(&after)

	report := map[string]any{
		"alloc_bytes":       after.Alloc,
		"heap_alloc_bytes":  after.HeapAlloc,
		"heap_sys_bytes":    after.HeapSys,
		"num_gc":            after.NumGC,
		"num_goroutine":     runtime.NumGoroutine(),
		"alloc_delta_bytes": int64(after.Alloc) - int64(before.Alloc),
	}

	raw, err := wire.Payload(report)
	if err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "DumpError", Message: err.Error()})
		return
	}

	finishDump(c, cl, params.dumpParams, bytes.NewBuffer(raw), true)
}

var garbageProfile struct {
	mu     sync.Mutex
	active bool
	buf    *bytes.Buffer
}

// handleGarbageProfileStart begins an execution trace capturing GC
// activity (runtime/trace), the closest stdlib analogue to a language
// runtime's "garbage collector profiling" toggle.
func handleGarbageProfileStart(c *rpc.Connection, cl *call.Call) {
	garbageProfile.mu.Lock()
	defer garbageProfile.mu.Unlock()

	if garbageProfile.active {
		cl.Fail(&wire.ErrorDetail{Class: "AlreadyStarted", Message: "garbage profile already running"})
		return
	}

	buf := &bytes.Buffer{}
	if err := trace.Start(buf); err != nil {
		cl.Fail(&wire.ErrorDetail{Class: "DumpError", Message: err.Error()})
		return
	}

	garbageProfile.active = true
	garbageProfile.buf = buf

	_ = cl.FinishValue(map[string]any{"started": true})
}

// handleGarbageProfileStop stops the trace started by
// garbage_profile_start and returns the buffered trace per the common
// dump convention.
func handleGarbageProfileStop(c *rpc.Connection, cl *call.Call) {
	var params dumpParams
	_ = cl.Message.Unmarshal(&params)

	garbageProfile.mu.Lock()
	if !garbageProfile.active {
		garbageProfile.mu.Unlock()
		cl.Fail(&wire.ErrorDetail{Class: "NotStarted", Message: "no garbage profile is running"})
		return
	}
	trace.Stop()
	buf := garbageProfile.buf
	garbageProfile.active = false
	garbageProfile.buf = nil
	garbageProfile.mu.Unlock()

	runtime.GC()

	finishDump(c, cl, params, buf, true)
}
