// Package monitor implements the supervisor's pluggable policy modules:
// observers that react to connection register/remove events and run
// their own periodic check, per spec.md section 4.7.
package monitor

import (
	"context"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/rpc"
)

// Monitor is implemented by every fleet policy module the Server drives.
// The Server invokes Register/Remove synchronously around connection
// lifecycle events (each wrapped in its own recover so a faulty monitor
// cannot abort registration or poison another monitor, spec.md 4.5), and
// launches Run once per monitor under an independent task (spec.md 4.5,
// 4.7).
type Monitor interface {
	// Name identifies the monitor, e.g. for status payloads and logs.
	Name() string

	// Register is called once a worker connection completes "register".
	// Connections whose state carries no process_id are simply skipped,
	// not an error (spec.md 4.7).
	Register(c *rpc.Connection)

	// Remove is called once a connection closes or is otherwise dropped.
	Remove(c *rpc.Connection)

	// Status lets the monitor push its own intermediate frame(s) onto a
	// "status" call (spec.md 4.5, 4.7).
	Status(cl *call.Call)

	// Run executes the monitor's periodic loop until ctx is cancelled.
	// It must be robust to its own errors: log and continue, never
	// return early except when ctx is done (spec.md 4.7).
	Run(ctx context.Context)
}
