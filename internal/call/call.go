// Package call implements the per-request state of one outstanding
// request/response exchange on a Connection.
//
// A Call is structurally the same on both sides of a Connection: on the
// dispatch side, a handler pushes its responses onto the Call's queue and
// the Connection drains and writes them to the wire; on the caller side,
// the Connection's reader pushes incoming responses onto the Call's queue
// and the calling goroutine drains it. This mirrors the mailbox-style
// "caller-owned handle keyed by id, torn down exactly once" shape used
// elsewhere in the supervisor for cancellation registries, generalized
// here from a bare cancel function to a full response queue.
package call

import (
	"context"
	"sync"

	"github.com/socketry/async-container-supervisor/internal/wire"
)

// queueBufferSize bounds how many intermediate responses can be pending
// before Push blocks. Generous because intermediate responses are
// typically drained quickly by either the wire writer or the caller.
const queueBufferSize = 64

// Call is the in-memory handle for one outstanding request on one
// Connection.
type Call struct {
	// ID uniquely identifies this call within its owning Connection for
	// its full lifetime. Immutable.
	ID int64

	// Message is the original request frame that created this call.
	// Read-only after construction.
	Message wire.Frame

	queue     chan wire.Frame
	closeOnce sync.Once
	closedCh  chan struct{}
}

// New creates a Call for the given id and originating request.
func New(id int64, message wire.Frame) *Call {
	return &Call{
		ID:       id,
		Message:  message,
		queue:    make(chan wire.Frame, queueBufferSize),
		closedCh: make(chan struct{}),
	}
}

// Closed reports whether the call's queue has been closed.
func (c *Call) Closed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// Push enqueues a non-terminal response. It is a silent no-op if the
// call is already closed (spec.md 4.2: "fails silently if closed").
func (c *Call) Push(resp wire.Frame) {
	if c.Closed() {
		return
	}
	resp.ID = c.ID
	select {
	case c.queue <- resp:
	case <-c.closedCh:
	}
}

// Finish enqueues a terminal, successful response and closes the queue.
// A no-op if already closed.
func (c *Call) Finish(resp wire.Frame) {
	if c.Closed() {
		return
	}
	resp.ID = c.ID
	resp.Finished = true
	select {
	case c.queue <- resp:
	case <-c.closedCh:
		return
	}
	c.Close()
}

// Fail enqueues a terminal, failed response and closes the queue.
func (c *Call) Fail(detail *wire.ErrorDetail) {
	c.Finish(wire.Frame{Failed: true, Error: detail})
}

// PushValue marshals v and pushes it as a non-terminal response.
func (c *Call) PushValue(v any) error {
	raw, err := wire.Payload(v)
	if err != nil {
		return err
	}
	c.Push(wire.Frame{Params: raw})
	return nil
}

// FinishValue marshals v and finishes the call with it as the terminal
// payload.
func (c *Call) FinishValue(v any) error {
	raw, err := wire.Payload(v)
	if err != nil {
		return err
	}
	c.Finish(wire.Frame{Params: raw})
	return nil
}

// Close closes the queue without framing a terminal response. Used for
// connection-level teardown. Idempotent.
func (c *Call) Close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		close(c.queue)
	})
}

// Pop blocks until a response is available or the call closes, returning
// ok=false in the latter case once the queue is drained.
func (c *Call) Pop() (wire.Frame, bool) {
	resp, ok := <-c.queue
	return resp, ok
}

// PopContext is like Pop but also returns early when ctx is done. The
// bool return is false both when the call closed with no more responses
// and when ctx expired first; callers distinguish the latter by checking
// ctx.Err().
func (c *Call) PopContext(ctx context.Context) (wire.Frame, bool) {
	select {
	case resp, ok := <-c.queue:
		return resp, ok
	case <-ctx.Done():
		return wire.Frame{}, false
	}
}

// Range invokes fn for every response in arrival order until the queue
// closes. Mirrors spec.md 4.2's `each`.
func (c *Call) Range(fn func(wire.Frame)) {
	for resp := range c.queue {
		fn(resp)
	}
}
