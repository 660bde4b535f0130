// Package rpc implements the Connection: a single bidirectional byte
// stream multiplexing concurrent Calls in both directions at once, per
// spec.md section 4.3. It is deliberately symmetric — the same
// Connection type, constructed with a different Dispatchable and a
// different starting call-id parity, is used by both the supervisor
// Server and the worker Client, matching the teacher's
// pkg/server/connection.go generalized from "server accepts, client
// dials" to "either side can issue and dispatch calls."
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

// Side selects the call-id parity for a Connection (spec.md 3: "server
// starts at 1, client at 0, and every Connection increments by 2").
type Side int

const (
	ServerSide Side = iota
	ClientSide
)

// Connection owns one byte stream and multiplexes every in-flight Call
// over it.
type Connection struct {
	id   string
	conn net.Conn

	reader *wire.Reader
	writer *wire.Writer

	nextID atomic.Int64

	mu    sync.Mutex
	calls map[int64]*call.Call

	stateMu sync.RWMutex
	state   map[string]any

	target Dispatchable

	log  *slog.Logger
	errs *errreport.Client

	closeOnce sync.Once
	closed    atomic.Bool
	doneCh    chan struct{}

	wg sync.WaitGroup
}

// New constructs a Connection. target receives inbound requests;
// side determines call-id parity (spec.md 3/4.3).
func New(id string, conn net.Conn, side Side, target Dispatchable, log *slog.Logger, errs *errreport.Client) *Connection {
	c := &Connection{
		id:     id,
		conn:   conn,
		reader: wire.NewReader(conn),
		writer: wire.NewWriter(conn),
		calls:  make(map[int64]*call.Call),
		state:  make(map[string]any),
		target: target,
		log:    log,
		errs:   errs,
		doneCh: make(chan struct{}),
	}
	if side == ClientSide {
		c.nextID.Store(0)
	} else {
		c.nextID.Store(1)
	}
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) logger() *slog.Logger {
	if c.log == nil {
		return slog.Default()
	}
	return c.log
}

// SetState merges a key/value into the connection's state map (spec.md
// 3: "state (mapping of string/symbol to scalar"). Used for
// process_id/connection_id and whatever else "register" carries.
func (c *Connection) SetState(key string, value any) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state[key] = value
}

// MergeState merges every entry of m into the connection's state.
func (c *Connection) MergeState(m map[string]any) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for k, v := range m {
		c.state[k] = v
	}
}

// State returns the value for key and whether it was present.
func (c *Connection) State(key string) (any, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// StateSnapshot returns a shallow copy of the whole state map, e.g. for
// the "status" operation.
func (c *Connection) StateSnapshot() map[string]any {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// nextCallID returns the next call id, incrementing by 2 to preserve the
// parity invariant across the two endpoints of a connection.
func (c *Connection) nextCallID() int64 {
	return c.nextID.Add(2) - 2
}

// Done returns a channel closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Serve runs the read loop until the stream closes or fails. It routes
// every inbound frame per spec.md 4.3 "Reading (run(target))". Serve
// blocks; callers typically run it in its own goroutine.
func (c *Connection) Serve() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			var decodeErr *wire.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger().Warn("rpc: malformed frame, discarding",
					"connection_id", c.id, "error", err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.logger().Info("rpc: connection closed", "connection_id", c.id)
			} else {
				c.logger().Error("rpc: read error, closing connection",
					"connection_id", c.id, "error", err)
				c.errs.CaptureException(err, map[string]string{"connection_id": c.id})
			}
			break
		}

		c.route(frame)
	}

	c.Close()
	c.wg.Wait()
}

// route dispatches one decoded frame per spec.md 4.3.
func (c *Connection) route(frame wire.Frame) {
	if !frame.HasID {
		c.logger().Error("rpc: frame missing id, dropping", "connection_id", c.id)
		return
	}

	id := frame.ID

	c.mu.Lock()
	cl, known := c.calls[id]
	c.mu.Unlock()

	switch {
	case known:
		// Response path: an existing call is waiting on this id.
		cl.Push(frame)
		if frame.Finished {
			// Close the queue now that the terminal frame has been
			// enqueued (safe: a closed buffered channel still yields
			// its buffered values to readers).
			cl.Close()
			c.removeCall(id)
		}

	case frame.IsRequest():
		// New inbound request: create a Call, dispatch it, and drain
		// its responses back onto the wire.
		newCall := call.New(id, frame)

		c.mu.Lock()
		c.calls[id] = newCall
		c.mu.Unlock()

		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			c.runDispatch(newCall)
		}()
		go func() {
			defer c.wg.Done()
			c.drainResponses(newCall)
		}()

	default:
		// Unknown id, no "do": a stale response for a call the caller
		// already timed out and removed. This MUST NOT produce an
		// error or an outbound frame (spec.md 4.3, 7, 8 property 4).
		c.logger().Debug("rpc: ignoring stale response",
			"connection_id", c.id, "call_id", id)
	}
}

// runDispatch invokes the Dispatchable for an inbound call and ensures a
// terminal frame is always written (spec.md 4.3 "Dispatch").
func (c *Connection) runDispatch(cl *call.Call) {
	c.target.Dispatch(c, cl)

	if !cl.Closed() {
		cl.Finish(wire.Frame{})
	}
}

// drainResponses writes every response queued for cl to the wire, then
// removes cl from the calls table unconditionally on exit — even if a
// write fails, because the peer going away mid-response is expected
// (spec.md 4.3: "unconditionally removed from calls on handler exit").
func (c *Connection) drainResponses(cl *call.Call) {
	defer c.removeCall(cl.ID)

	cl.Range(func(resp wire.Frame) {
		if err := c.writer.WriteFrame(resp, nil); err != nil {
			c.logger().Debug("rpc: write failed during response drain, peer likely gone",
				"connection_id", c.id, "call_id", cl.ID, "error", err)
		}
	})
}

func (c *Connection) removeCall(id int64) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// Call issues a request and blocks for the terminal response only,
// discarding any intermediates (spec.md 9, Open Question 1: the clean
// rewrite splits the historical mixed-shape call() into Call/CallStream).
// If timeout is non-zero, Call returns a timeout error once it elapses
// and removes the call so a later stale reply is ignored.
func (c *Connection) Call(ctx context.Context, do string, params any, timeout time.Duration) (wire.Frame, error) {
	var terminal wire.Frame
	err := c.CallStream(ctx, do, params, timeout, func(resp wire.Frame) {
		if resp.Finished {
			terminal = resp
		}
	})
	return terminal, err
}

// CallStream issues a request and invokes onFrame for every response
// (intermediate and terminal) in arrival order, matching spec.md 4.3
// item 3 and 5.
func (c *Connection) CallStream(ctx context.Context, do string, params any, timeout time.Duration, onFrame func(wire.Frame)) error {
	id := c.nextCallID()
	req := wire.Frame{ID: id, Do: do, HasID: true}
	cl := call.New(id, req)

	c.mu.Lock()
	c.calls[id] = cl
	c.mu.Unlock()

	if err := c.writer.WriteFrame(req, params); err != nil {
		c.removeCall(id)
		cl.Close()
		return fmt.Errorf("rpc: write call request: %w", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		resp, ok := cl.PopContext(callCtx)
		if !ok {
			if callCtx.Err() != nil {
				c.removeCall(id)
				cl.Close()
				return fmt.Errorf("rpc: call %q timed out: %w", do, callCtx.Err())
			}
			// Queue closed (connection teardown) with nothing more
			// to deliver.
			return fmt.Errorf("rpc: call %q aborted: connection closed", do)
		}

		onFrame(resp)

		if resp.Finished {
			if resp.Failed {
				return resp.Error
			}
			return nil
		}
	}
}

// Close idempotently tears the connection down: it stops accepting new
// work, closes the underlying stream, and closes every live call's queue
// (no framing — spec.md 4.3 "close()").
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.doneCh)

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger().Debug("rpc: error closing stream", "connection_id", c.id, "error", err)
		}

		c.mu.Lock()
		calls := c.calls
		c.calls = make(map[int64]*call.Call)
		c.mu.Unlock()

		for _, cl := range calls {
			cl.Close()
		}
	})
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }
