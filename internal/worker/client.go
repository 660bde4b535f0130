// Package worker implements the Client/Worker side of the protocol:
// a single live Connection dialed to the supervisor, a reconnect loop,
// and the diagnostic "do_*" handlers spec.md section 4.6 exposes for
// the supervisor to call back into.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/rpc"
)

// Dialer opens the transport Client dials on each (re)connect attempt.
type Dialer func(ctx context.Context) (net.Conn, error)

// Client owns one endpoint and maintains a single live Connection,
// reconnecting on any error. Grounded on core/pkg/client, generalized
// from the teacher's fixed gRPC-over-socket dial to an arbitrary Dialer
// so tests can substitute net.Pipe().
type Client struct {
	dial Dialer
	log  *slog.Logger
	errs *errreport.Client

	router *rpc.Router

	// state is sent as "register"'s state parameter by Worker's
	// connected! hook.
	state map[string]any

	mu      sync.Mutex
	current *rpc.Connection

	closeOnce sync.Once
	stopCh    chan struct{}
}

// New constructs a Client. state is sent verbatim as "register"'s state
// parameter (spec.md 4.6: the Worker subtype's connected! hook).
func New(dial Dialer, log *slog.Logger, errs *errreport.Client, state map[string]any) *Client {
	c := &Client{
		dial:   dial,
		log:    log,
		errs:   errs,
		state:  state,
		stopCh: make(chan struct{}),
	}

	c.router = rpc.NewRouter(errs)
	registerDumpHandlers(c.router)

	return c
}

// Connection returns the client's current live Connection, or nil if
// not currently connected. Exported for tests that want to drive a call
// against a live worker.
func (c *Client) Connection() *rpc.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Dispatch implements rpc.Dispatchable: the worker answers diagnostic
// calls the supervisor forwards to it.
func (c *Client) Dispatch(conn *rpc.Connection, cl *call.Call) {
	c.router.Dispatch(conn, cl)
}

// Run executes the transient reconnect loop of spec.md 4.6: connect,
// run the reader to completion, and on any error sleep a small random
// backoff before reconnecting. Run only returns once Close is called or
// ctx is cancelled — it deliberately does NOT stop on the process's
// default shutdown signal, since the worker task is transient (spec.md
// 5: "ignores the default shutdown signal").
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("worker: connection attempt failed", "error", err)
			c.errs.CaptureException(err, nil)
		}

		backoff := time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	connection := rpc.New(connIDPlaceholder, conn, rpc.ClientSide, c, c.log, c.errs)

	c.mu.Lock()
	c.current = connection
	c.mu.Unlock()

	go c.connected(ctx, connection)

	connection.Serve()

	c.mu.Lock()
	if c.current == connection {
		c.current = nil
	}
	c.mu.Unlock()

	return nil
}

// connIDPlaceholder is a fixed connection-id label for the client side;
// only the Server assigns the globally unique connection_id (spec.md
// 4.5), so the client's own Connection.id is merely a local log tag.
const connIDPlaceholder = "worker"

// connected implements the Worker subtype's connected! hook (spec.md
// 4.6): issue "register" with the worker's state and deliberately
// discard the response (only a failed call is logged), since the
// connection_id it carries is the supervisor's concern, not the worker's.
func (c *Client) connected(ctx context.Context, connection *rpc.Connection) {
	_, err := connection.Call(ctx, "register", map[string]any{"state": c.state}, 10*time.Second)
	if err != nil {
		c.log.Warn("worker: register call failed", "error", err)
	}
}

// Close stops the reconnect loop. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		conn := c.current
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}
