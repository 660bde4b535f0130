package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/obslog"
	"github.com/socketry/async-container-supervisor/internal/rpc"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

// echoRouter answers "ping" with "pong" and leaves everything else
// unregistered so Router's NoSuchOperation path can be exercised too.
func echoRouter() *rpc.Router {
	r := rpc.NewRouter(errreport.New(errreport.Params{}))
	r.Register("ping", func(c *rpc.Connection, cl *call.Call) {
		_ = cl.FinishValue(map[string]any{"pong": true})
	})
	r.Register("panics", func(c *rpc.Connection, cl *call.Call) {
		panic("boom")
	})
	r.Register("stream", func(c *rpc.Connection, cl *call.Call) {
		_ = cl.PushValue(map[string]any{"n": 1})
		_ = cl.PushValue(map[string]any{"n": 2})
		_ = cl.FinishValue(map[string]any{"n": 3})
	})
	return r
}

func newPipePair(t *testing.T) (clientConn, serverConn net.Conn) {
	t.Helper()
	clientConn, serverConn = net.Pipe()
	return
}

func TestCallRoundTrip(t *testing.T) {
	// Arrange
	clientSide, serverSide := newPipePair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	server := rpc.New("server", serverSide, rpc.ServerSide, echoRouter(), log, errs)
	client := rpc.New("client", clientSide, rpc.ClientSide, echoRouter(), log, errs)

	go server.Serve()
	go client.Serve()
	defer server.Close()
	defer client.Close()

	// Act
	resp, err := client.Call(context.Background(), "ping", nil, time.Second)

	// Assert
	require.NoError(t, err)
	assert.True(t, resp.Finished)
	assert.False(t, resp.Failed)
}

func TestCallStreamDeliversIntermediatesThenTerminal(t *testing.T) {
	// Arrange
	clientSide, serverSide := newPipePair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	server := rpc.New("server", serverSide, rpc.ServerSide, echoRouter(), log, errs)
	client := rpc.New("client", clientSide, rpc.ClientSide, echoRouter(), log, errs)

	go server.Serve()
	go client.Serve()
	defer server.Close()
	defer client.Close()

	// Act
	var frames []wire.Frame
	err := client.CallStream(context.Background(), "stream", nil, time.Second, func(f wire.Frame) {
		frames = append(frames, f)
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.False(t, frames[0].Finished)
	assert.False(t, frames[1].Finished)
	assert.True(t, frames[2].Finished)
}

func TestUnknownOperationFails(t *testing.T) {
	// Arrange
	clientSide, serverSide := newPipePair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	server := rpc.New("server", serverSide, rpc.ServerSide, echoRouter(), log, errs)
	client := rpc.New("client", clientSide, rpc.ClientSide, echoRouter(), log, errs)

	go server.Serve()
	go client.Serve()
	defer server.Close()
	defer client.Close()

	// Act
	resp, err := client.Call(context.Background(), "no_such_op", nil, time.Second)

	// Assert
	require.Error(t, err)
	assert.True(t, resp.Failed)
	assert.Equal(t, "NoSuchOperation", resp.Error.Class)
}

func TestHandlerPanicBecomesFailResponse(t *testing.T) {
	// Arrange
	clientSide, serverSide := newPipePair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	server := rpc.New("server", serverSide, rpc.ServerSide, echoRouter(), log, errs)
	client := rpc.New("client", clientSide, rpc.ClientSide, echoRouter(), log, errs)

	go server.Serve()
	go client.Serve()
	defer server.Close()
	defer client.Close()

	// Act
	resp, err := client.Call(context.Background(), "panics", nil, time.Second)

	// Assert
	require.Error(t, err)
	assert.True(t, resp.Failed)
	require.NotNil(t, resp.Error)
	assert.NotEmpty(t, resp.Error.Backtrace)
}

func TestCallTimesOutAndIgnoresLateResponse(t *testing.T) {
	// Arrange: a handler that sleeps past the caller's timeout, so the
	// caller times out and the router must later drop the stale reply
	// (spec.md 4.3, 7, 8 property 4) without producing an error frame.
	clientSide, serverSide := newPipePair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	router := rpc.NewRouter(errs)
	router.Register("slow", func(c *rpc.Connection, cl *call.Call) {
		time.Sleep(80 * time.Millisecond)
		_ = cl.FinishValue(map[string]any{})
	})

	server := rpc.New("server", serverSide, rpc.ServerSide, router, log, errs)
	client := rpc.New("client", clientSide, rpc.ClientSide, echoRouter(), log, errs)

	go server.Serve()
	go client.Serve()
	defer server.Close()
	defer client.Close()

	// Act
	_, err := client.Call(context.Background(), "slow", nil, 10*time.Millisecond)

	// Assert
	require.Error(t, err)

	// Give the late response time to arrive and be routed; the
	// connection must stay healthy (no panic, no crash) afterward.
	time.Sleep(150 * time.Millisecond)
	resp, err := client.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Finished)
}

func TestStaleResponseProducesNoOutboundFrame(t *testing.T) {
	// Arrange: drive the server's raw wire directly instead of through a
	// peer Connection, so the test can observe exactly what (if anything)
	// comes back for a frame with an unregistered id and no "do" field —
	// spec.md 4.3's router contract and 8's property 4 and scenario S2.
	clientSide, serverSide := newPipePair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	server := rpc.New("server", serverSide, rpc.ServerSide, echoRouter(), log, errs)
	go server.Serve()
	defer server.Close()

	writer := wire.NewWriter(clientSide)
	reader := wire.NewReader(clientSide)

	// Act: a terminal-shaped frame for an id the server never issued or
	// dispatched.
	require.NoError(t, writer.WriteFrame(wire.Frame{ID: 999, Finished: true}, nil))

	frames := make(chan wire.Frame, 1)
	errs2 := make(chan error, 1)
	go func() {
		f, err := reader.ReadFrame()
		if err != nil {
			errs2 <- err
			return
		}
		frames <- f
	}()

	// Assert: nothing is written back within a generous window.
	select {
	case f := <-frames:
		t.Fatalf("expected no outbound frame for a stale id, got %+v", f)
	case err := <-errs2:
		t.Fatalf("expected no outbound frame for a stale id, got read error: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	// The connection must still be usable afterward: a real request gets
	// exactly its own response back, on the same wire.
	require.NoError(t, writer.WriteFrame(wire.Frame{ID: 101, Do: "ping"}, nil))
	select {
	case f := <-frames:
		assert.Equal(t, int64(101), f.ID)
		assert.True(t, f.Finished)
	case err := <-errs2:
		t.Fatalf("unexpected read error waiting for ping response: %v", err)
	case <-time.After(time.Second):
		t.Fatal("ping response never arrived")
	}
}

func TestCloseUnblocksPendingCalls(t *testing.T) {
	// Arrange
	clientSide, serverSide := newPipePair(t)
	defer serverSide.Close()

	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	router := rpc.NewRouter(errs)
	router.Register("never", func(c *rpc.Connection, cl *call.Call) {
		<-c.Done()
	})

	server := rpc.New("server", serverSide, rpc.ServerSide, router, log, errs)
	client := rpc.New("client", clientSide, rpc.ClientSide, echoRouter(), log, errs)

	go server.Serve()
	go client.Serve()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		_, _ = client.Call(context.Background(), "never", nil, 0)
		close(done)
	}()

	// Act
	time.Sleep(20 * time.Millisecond)
	client.Close()

	// Assert
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Call did not unblock after Close")
	}
}
