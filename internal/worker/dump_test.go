package worker_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/obslog"
	"github.com/socketry/async-container-supervisor/internal/rpc"
	"github.com/socketry/async-container-supervisor/internal/worker"
)

func newWorkerPair(t *testing.T) (client *rpc.Connection, teardown func()) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	log := obslog.NewNoOp()
	errs := errreport.New(errreport.Params{})

	w := worker.New(nil, log, errs, nil)
	workerSide := rpc.New("worker", serverConn, rpc.ServerSide, w, log, errs)
	client = rpc.New("client", clientConn, rpc.ClientSide, rpc.NewRouter(errs), log, errs)

	go workerSide.Serve()
	go client.Serve()

	return client, func() {
		client.Close()
		workerSide.Close()
	}
}

func TestSchedulerDumpReturnsBufferedData(t *testing.T) {
	// Arrange
	client, teardown := newWorkerPair(t)
	defer teardown()

	// Act
	resp, err := client.Call(context.Background(), "scheduler_dump", nil, time.Second)

	// Assert
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, resp.Unmarshal(&payload))
	assert.NotEmpty(t, payload["data"])
}

func TestMemoryDumpRefusesBufferedOutput(t *testing.T) {
	// Arrange
	client, teardown := newWorkerPair(t)
	defer teardown()

	// Act
	resp, err := client.Call(context.Background(), "memory_dump", nil, time.Second)

	// Assert
	require.Error(t, err)
	assert.True(t, resp.Failed)
	assert.Equal(t, "BufferedOutputRefused", resp.Error.Class)
}

func TestMemoryDumpWritesToPath(t *testing.T) {
	// Arrange
	client, teardown := newWorkerPair(t)
	defer teardown()

	path := filepath.Join(t.TempDir(), "heap.pprof")

	// Act
	resp, err := client.Call(context.Background(), "memory_dump", map[string]any{"path": path}, time.Second)

	// Assert
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, resp.Unmarshal(&payload))
	assert.Equal(t, path, payload["path"])

	info, statErr := os.Stat(path)
	require.NoError(t, statErr)
	assert.Greater(t, info.Size(), int64(0))
}

func TestMemorySampleRequiresPositiveDuration(t *testing.T) {
	// Arrange
	client, teardown := newWorkerPair(t)
	defer teardown()

	// Act
	resp, err := client.Call(context.Background(), "memory_sample", map[string]any{"duration": 0}, time.Second)

	// Assert
	require.Error(t, err)
	assert.True(t, resp.Failed)
	assert.Equal(t, "InvalidParams", resp.Error.Class)
}

func TestMemorySampleReturnsStructuredReport(t *testing.T) {
	// Arrange
	client, teardown := newWorkerPair(t)
	defer teardown()

	// Act
	resp, err := client.Call(context.Background(), "memory_sample", map[string]any{"duration": 0.01}, 5*time.Second)

	// Assert
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, resp.Unmarshal(&payload))
	assert.Contains(t, payload, "data")
}

func TestGarbageProfileStartStop(t *testing.T) {
	// Arrange
	client, teardown := newWorkerPair(t)
	defer teardown()

	startResp, err := client.Call(context.Background(), "garbage_profile_start", nil, time.Second)
	require.NoError(t, err)
	var startPayload map[string]any
	require.NoError(t, startResp.Unmarshal(&startPayload))
	assert.Equal(t, true, startPayload["started"])

	// A second start before stop must fail cleanly.
	_, err = client.Call(context.Background(), "garbage_profile_start", nil, time.Second)
	assert.Error(t, err)

	// Act
	stopResp, err := client.Call(context.Background(), "garbage_profile_stop", nil, time.Second)

	// Assert
	require.NoError(t, err)
	var stopPayload map[string]any
	require.NoError(t, stopResp.Unmarshal(&stopPayload))
	assert.NotEmpty(t, stopPayload["data"])
}
