package call_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

func TestPushThenPop(t *testing.T) {
	// Arrange
	c := call.New(1, wire.Frame{ID: 1, Do: "status"})

	// Act
	c.Push(wire.Frame{Params: nil})
	resp, ok := c.Pop()

	// Assert
	assert.True(t, ok)
	assert.Equal(t, int64(1), resp.ID)
}

func TestFinishClosesQueue(t *testing.T) {
	// Arrange
	c := call.New(2, wire.Frame{ID: 2})

	// Act
	c.Finish(wire.Frame{})
	terminal, ok := c.Pop()
	_, okAfterTerminal := c.Pop()

	// Assert: the terminal frame is still delivered, then the queue
	// reports closed.
	assert.True(t, c.Closed())
	assert.True(t, ok)
	assert.True(t, terminal.Finished)
	assert.False(t, okAfterTerminal)
}

func TestPushAfterCloseIsSilentNoOp(t *testing.T) {
	// Arrange
	c := call.New(3, wire.Frame{ID: 3})
	c.Close()

	// Act & Assert: must not panic or block.
	assert.NotPanics(t, func() {
		c.Push(wire.Frame{})
	})
}

func TestFailSetsFailedAndError(t *testing.T) {
	// Arrange
	c := call.New(4, wire.Frame{ID: 4})

	// Act
	c.Fail(&wire.ErrorDetail{Class: "Boom", Message: "bang"})
	resp, ok := c.Pop()

	// Assert
	require.True(t, ok)
	assert.True(t, resp.Finished)
	assert.True(t, resp.Failed)
	assert.Equal(t, "Boom", resp.Error.Class)
}

func TestCloseIsIdempotent(t *testing.T) {
	// Arrange
	c := call.New(5, wire.Frame{ID: 5})

	// Act & Assert
	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
}

func TestPopContextReturnsOnTimeout(t *testing.T) {
	// Arrange
	c := call.New(6, wire.Frame{ID: 6})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Act
	_, ok := c.PopContext(ctx)

	// Assert
	assert.False(t, ok)
	assert.Error(t, ctx.Err())
}

func TestRangeYieldsEveryPushedResponseInOrder(t *testing.T) {
	// Arrange
	c := call.New(7, wire.Frame{ID: 7})
	go func() {
		c.Push(wire.Frame{Do: "first"})
		c.Push(wire.Frame{Do: "second"})
		c.Finish(wire.Frame{})
	}()

	// Act
	var seen []string
	c.Range(func(f wire.Frame) {
		seen = append(seen, f.Do)
	})

	// Assert
	require.Len(t, seen, 3)
	assert.Equal(t, []string{"first", "second", ""}, seen)
}
