package wire_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketry/async-container-supervisor/internal/wire"
)

func TestDecodeRequest(t *testing.T) {
	// Arrange
	line := []byte(`{"id": 3, "do": "register", "state": {"process_id": 42}}`)

	// Act
	f, err := wire.Decode(line)

	// Assert
	require.NoError(t, err)
	assert.True(t, f.HasID)
	assert.Equal(t, int64(3), f.ID)
	assert.Equal(t, "register", f.Do)
	assert.True(t, f.IsRequest())
}

func TestDecodeFrameWithoutID(t *testing.T) {
	// Arrange
	line := []byte(`{"do": "register"}`)

	// Act
	f, err := wire.Decode(line)

	// Assert
	require.NoError(t, err)
	assert.False(t, f.HasID)
}

func TestDecodeMalformedJSONReturnsDecodeError(t *testing.T) {
	// Arrange
	line := []byte(`{not json`)

	// Act
	_, err := wire.Decode(line)

	// Assert
	require.Error(t, err)
	var decodeErr *wire.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestEncodeRoundTripsFinishedFailed(t *testing.T) {
	// Arrange
	f := wire.Frame{
		ID:       5,
		Finished: true,
		Failed:   true,
		Error:    &wire.ErrorDetail{Class: "Boom", Message: "bang"},
	}

	// Act
	encoded, err := wire.Encode(f, nil)
	require.NoError(t, err)
	decoded, err := wire.Decode(encoded)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(5), decoded.ID)
	assert.True(t, decoded.Finished)
	assert.True(t, decoded.Failed)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "Boom", decoded.Error.Class)
}

func TestEncodeWithExtraFields(t *testing.T) {
	// Arrange
	f := wire.Frame{ID: 1}

	// Act
	encoded, err := wire.Encode(f, map[string]any{"path": "/tmp/out.json"})
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(encoded, &result))

	// Assert
	assert.Equal(t, "/tmp/out.json", result["path"])
}
