package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchMessageRoundTrip(t *testing.T) {
	messages := []*Message{
		NewMessage(TypeDeviceFound, map[string]interface{}{"id": "d1"}),
		NewMessage(TypeDeviceFound, map[string]interface{}{"id": "d2"}),
	}

	batch, err := NewBatchMessage(&BatchPayload{Messages: messages})
	require.NoError(t, err)
	assert.Equal(t, TypeBatch, batch.Type)

	frame, err := batch.Encode()
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)

	payload, err := DecodeBatchPayload(decoded)
	require.NoError(t, err)
	assert.False(t, payload.Compressed)

	unpacked, err := UnpackBatch(payload)
	require.NoError(t, err)
	require.Len(t, unpacked, 2)
	assert.Equal(t, "d1", unpacked[0].Data["id"])
	assert.Equal(t, "d2", unpacked[1].Data["id"])
}

func TestCompressedBatchRoundTrip(t *testing.T) {
	var messages []*Message
	for i := 0; i < 50; i++ {
		messages = append(messages, NewMessage(TypeDeviceFound, map[string]interface{}{
			"id":   "device-with-a-fairly-long-identifier",
			"name": "Sensor",
		}))
	}

	raw, err := json.Marshal(messages)
	require.NoError(t, err)
	blob, err := Compress(raw, DefaultCompressionLevel, AlgorithmGzip)
	require.NoError(t, err)

	payload := &BatchPayload{
		Data:           blob,
		Compressed:     true,
		Algorithm:      AlgorithmGzip,
		OriginalSize:   len(raw),
		CompressedSize: len(blob),
	}

	batch, err := NewBatchMessage(payload)
	require.NoError(t, err)
	frame, err := batch.Encode()
	require.NoError(t, err)
	decoded, err := Decode(frame)
	require.NoError(t, err)

	got, err := DecodeBatchPayload(decoded)
	require.NoError(t, err)
	assert.True(t, got.Compressed)
	assert.Equal(t, len(raw), got.OriginalSize)

	unpacked, err := UnpackBatch(got)
	require.NoError(t, err)
	assert.Len(t, unpacked, 50)
}

func TestDecodeBatchPayloadRejectsOtherTypes(t *testing.T) {
	_, err := DecodeBatchPayload(NewMessage(TypeConnect, nil))
	assert.Error(t, err)
}
