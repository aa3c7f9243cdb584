package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewMessage(TypeConnect, map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
	})

	frame, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeConnect, decoded.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", decoded.Data["deviceId"])
	assert.Equal(t, msg.Timestamp, decoded.Timestamp)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestErrorMessageFields(t *testing.T) {
	msg := NewErrorMessage(ErrCodeInvalidAPIKey, "invalid API key")

	frame, err := msg.Encode()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, "ERROR", raw["type"])
	assert.Equal(t, "INVALID_API_KEY", raw["code"])
	assert.Equal(t, "invalid API key", raw["message"])
	assert.NotContains(t, raw, "data")
}

func TestNonErrorFramesOmitErrorFields(t *testing.T) {
	frame, err := NewMessage(TypeConnectionAck, map[string]interface{}{"clientId": "c1"}).Encode()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.NotContains(t, raw, "code")
	assert.NotContains(t, raw, "message")
}

func TestMessageTypeKnown(t *testing.T) {
	for _, known := range []MessageType{
		TypeAuthenticate, TypeAuthenticated, TypeSessionValid, TypeLogout,
		TypeLoggedOut, TypeStartScan, TypeStopScan, TypeDeviceFound,
		TypeConnect, TypeDisconnect, TypeCharacteristicRead,
		TypeCharacteristicWrite, TypeConnectionAck, TypeBatch, TypeError,
	} {
		assert.True(t, known.Known(), string(known))
	}
	assert.False(t, MessageType("BOGUS").Known())
	assert.False(t, MessageType("").Known())
}

func TestErrorCodeBands(t *testing.T) {
	assert.Equal(t, BandAdmission, ErrCodeMessageTooLarge.Band())
	assert.Equal(t, BandAdmission, ErrCodeRateLimitExceeded.Band())
	assert.Equal(t, BandProtocol, ErrCodeInvalidMessageType.Band())
	assert.Equal(t, BandAuth, ErrCodeSessionExpired.Band())
	assert.Equal(t, BandOperational, ErrCodeProcessingError.Band())
	// Device codes fall into the operational band
	assert.Equal(t, BandOperational, ErrCodeScanAlreadyActive.Band())
}

func TestCodeOf(t *testing.T) {
	typed := NewGatewayError(ErrCodeNotConnected, "device not connected")
	assert.Equal(t, ErrCodeNotConnected, CodeOf(typed, ErrCodeInternalError))
	assert.Equal(t, ErrCodeInternalError, CodeOf(assert.AnError, ErrCodeInternalError))
	assert.Equal(t, ErrCodeInternalError, CodeOf(nil, ErrCodeInternalError))
}

func TestGatewayErrorString(t *testing.T) {
	assert.Equal(t, "NOT_CONNECTED: nope", NewGatewayError(ErrCodeNotConnected, "nope").Error())
	assert.Equal(t, "NOT_CONNECTED", NewGatewayError(ErrCodeNotConnected, "").Error())
}
