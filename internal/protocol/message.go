// Package protocol defines the wire-level message model for the gateway:
// the closed set of message types, the error taxonomy, and the JSON codec
// used on every WebSocket frame.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MessageType tags a protocol message. The set is closed; anything else is
// rejected at ingress with INVALID_MESSAGE_TYPE.
type MessageType string

// Protocol message types
const (
	TypeAuthenticate        MessageType = "AUTHENTICATE"
	TypeAuthenticated       MessageType = "AUTHENTICATED"
	TypeSessionValid        MessageType = "SESSION_VALID"
	TypeLogout              MessageType = "LOGOUT"
	TypeLoggedOut           MessageType = "LOGGED_OUT"
	TypeStartScan           MessageType = "START_SCAN"
	TypeStopScan            MessageType = "STOP_SCAN"
	TypeDeviceFound         MessageType = "DEVICE_FOUND"
	TypeConnect             MessageType = "CONNECT"
	TypeDisconnect          MessageType = "DISCONNECT"
	TypeCharacteristicRead  MessageType = "CHARACTERISTIC_READ"
	TypeCharacteristicWrite MessageType = "CHARACTERISTIC_WRITE"
	TypeConnectionAck       MessageType = "CONNECTION_ACK"
	TypeBatch               MessageType = "BATCH"
	TypeError               MessageType = "ERROR"
)

var knownTypes = map[MessageType]struct{}{
	TypeAuthenticate:        {},
	TypeAuthenticated:       {},
	TypeSessionValid:        {},
	TypeLogout:              {},
	TypeLoggedOut:           {},
	TypeStartScan:           {},
	TypeStopScan:            {},
	TypeDeviceFound:         {},
	TypeConnect:             {},
	TypeDisconnect:          {},
	TypeCharacteristicRead:  {},
	TypeCharacteristicWrite: {},
	TypeConnectionAck:       {},
	TypeBatch:               {},
	TypeError:               {},
}

// Known reports whether t belongs to the closed protocol set
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is the single frame format exchanged with clients. Data carries
// the type-specific parameters; Code and ErrorText are populated only on
// ERROR frames.
type Message struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Code      ErrorCode              `json:"code,omitempty"`
	ErrorText string                 `json:"message,omitempty"`
}

// NewMessage creates a message of the given type stamped with the current time
func NewMessage(t MessageType, data map[string]interface{}) *Message {
	return &Message{
		Type:      t,
		Data:      data,
		Timestamp: NowMillis(),
	}
}

// NewErrorMessage creates an ERROR frame for the given code
func NewErrorMessage(code ErrorCode, text string) *Message {
	return &Message{
		Type:      TypeError,
		Code:      code,
		ErrorText: text,
		Timestamp: NowMillis(),
	}
}

// Encode serializes the message to a single JSON frame
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return data, nil
}

// Decode parses a frame into a Message. A JSON-level failure is a protocol
// error; type membership is checked separately so the caller can distinguish
// INVALID_MESSAGE from INVALID_MESSAGE_TYPE.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	return &m, nil
}

// NowMillis returns the current time in Unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
