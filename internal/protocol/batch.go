package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BatchPayload is the data envelope of a BATCH frame. When Compressed is
// set, Data holds the compressed JSON array of messages and Messages is
// empty; otherwise Messages carries them inline.
type BatchPayload struct {
	Messages       []*Message `json:"messages,omitempty"`
	Data           []byte     `json:"data,omitempty"`
	Compressed     bool       `json:"compressed"`
	Algorithm      Algorithm  `json:"algorithm,omitempty"`
	OriginalSize   int        `json:"originalSize,omitempty"`
	CompressedSize int        `json:"compressedSize,omitempty"`
}

// NewBatchMessage wraps a payload into a BATCH frame
func NewBatchMessage(payload *BatchPayload) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal batch payload")
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "shape batch payload")
	}
	return NewMessage(TypeBatch, data), nil
}

// DecodeBatchPayload extracts the payload from a BATCH frame's data field
func DecodeBatchPayload(m *Message) (*BatchPayload, error) {
	if m.Type != TypeBatch {
		return nil, errors.Errorf("not a batch message: %s", m.Type)
	}
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal batch data")
	}
	var payload BatchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal batch payload")
	}
	return &payload, nil
}

// UnpackBatch returns the messages carried by a payload, decompressing when
// needed. Round-trips with the batcher's flush path.
func UnpackBatch(payload *BatchPayload) ([]*Message, error) {
	if !payload.Compressed {
		return payload.Messages, nil
	}
	raw, err := Decompress(payload.Data, payload.Algorithm)
	if err != nil {
		return nil, err
	}
	var messages []*Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, errors.Wrap(err, "unmarshal batched messages")
	}
	return messages, nil
}
