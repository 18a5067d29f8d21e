package messaging

import (
	"encoding/json"
	"fmt"
)

// BodyEncoder turns an outbound message body into wire bytes. Senders use
// the configured encoder for every body except raw []byte, which passes
// through untouched.
type BodyEncoder interface {
	Encode(v interface{}) ([]byte, error)

	// ContentType is stamped on messages that don't set their own.
	ContentType() string
}

// JSONEncoder encodes bodies with encoding/json. It is the default encoder.
type JSONEncoder struct{}

// Encode implements BodyEncoder
func (JSONEncoder) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("buslink: failed to encode body: %w", err)
	}
	return data, nil
}

// ContentType implements BodyEncoder
func (JSONEncoder) ContentType() string {
	return "application/json"
}
