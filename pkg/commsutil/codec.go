package commsutil

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/hostagent/pkg/protocol"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// DecodeMessage decodes a bus envelope. An envelope without a type is rejected.
func DecodeMessage(data []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := DecodePayload(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: envelope has no type", protocol.ErrMalformed)
	}
	return &msg, nil
}
