package signal

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"
)

// NewPayload builds a payload container from a type URL and raw bytes.
func NewPayload(class Class, value []byte) *anypb.Any {
	return &anypb.Any{TypeUrl: string(class), Value: value}
}

// MarshalPayload JSON-encodes value into a payload of the given class.
func MarshalPayload(class Class, value any) (*anypb.Any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal payload %s: %w", class, err)
	}
	return NewPayload(class, raw), nil
}

// UnmarshalPayload decodes a JSON payload into target.
func UnmarshalPayload(payload *anypb.Any, target any) error {
	if payload == nil {
		return ErrDefaultPayload
	}
	if err := json.Unmarshal(payload.GetValue(), target); err != nil {
		return fmt.Errorf("unmarshal payload %s: %w", payload.GetTypeUrl(), err)
	}
	return nil
}
