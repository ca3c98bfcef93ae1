package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// wireSignal is the persisted form of a signal. The payload travels as the
// proto encoding of its Any container so the bytes stay schema-agnostic.
type wireSignal struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind"`
	Payload    []byte       `json:"payload"`
	Context    wireContext  `json:"context"`
	ProducerID string       `json:"producer_id,omitempty"`
	Version    *wireVersion `json:"version,omitempty"`
}

type wireContext struct {
	ParentCommandID string            `json:"parent_command_id,omitempty"`
	ParentEventID   string            `json:"parent_event_id,omitempty"`
	ActorID         string            `json:"actor_id,omitempty"`
	TenantID        string            `json:"tenant_id,omitempty"`
	External        bool              `json:"external,omitempty"`
	Timestamp       int64             `json:"timestamp"`
	Enrichments     map[string][]byte `json:"enrichments,omitempty"`
}

type wireVersion struct {
	Number    uint64 `json:"number"`
	Timestamp int64  `json:"timestamp"`
}

// Marshal serializes the signal for storage or transport.
func Marshal(s Signal) ([]byte, error) {
	payload, err := proto.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal signal payload: %w", err)
	}
	w := wireSignal{
		ID:         s.ID,
		Kind:       s.Kind,
		Payload:    payload,
		ProducerID: s.ProducerID,
		Context: wireContext{
			ParentCommandID: s.Context.ParentCommandID,
			ParentEventID:   s.Context.ParentEventID,
			ActorID:         s.Context.ActorID,
			TenantID:        s.Context.TenantID,
			External:        s.Context.External,
			Timestamp:       s.Context.Timestamp.UTC().UnixNano(),
			Enrichments:     s.Context.Enrichments,
		},
	}
	if !s.Version.IsZero() {
		w.Version = &wireVersion{
			Number:    s.Version.Number,
			Timestamp: s.Version.Timestamp.UTC().UnixNano(),
		}
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal signal %s: %w", s.ID, err)
	}
	return raw, nil
}

// Unmarshal restores a signal serialized by Marshal.
func Unmarshal(raw []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(raw, &w); err != nil {
		return Signal{}, fmt.Errorf("unmarshal signal: %w", err)
	}
	payload := new(anypb.Any)
	if err := proto.Unmarshal(w.Payload, payload); err != nil {
		return Signal{}, fmt.Errorf("unmarshal signal payload: %w", err)
	}
	s := Signal{
		ID:         w.ID,
		Kind:       w.Kind,
		Payload:    payload,
		ProducerID: w.ProducerID,
		Context: Context{
			ParentCommandID: w.Context.ParentCommandID,
			ParentEventID:   w.Context.ParentEventID,
			ActorID:         w.Context.ActorID,
			TenantID:        w.Context.TenantID,
			External:        w.Context.External,
			Timestamp:       time.Unix(0, w.Context.Timestamp).UTC(),
			Enrichments:     w.Context.Enrichments,
		},
	}
	if w.Version != nil {
		s.Version = Version{
			Number:    w.Version.Number,
			Timestamp: time.Unix(0, w.Version.Timestamp).UTC(),
		}
	}
	return s, nil
}
