// Package schema declares the message schema collaborator consumed by the
// buses and routing, plus a JSON-backed registry for hosts without an IDL
// toolchain.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/louisbranch/signalmesh/internal/signal"
)

// Violation is one failed schema constraint.
type Violation struct {
	Field  string
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Registry validates payloads and exposes the field metadata routing and
// filtering rely on.
type Registry interface {
	// Validate checks the payload against its schema. An empty result means
	// the payload is acceptable.
	Validate(payload *anypb.Any) []Violation
	// FieldValue reports the string form of a payload field.
	FieldValue(payload *anypb.Any, field string) (string, bool)
	// FirstIDField reports the value of the first id-typed payload field.
	FirstIDField(payload *anypb.Any) (string, bool)
}

// Descriptor declares the schema of one message class for the JSON registry.
type Descriptor struct {
	Class signal.Class
	// IDFields lists the id-typed fields in declaration order.
	IDFields []string
	// Required lists fields that must be present and non-empty.
	Required []string
}

// JSONRegistry is a Registry over JSON-encoded payloads.
//
// Unregistered classes pass validation: the core stays usable for hosts that
// validate upstream.
type JSONRegistry struct {
	mu    sync.RWMutex
	types map[signal.Class]Descriptor
}

// NewJSONRegistry builds a registry with the given descriptors.
func NewJSONRegistry(descriptors ...Descriptor) *JSONRegistry {
	r := &JSONRegistry{types: make(map[signal.Class]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.types[d.Class] = d
	}
	return r
}

// Register adds or replaces a descriptor.
func (r *JSONRegistry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[d.Class] = d
}

// Validate checks required fields of registered classes.
func (r *JSONRegistry) Validate(payload *anypb.Any) []Violation {
	fields, ok := decode(payload)
	if !ok {
		return []Violation{{Field: "", Reason: "payload is not a JSON object"}}
	}
	r.mu.RLock()
	desc, known := r.types[signal.Class(payload.GetTypeUrl())]
	r.mu.RUnlock()
	if !known {
		return nil
	}
	var violations []Violation
	for _, field := range desc.Required {
		value, present := fields[field]
		if !present || stringify(value) == "" {
			violations = append(violations, Violation{Field: field, Reason: "required field is missing"})
		}
	}
	return violations
}

// FieldValue reports the string form of a payload field.
func (r *JSONRegistry) FieldValue(payload *anypb.Any, field string) (string, bool) {
	fields, ok := decode(payload)
	if !ok {
		return "", false
	}
	value, present := fields[field]
	if !present {
		return "", false
	}
	return stringify(value), true
}

// FirstIDField reports the first id-typed field value: the declared id fields
// of a registered class, otherwise the lexically first key named "id" or
// ending in "_id".
func (r *JSONRegistry) FirstIDField(payload *anypb.Any) (string, bool) {
	fields, ok := decode(payload)
	if !ok {
		return "", false
	}
	r.mu.RLock()
	desc, known := r.types[signal.Class(payload.GetTypeUrl())]
	r.mu.RUnlock()
	if known {
		for _, field := range desc.IDFields {
			if value, present := fields[field]; present {
				return stringify(value), true
			}
		}
	}
	var keys []string
	for key := range fields {
		if key == "id" || strings.HasSuffix(key, "_id") {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return stringify(fields[keys[0]]), true
}

func decode(payload *anypb.Any) (map[string]any, bool) {
	if payload == nil {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(payload.GetValue(), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
