package entity

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/louisbranch/signalmesh/internal/signal"
)

var (
	// ErrDuplicateHandler indicates two handlers for the same message class
	// and filter value.
	ErrDuplicateHandler = errors.New("duplicate handler for message class")
	// ErrInvalidHandler indicates a handler whose signature check produced
	// an error-severity mismatch.
	ErrInvalidHandler = errors.New("handler signature is invalid")
)

// HandlerKind classifies what a handler entry point does.
type HandlerKind string

const (
	// HandlerCommand handles a command and emits events.
	HandlerCommand HandlerKind = "command_handler"
	// HandlerCommandSubstitute handles a command and emits commands.
	HandlerCommandSubstitute HandlerKind = "command_substitute"
	// HandlerEventApplier folds an event into aggregate state.
	HandlerEventApplier HandlerKind = "event_applier"
	// HandlerEventReactor reacts to an event, possibly emitting signals.
	HandlerEventReactor HandlerKind = "event_reactor"
	// HandlerRejectionReactor reacts to a rejection of an earlier command.
	HandlerRejectionReactor HandlerKind = "rejection_reactor"
	// HandlerEventSubscriber mutates projection state from an event.
	HandlerEventSubscriber HandlerKind = "event_subscriber"
)

// ParamSpec tags the parameter shape a handler was declared with.
type ParamSpec string

const (
	// ParamsMessage receives the payload only.
	ParamsMessage ParamSpec = "msg"
	// ParamsMessageContext receives the payload and its signal context.
	ParamsMessageContext ParamSpec = "msg_ctx"
	// ParamsEventMessageEventContext receives an event payload and context.
	ParamsEventMessageEventContext ParamSpec = "event_msg_event_ctx"
	// ParamsRejectionMessageCommandContext receives a rejection payload and
	// the context of the rejected command.
	ParamsRejectionMessageCommandContext ParamSpec = "rejection_msg_command_ctx"
	// ParamsRejectionMessageCommandContextCommandMessage additionally
	// receives the rejected command payload.
	ParamsRejectionMessageCommandContextCommandMessage ParamSpec = "rejection_msg_command_ctx_command_msg"
)

// ReturnSpec tags the return shape a handler was declared with.
type ReturnSpec string

const (
	// ReturnsSingle returns exactly one message.
	ReturnsSingle ReturnSpec = "single"
	// ReturnsIterable returns zero or more messages.
	ReturnsIterable ReturnSpec = "iterable"
	// ReturnsOptional returns at most one message.
	ReturnsOptional ReturnSpec = "optional"
	// ReturnsTuple returns a fixed group of messages.
	ReturnsTuple ReturnSpec = "tuple"
	// ReturnsNothing returns no messages.
	ReturnsNothing ReturnSpec = "nothing"
)

// Output is what an emitting handler produced.
type Output struct {
	// Events are event payloads to be wrapped and posted.
	Events []*anypb.Any
	// Commands are command payloads to be wrapped and posted.
	Commands []*anypb.Any
	// Rejection declines the consumed command instead of emitting.
	Rejection *anypb.Any
}

// EmitFn is an emitting handler: command handlers, substitutes, and reactors.
// It observes the current state and never mutates it.
type EmitFn func(state any, sig signal.Signal) (Output, error)

// ApplyFn is a state transition: event appliers and subscribers. It returns
// the next state and must treat its input as immutable.
type ApplyFn func(state any, sig signal.Signal) (any, error)

// Handler is one descriptor row in the signature table: the host application
// registers these at entity registration instead of the core reflecting over
// methods.
type Handler struct {
	Kind HandlerKind
	// Name is the entry point name, used in mismatch reports.
	Name string
	// Consumes is the message class this handler accepts.
	Consumes signal.Class
	// FilterField and FilterValue narrow the handler to signals whose payload
	// field carries the value. Empty FilterField matches every signal of the
	// class.
	FilterField string
	FilterValue string
	// Params and Returns are the declared signature tags.
	Params  ParamSpec
	Returns ReturnSpec
	// Produces lists the classes this handler may emit.
	Produces []signal.Class
	// Emit is set for emitting kinds, Apply for state-transition kinds.
	// Reactors on process managers may set both.
	Emit  EmitFn
	Apply ApplyFn
	// Exported marks an entry point visible outside its declaring scope.
	Exported bool
}

type mapKey struct {
	class signal.Class
	value string
}

// Map indexes the handlers of one entity class by consumed message class and
// optional filter value.
type Map struct {
	kind    Kind
	entries map[mapKey]Handler
}

// NewMap checks every handler and indexes the valid set.
//
// A mismatch with error severity fails the whole registration; warnings are
// returned for the caller to log. Two handlers for the same (class, filter
// value) fail with ErrDuplicateHandler.
func NewMap(kind Kind, handlers ...Handler) (*Map, []Mismatch, error) {
	var warnings []Mismatch
	m := &Map{kind: kind, entries: make(map[mapKey]Handler, len(handlers))}
	for _, h := range handlers {
		mismatches := Check(kind, h)
		for _, mm := range mismatches {
			if mm.Severity == SeverityError {
				return nil, mismatches, fmt.Errorf("%w: %s: %s", ErrInvalidHandler, h.Name, mm.Reason)
			}
			warnings = append(warnings, mm)
		}
		key := mapKey{class: h.Consumes, value: h.FilterValue}
		if _, exists := m.entries[key]; exists {
			return nil, warnings, fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Consumes)
		}
		m.entries[key] = h
	}
	return m, warnings, nil
}

// HandlerFor resolves the handler for a message class. fieldValue reports the
// payload value of a filter field; handlers with a filter are preferred over
// the unfiltered fallback.
func (m *Map) HandlerFor(class signal.Class, fieldValue func(field string) (string, bool)) (Handler, bool) {
	if m == nil {
		return Handler{}, false
	}
	// Filtered entries win over the catch-all for the class.
	for key, h := range m.entries {
		if key.class != class || h.FilterField == "" {
			continue
		}
		if fieldValue == nil {
			continue
		}
		if value, ok := fieldValue(h.FilterField); ok && value == h.FilterValue {
			return h, true
		}
	}
	h, ok := m.entries[mapKey{class: class}]
	return h, ok
}

// Classes returns the consumed classes of handlers matching the given kinds,
// or of all handlers when no kind is given.
func (m *Map) Classes(kinds ...HandlerKind) []signal.Class {
	if m == nil {
		return nil
	}
	match := func(k HandlerKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
	seen := make(map[signal.Class]bool)
	var classes []signal.Class
	for key, h := range m.entries {
		if !match(h.Kind) || seen[key.class] {
			continue
		}
		seen[key.class] = true
		classes = append(classes, key.class)
	}
	return classes
}
