// Package signal defines the message envelope shared by every bus: commands,
// events, and rejections, their origin context, versions, and acks.
package signal

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	// ErrDefaultPayload indicates a payload carrying no data.
	ErrDefaultPayload = errors.New("payload is a default message")
	// ErrMissingID indicates a signal without an id.
	ErrMissingID = errors.New("signal id is required")
)

// Kind identifies the signal family.
type Kind string

const (
	// KindCommand identifies an instruction to change entity state.
	KindCommand Kind = "command"
	// KindEvent identifies a fact that has occurred.
	KindEvent Kind = "event"
	// KindRejection identifies a declined command.
	KindRejection Kind = "rejection"
)

// Class is the stable type URL of a signal payload.
type Class string

// IsValid reports whether the class is usable.
func (c Class) IsValid() bool {
	return strings.TrimSpace(string(c)) != ""
}

// Context carries the origin chain of a signal.
//
// Every signal except a root command has exactly one parent: the command or
// event that caused it.
type Context struct {
	// ParentCommandID is the id of the command this signal originates from.
	ParentCommandID string
	// ParentEventID is the id of the event this signal originates from.
	ParentEventID string
	// ActorID identifies who initiated the root command.
	ActorID string
	// TenantID scopes the signal to a tenant. Empty for single-tenant hosts.
	TenantID string
	// External marks signals imported from another bounded context.
	External bool
	// Timestamp is when the signal was produced.
	Timestamp time.Time
	// Enrichments holds optional opaque attachments keyed by type URL.
	Enrichments map[string][]byte
}

// OriginID returns the closest parent id: the parent event when present,
// otherwise the parent command. Empty for root commands.
func (c Context) OriginID() string {
	if c.ParentEventID != "" {
		return c.ParentEventID
	}
	return c.ParentCommandID
}

// IsRoot reports whether the context has no parent signal.
func (c Context) IsRoot() bool {
	return c.ParentCommandID == "" && c.ParentEventID == ""
}

// Signal is a command, event, or rejection travelling through the buses.
type Signal struct {
	// ID is the unique signal id.
	ID string
	// Kind identifies the signal family.
	Kind Kind
	// Payload is the typed message, opaque to the core.
	Payload *anypb.Any
	// Context carries the origin chain.
	Context Context
	// ProducerID is the serialized id of the producing entity. Events only.
	ProducerID string
	// Version is the producer version the event was emitted at. Events only.
	Version Version
}

// Class returns the payload type URL.
func (s Signal) Class() Class {
	return Class(s.Payload.GetTypeUrl())
}

// IsDefault reports whether the payload carries no data.
//
// Default messages are rejected everywhere: never enqueued, never stored.
func (s Signal) IsDefault() bool {
	return s.Payload == nil || s.Payload.GetTypeUrl() == "" || len(s.Payload.GetValue()) == 0
}

// NewID returns a fresh signal id.
func NewID() string {
	return uuid.NewString()
}

// NewCommand wraps payload into a command signal.
func NewCommand(payload *anypb.Any, ctx Context) Signal {
	return newSignal(KindCommand, payload, ctx)
}

// NewEvent wraps payload into an event signal emitted by producer at version.
func NewEvent(payload *anypb.Any, producerID string, version Version, ctx Context) Signal {
	s := newSignal(KindEvent, payload, ctx)
	s.ProducerID = producerID
	s.Version = version
	return s
}

// NewRejection wraps payload into a rejection signal.
func NewRejection(payload *anypb.Any, ctx Context) Signal {
	return newSignal(KindRejection, payload, ctx)
}

func newSignal(kind Kind, payload *anypb.Any, ctx Context) Signal {
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now().UTC()
	}
	return Signal{
		ID:      NewID(),
		Kind:    kind,
		Payload: payload,
		Context: ctx,
	}
}

// ChildContext derives the context for a signal produced while handling
// parent. The actor and tenant propagate; the parent becomes the origin.
func ChildContext(parent Signal) Context {
	ctx := Context{
		ActorID:   parent.Context.ActorID,
		TenantID:  parent.Context.TenantID,
		Timestamp: time.Now().UTC(),
	}
	switch parent.Kind {
	case KindEvent:
		ctx.ParentEventID = parent.ID
		ctx.ParentCommandID = parent.Context.ParentCommandID
	default:
		ctx.ParentCommandID = parent.ID
	}
	return ctx
}
