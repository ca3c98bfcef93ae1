// Package integration bridges events between bounded contexts over a
// pluggable transport. Exported events publish on per-class channels;
// imported events re-enter the local event bus with the external bit set.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/louisbranch/signalmesh/internal/bus"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// ErrChannelClosed indicates a publish on a closed transport channel.
var ErrChannelClosed = errors.New("transport channel is closed")

// ExternalMessage is the wire form of a signal crossing context boundaries.
type ExternalMessage struct {
	// ID is the original signal id; it survives the crossing so dedup keeps
	// working downstream.
	ID string `json:"id"`
	// Kind is the signal family, normally an event or a rejection.
	Kind string `json:"kind"`
	// TypeURL and Payload carry the message itself.
	TypeURL string `json:"type_url"`
	Payload []byte `json:"payload"`
	// Origin names the bounded context that published the message.
	Origin string `json:"origin"`
	// ProducerID and VersionNumber survive for event ordering downstream.
	ProducerID    string `json:"producer_id,omitempty"`
	VersionNumber uint64 `json:"version_number,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// Encode serializes the message for the transport.
func (m ExternalMessage) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode external message %s: %w", m.ID, err)
	}
	return raw, nil
}

// DecodeExternalMessage reverses Encode.
func DecodeExternalMessage(raw []byte) (ExternalMessage, error) {
	var m ExternalMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ExternalMessage{}, fmt.Errorf("decode external message: %w", err)
	}
	return m, nil
}

// Publisher sends messages on one channel.
type Publisher interface {
	Publish(ctx context.Context, msg ExternalMessage) error
	Close() error
}

// Subscriber receives messages from one channel.
type Subscriber interface {
	// Subscribe registers the callback and returns a cancel function.
	Subscribe(fn func(ExternalMessage)) (func(), error)
	Close() error
}

// TransportFactory provides the channels the integration bus runs over.
type TransportFactory interface {
	CreatePublisher(channelID string) (Publisher, error)
	CreateSubscriber(channelID string) (Subscriber, error)
}

// Bus connects the local event bus to the transport.
type Bus struct {
	context   string
	transport TransportFactory
	events    *bus.Bus

	mu          sync.Mutex
	publishers  map[string]Publisher
	subscribers map[string]Subscriber
	cancels     []func()
	exporter    *exporter
}

// NewBus builds an integration bus for the named bounded context.
func NewBus(contextName string, transport TransportFactory, events *bus.Bus) (*Bus, error) {
	if transport == nil {
		return nil, errors.New("transport factory is required")
	}
	if events == nil {
		return nil, errors.New("event bus is required")
	}
	return &Bus{
		context:     contextName,
		transport:   transport,
		events:      events,
		publishers:  make(map[string]Publisher),
		subscribers: make(map[string]Subscriber),
	}, nil
}

// PublishClasses exports local events of the given classes. Each class maps
// to one transport channel named by its type URL.
func (b *Bus) PublishClasses(classes ...signal.Class) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, class := range classes {
		if _, exists := b.publishers[string(class)]; exists {
			continue
		}
		pub, err := b.transport.CreatePublisher(string(class))
		if err != nil {
			return fmt.Errorf("create publisher for %s: %w", class, err)
		}
		b.publishers[string(class)] = pub
	}
	classes = classes[:0]
	for id := range b.publishers {
		classes = append(classes, signal.Class(id))
	}
	if b.exporter != nil {
		b.events.Unregister(b.exporter)
	}
	b.exporter = &exporter{bus: b, classes: classes}
	return b.events.Register(b.exporter)
}

// SubscribeTo imports events of the given classes from other contexts and
// posts them on the local event bus with the external bit set.
func (b *Bus) SubscribeTo(ctx context.Context, classes ...signal.Class) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, class := range classes {
		if _, exists := b.subscribers[string(class)]; exists {
			continue
		}
		sub, err := b.transport.CreateSubscriber(string(class))
		if err != nil {
			return fmt.Errorf("create subscriber for %s: %w", class, err)
		}
		cancel, err := sub.Subscribe(func(msg ExternalMessage) {
			b.importMessage(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", class, err)
		}
		b.subscribers[string(class)] = sub
		b.cancels = append(b.cancels, cancel)
	}
	return nil
}

// importMessage converts an external message into a local signal.
func (b *Bus) importMessage(ctx context.Context, msg ExternalMessage) {
	if msg.Origin == b.context {
		// The transport may loop our own publications back.
		return
	}
	sig := signal.Signal{
		ID:         msg.ID,
		Kind:       signal.Kind(msg.Kind),
		Payload:    signal.NewPayload(signal.Class(msg.TypeURL), msg.Payload),
		ProducerID: msg.ProducerID,
	}
	if sig.Kind == "" {
		sig.Kind = signal.KindEvent
	}
	if msg.VersionNumber > 0 {
		sig.Version = signal.NewVersion(msg.VersionNumber)
	}
	sig.Context = signal.Context{
		TenantID:  msg.TenantID,
		External:  true,
		Timestamp: sig.Version.Timestamp,
	}
	b.events.Post(ctx, sig)
}

// Close releases every channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exporter != nil {
		b.events.Unregister(b.exporter)
		b.exporter = nil
	}
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	var firstErr error
	for id, pub := range b.publishers {
		if err := pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.publishers, id)
	}
	for id, sub := range b.subscribers {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subscribers, id)
	}
	return firstErr
}

// exporter is the event bus dispatcher that publishes exported classes. Its
// class list is a snapshot taken at registration time.
type exporter struct {
	bus     *Bus
	classes []signal.Class
}

func (e *exporter) MessageClasses() []signal.Class {
	return e.classes
}

func (e *exporter) Dispatch(ctx context.Context, env signal.Envelope) signal.Ack {
	sig := env.Signal
	if env.External() {
		// Imported signals never re-export; that would ping-pong between
		// contexts.
		return signal.OkAck(sig.ID)
	}
	e.bus.mu.Lock()
	pub, ok := e.bus.publishers[string(env.MessageClass())]
	e.bus.mu.Unlock()
	if !ok {
		return signal.OkAck(sig.ID)
	}
	msg := ExternalMessage{
		ID:            sig.ID,
		Kind:          string(sig.Kind),
		TypeURL:       sig.Payload.GetTypeUrl(),
		Payload:       sig.Payload.GetValue(),
		Origin:        e.bus.context,
		ProducerID:    sig.ProducerID,
		VersionNumber: sig.Version.Number,
		TenantID:      sig.Context.TenantID,
	}
	if err := pub.Publish(ctx, msg); err != nil {
		return signal.ErrorAck(sig.ID, err)
	}
	return signal.OkAck(sig.ID)
}
