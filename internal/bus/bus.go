package bus

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/signalmesh/internal/platform/errors"
	"github.com/louisbranch/signalmesh/internal/schema"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// ErrSchemaViolated indicates a payload that failed schema validation.
var ErrSchemaViolated = errors.New("payload violates its schema")

// Bus is the pipeline for one signal family: envelope, validate, filter,
// resolve, dispatch, acknowledge.
//
// The bus itself is stateless; dispatch is a synchronous hand-off and
// blocking lives behind the dispatchers.
type Bus struct {
	kind     signal.Kind
	registry *Registry
	schema   schema.Registry
	filters  []Filter
	tracer   trace.Tracer
}

// Option configures a bus.
type Option func(*Bus)

// WithSchema sets the schema registry used for payload validation.
func WithSchema(s schema.Registry) Option {
	return func(b *Bus) { b.schema = s }
}

// WithFilters appends filters to the chain in order.
func WithFilters(filters ...Filter) Option {
	return func(b *Bus) { b.filters = append(b.filters, filters...) }
}

// NewCommandBus builds the unicast bus for commands.
func NewCommandBus(opts ...Option) *Bus {
	return newBus(signal.KindCommand, NewUnicastRegistry(), opts)
}

// NewEventBus builds the multicast bus for events.
func NewEventBus(opts ...Option) *Bus {
	return newBus(signal.KindEvent, NewMulticastRegistry(), opts)
}

// NewRejectionBus builds the multicast bus for rejections.
func NewRejectionBus(opts ...Option) *Bus {
	return newBus(signal.KindRejection, NewMulticastRegistry(), opts)
}

func newBus(kind signal.Kind, registry *Registry, opts []Option) *Bus {
	b := &Bus{
		kind:     kind,
		registry: registry,
		tracer:   otel.Tracer("signalmesh/bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind returns the signal family this bus serves.
func (b *Bus) Kind() signal.Kind {
	return b.kind
}

// Register adds a dispatcher to the bus registry.
func (b *Bus) Register(d Dispatcher) error {
	return b.registry.Register(d)
}

// Unregister removes a dispatcher from the bus registry.
func (b *Bus) Unregister(d Dispatcher) {
	b.registry.Unregister(d)
}

// Post runs each signal through the pipeline and reports one ack per signal,
// in input order.
func (b *Bus) Post(ctx context.Context, signals ...signal.Signal) []signal.Ack {
	acks := make([]signal.Ack, 0, len(signals))
	for _, sig := range signals {
		acks = append(acks, b.post(ctx, sig))
	}
	return acks
}

func (b *Bus) post(ctx context.Context, sig signal.Signal) signal.Ack {
	ctx, span := b.tracer.Start(ctx, "bus.post", trace.WithAttributes(
		attribute.String("signal.kind", string(b.kind)),
		attribute.String("signal.class", string(sig.Class())),
	))
	defer span.End()

	env, err := signal.Enclose(sig)
	if err != nil {
		code := apperrors.CodeMissingPayload
		if errors.Is(err, signal.ErrDefaultPayload) {
			code = apperrors.CodeDefaultPayload
		}
		return signal.ErrorAck(sig.ID, apperrors.Wrap(code, err.Error(), err))
	}

	if b.schema != nil {
		if violations := b.schema.Validate(sig.Payload); len(violations) > 0 {
			cause := fmt.Errorf("%w: %v", ErrSchemaViolated, violations)
			return signal.ErrorAck(sig.ID, apperrors.Wrap(apperrors.CodeSchemaViolated, cause.Error(), cause))
		}
	}

	for _, filter := range b.filters {
		ack, err := filter.Accept(ctx, env)
		if ack != nil {
			return *ack
		}
		if errors.Is(err, ErrDropSilently) {
			return signal.OkAck(sig.ID)
		}
		if err != nil {
			return signal.ErrorAck(sig.ID, err)
		}
	}

	dispatchers := b.registry.DispatchersOf(env.MessageClass())
	if b.registry.unicast {
		if len(dispatchers) == 0 {
			cause := fmt.Errorf("%w: %s", ErrNoDispatcher, env.MessageClass())
			return signal.ErrorAck(sig.ID, apperrors.Wrap(apperrors.CodeNoDispatcher, cause.Error(), cause))
		}
		return dispatchers[0].Dispatch(ctx, env)
	}

	// Multicast: nobody listening is a valid outcome.
	combined := signal.OkAck(sig.ID)
	for _, d := range dispatchers {
		ack := d.Dispatch(ctx, env)
		combined = merge(combined, ack)
	}
	return combined
}

// merge folds one dispatcher ack into the combined multicast ack. Errors win
// over rejections, rejections over ok.
func merge(combined, ack signal.Ack) signal.Ack {
	combined.ProducedEvents += ack.ProducedEvents
	combined.ProducedCommands += ack.ProducedCommands
	switch {
	case ack.Status == signal.AckError && combined.Status != signal.AckError:
		combined.Status = signal.AckError
		combined.Err = ack.Err
		combined.Code = ack.Code
	case ack.Status == signal.AckRejection && combined.Status == signal.AckOk:
		combined.Status = signal.AckRejection
		combined.Rejection = ack.Rejection
	}
	return combined
}
