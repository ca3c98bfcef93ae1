package bus

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/louisbranch/signalmesh/internal/platform/errors"
	"github.com/louisbranch/signalmesh/internal/schema"
	"github.com/louisbranch/signalmesh/internal/signal"
)

type fakeDispatcher struct {
	classes  []signal.Class
	received []signal.Envelope
	ack      func(env signal.Envelope) signal.Ack
}

func (d *fakeDispatcher) MessageClasses() []signal.Class { return d.classes }

func (d *fakeDispatcher) Dispatch(_ context.Context, env signal.Envelope) signal.Ack {
	d.received = append(d.received, env)
	if d.ack != nil {
		return d.ack(env)
	}
	return signal.OkAck(env.Signal.ID)
}

func command(t *testing.T, class signal.Class) signal.Signal {
	t.Helper()
	return signal.NewCommand(signal.NewPayload(class, []byte(`{"calc_id":"calc-1"}`)), signal.Context{})
}

func TestUnicastRegistryRejectsDuplicate(t *testing.T) {
	registry := NewUnicastRegistry()
	first := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}
	second := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}

	if err := registry.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := registry.Register(second); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestUnicastRegisterIsAtomic(t *testing.T) {
	registry := NewUnicastRegistry()
	first := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}
	overlap := &fakeDispatcher{classes: []signal.Class{
		"type.test/calc.Reset",
		"type.test/calc.AddNumber",
	}}

	if err := registry.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := registry.Register(overlap); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
	if got := registry.DispatchersOf("type.test/calc.Reset"); len(got) != 0 {
		t.Fatalf("partial registration leaked: %v", got)
	}
}

func TestRegistryRejectsEmptyClassSet(t *testing.T) {
	registry := NewMulticastRegistry()
	err := registry.Register(&fakeDispatcher{})
	if !errors.Is(err, ErrInvalidDispatcher) {
		t.Fatalf("expected ErrInvalidDispatcher, got %v", err)
	}
}

func TestMulticastRegistryAppends(t *testing.T) {
	registry := NewMulticastRegistry()
	first := &fakeDispatcher{classes: []signal.Class{"type.test/calc.NumberAdded"}}
	second := &fakeDispatcher{classes: []signal.Class{"type.test/calc.NumberAdded"}}

	if err := registry.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := registry.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if got := registry.DispatchersOf("type.test/calc.NumberAdded"); len(got) != 2 {
		t.Fatalf("expected 2 dispatchers, got %d", len(got))
	}

	registry.Unregister(first)
	if got := registry.DispatchersOf("type.test/calc.NumberAdded"); len(got) != 1 {
		t.Fatalf("expected 1 dispatcher after unregister, got %d", len(got))
	}
}

func TestCommandBusRejectsDefaultPayload(t *testing.T) {
	b := NewCommandBus()
	sig := signal.Signal{ID: "s-1", Kind: signal.KindCommand, Payload: signal.NewPayload("type.test/calc.AddNumber", nil)}

	acks := b.Post(context.Background(), sig)
	if len(acks) != 1 {
		t.Fatalf("expected one ack, got %d", len(acks))
	}
	if acks[0].Status != signal.AckError || !errors.Is(acks[0].Err, signal.ErrDefaultPayload) {
		t.Fatalf("expected default payload error ack, got %+v", acks[0])
	}
	if acks[0].Code != apperrors.CodeDefaultPayload {
		t.Fatalf("expected CodeDefaultPayload, got %s", acks[0].Code)
	}

	st, ok := status.FromError(acks[0].GRPCStatus())
	if !ok {
		t.Fatal("expected a grpc status from the error ack")
	}
	if st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %s", st.Code())
	}
}

func TestCommandBusRequiresDispatcher(t *testing.T) {
	b := NewCommandBus()
	acks := b.Post(context.Background(), command(t, "type.test/calc.AddNumber"))
	if acks[0].Status != signal.AckError || !errors.Is(acks[0].Err, ErrNoDispatcher) {
		t.Fatalf("expected ErrNoDispatcher ack, got %+v", acks[0])
	}
	if acks[0].Code != apperrors.CodeNoDispatcher {
		t.Fatalf("expected CodeNoDispatcher, got %s", acks[0].Code)
	}
}

func TestCommandBusDispatches(t *testing.T) {
	b := NewCommandBus()
	d := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}
	if err := b.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	sig := command(t, "type.test/calc.AddNumber")
	acks := b.Post(context.Background(), sig)
	if acks[0].Status != signal.AckOk {
		t.Fatalf("expected ok ack, got %+v", acks[0])
	}
	if len(d.received) != 1 || d.received[0].Signal.ID != sig.ID {
		t.Fatalf("dispatcher did not receive the signal: %+v", d.received)
	}
}

func TestEventBusMulticastsToAllDispatchers(t *testing.T) {
	b := NewEventBus()
	first := &fakeDispatcher{classes: []signal.Class{"type.test/calc.NumberAdded"}}
	second := &fakeDispatcher{classes: []signal.Class{"type.test/calc.NumberAdded"}}
	if err := b.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := b.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	evt := signal.NewEvent(
		signal.NewPayload("type.test/calc.NumberAdded", []byte(`{"value":1}`)),
		"calc-1", signal.NewVersion(1), signal.Context{},
	)
	acks := b.Post(context.Background(), evt)
	if acks[0].Status != signal.AckOk {
		t.Fatalf("expected ok ack, got %+v", acks[0])
	}
	if len(first.received) != 1 || len(second.received) != 1 {
		t.Fatal("expected both dispatchers to receive the event")
	}
}

func TestEventBusNoDispatchersIsOk(t *testing.T) {
	b := NewEventBus()
	evt := signal.NewEvent(
		signal.NewPayload("type.test/calc.NumberAdded", []byte(`{"value":1}`)),
		"calc-1", signal.NewVersion(1), signal.Context{},
	)
	acks := b.Post(context.Background(), evt)
	if acks[0].Status != signal.AckOk {
		t.Fatalf("expected ok ack for unobserved event, got %+v", acks[0])
	}
}

func TestFilterShortCircuitsWithAck(t *testing.T) {
	rejecting := FilterFunc(func(_ context.Context, env signal.Envelope) (*signal.Ack, error) {
		ack := signal.ErrorAck(env.Signal.ID, errors.New("not now"))
		return &ack, nil
	})
	d := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}
	b := NewCommandBus(WithFilters(rejecting))
	if err := b.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	acks := b.Post(context.Background(), command(t, "type.test/calc.AddNumber"))
	if acks[0].Status != signal.AckError {
		t.Fatalf("expected error ack from filter, got %+v", acks[0])
	}
	if len(d.received) != 0 {
		t.Fatal("filtered signal must not reach dispatchers")
	}
}

func TestDedupFilterDropsSecondPost(t *testing.T) {
	d := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}
	b := NewCommandBus(WithFilters(NewDedupFilter()))
	if err := b.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	sig := command(t, "type.test/calc.AddNumber")
	first := b.Post(context.Background(), sig)
	second := b.Post(context.Background(), sig)
	if first[0].Status != signal.AckOk || second[0].Status != signal.AckOk {
		t.Fatalf("expected both posts acknowledged ok, got %+v %+v", first[0], second[0])
	}
	if len(d.received) != 1 {
		t.Fatalf("expected a single dispatch, got %d", len(d.received))
	}
}

func TestSchemaValidationProducesErrorAck(t *testing.T) {
	registry := schema.NewJSONRegistry(schema.Descriptor{
		Class:    "type.test/calc.AddNumber",
		Required: []string{"calc_id"},
	})
	b := NewCommandBus(WithSchema(registry))
	d := &fakeDispatcher{classes: []signal.Class{"type.test/calc.AddNumber"}}
	if err := b.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	bad := signal.NewCommand(signal.NewPayload("type.test/calc.AddNumber", []byte(`{"value":3}`)), signal.Context{})
	acks := b.Post(context.Background(), bad)
	if acks[0].Status != signal.AckError || !errors.Is(acks[0].Err, ErrSchemaViolated) {
		t.Fatalf("expected schema violation ack, got %+v", acks[0])
	}
	if acks[0].Code != apperrors.CodeSchemaViolated {
		t.Fatalf("expected CodeSchemaViolated, got %s", acks[0].Code)
	}
	if len(d.received) != 0 {
		t.Fatal("invalid signal must not reach dispatchers")
	}
}
