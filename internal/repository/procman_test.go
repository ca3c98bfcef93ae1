package repository_test

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/louisbranch/signalmesh/internal/bus"
	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/repository"
	"github.com/louisbranch/signalmesh/internal/schema"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage/memory"
)

const (
	orderPMClass      = signal.Class("type.test/orders.OrderProcess")
	classPlaceOrder   = signal.Class("type.test/orders.PlaceOrder")
	classReserveStock = signal.Class("type.test/orders.ReserveStock")
	classChargeCard   = signal.Class("type.test/orders.ChargeCard")
)

type orderProcessState struct {
	Placed int `json:"placed"`
}

type placeOrder struct {
	OrderID  string `json:"order_id"`
	Customer string `json:"customer"`
	Items    int    `json:"items"`
}

// commandCollector records commands posted to the command bus.
type commandCollector struct {
	received []signal.Signal
}

func (c *commandCollector) MessageClasses() []signal.Class {
	return []signal.Class{classReserveStock, classChargeCard}
}

func (c *commandCollector) Dispatch(_ context.Context, env signal.Envelope) signal.Ack {
	c.received = append(c.received, env.Signal)
	return signal.OkAck(env.Signal.ID)
}

func orderHandlers(t *testing.T) *entity.Map {
	t.Helper()
	substitute := entity.Handler{
		Kind:     entity.HandlerCommandSubstitute,
		Name:     "handlePlaceOrder",
		Consumes: classPlaceOrder,
		Params:   entity.ParamsMessageContext,
		Returns:  entity.ReturnsTuple,
		Produces: []signal.Class{classReserveStock, classChargeCard},
		Emit: func(_ any, sig signal.Signal) (entity.Output, error) {
			var cmd placeOrder
			if err := signal.UnmarshalPayload(sig.Payload, &cmd); err != nil {
				return entity.Output{}, err
			}
			reserve, err := signal.MarshalPayload(classReserveStock, map[string]any{
				"stock_id": "stock-" + cmd.Customer,
				"items":    cmd.Items,
			})
			if err != nil {
				return entity.Output{}, err
			}
			charge, err := signal.MarshalPayload(classChargeCard, map[string]any{
				"card_id": "card-" + cmd.Customer,
			})
			if err != nil {
				return entity.Output{}, err
			}
			return entity.Output{Commands: []*anypb.Any{reserve, charge}}, nil
		},
		Apply: func(state any, _ signal.Signal) (any, error) {
			s := state.(orderProcessState)
			s.Placed++
			return s, nil
		},
	}
	m, _, err := entity.NewMap(entity.KindProcessManager, substitute)
	if err != nil {
		t.Fatalf("handler map: %v", err)
	}
	return m
}

func TestProcessManagerSubstitutesCommands(t *testing.T) {
	d, err := delivery.New(delivery.Config{ShardCount: 1, PageSize: 100}, memory.NewInbox())
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	commandBus := bus.NewCommandBus()
	collector := &commandCollector{}
	if err := commandBus.Register(collector); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	repo, err := repository.New(repository.Config{
		Metadata: repository.Metadata{
			Kind:       entity.KindProcessManager,
			StateClass: orderPMClass,
			NewState:   func() any { return &orderProcessState{} },
			Handlers:   orderHandlers(t),
		},
		Schema:     schema.NewJSONRegistry(),
		Delivery:   d,
		CommandBus: commandBus,
		Records:    memory.NewRecordStorage(),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}

	payload, err := signal.MarshalPayload(classPlaceOrder, placeOrder{OrderID: "o-1", Customer: "C", Items: 4})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cmd := signal.NewCommand(payload, signal.Context{ActorID: "customer-C"})

	outcome := repo.DispatchTo(context.Background(), "o-1", cmd)
	if outcome.Status != delivery.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.ProducedCommands != 2 {
		t.Fatalf("expected two produced commands, got %d", outcome.ProducedCommands)
	}
	if len(collector.received) != 2 {
		t.Fatalf("expected both commands on the bus, got %d", len(collector.received))
	}
	for _, produced := range collector.received {
		if produced.Context.ParentCommandID != cmd.ID {
			t.Fatalf("expected parent command %s, got %s", cmd.ID, produced.Context.ParentCommandID)
		}
		if produced.Kind != signal.KindCommand {
			t.Fatalf("expected command kind, got %s", produced.Kind)
		}
	}

	// The process state advanced with an auto-incremented version.
	ent, err := repo.FindOrCreate(context.Background(), "", "o-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ent.State.(orderProcessState).Placed != 1 {
		t.Fatalf("expected one placed order, got %+v", ent.State)
	}
	if ent.Version.Number != 1 {
		t.Fatalf("expected v1, got v%d", ent.Version.Number)
	}
}

func TestProjectionSubscriberAutoIncrementsVersion(t *testing.T) {
	const projectionClass = signal.Class("type.test/calc.CalculatorView")

	subscriber := entity.Handler{
		Kind:     entity.HandlerEventSubscriber,
		Name:     "onNumberAdded",
		Consumes: classNumberAdded,
		Params:   entity.ParamsEventMessageEventContext,
		Returns:  entity.ReturnsNothing,
		Apply: func(state any, sig signal.Signal) (any, error) {
			var evt numberAdded
			if err := signal.UnmarshalPayload(sig.Payload, &evt); err != nil {
				return nil, err
			}
			s := state.(calcState)
			s.Sum += evt.Value
			return s, nil
		},
	}
	handlers, _, err := entity.NewMap(entity.KindProjection, subscriber)
	if err != nil {
		t.Fatalf("handler map: %v", err)
	}

	d, err := delivery.New(delivery.Config{ShardCount: 1, PageSize: 100}, memory.NewInbox())
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	repo, err := repository.New(repository.Config{
		Metadata: repository.Metadata{
			Kind:       entity.KindProjection,
			StateClass: projectionClass,
			NewState:   func() any { return &calcState{} },
			Handlers:   handlers,
		},
		Delivery: d,
		Records:  memory.NewRecordStorage(),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}

	ctx := context.Background()
	for i, v := range []int{3, 4} {
		payload, err := signal.MarshalPayload(classNumberAdded, numberAdded{Value: v})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		evt := signal.NewEvent(payload, "calc-1", signal.NewVersion(uint64(i+1)), signal.Context{})
		if outcome := repo.DispatchTo(ctx, "calc-1", evt); outcome.Status != delivery.OutcomeSuccess {
			t.Fatalf("dispatch: %+v", outcome)
		}
	}

	ent, err := repo.FindOrCreate(ctx, "", "calc-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ent.State.(calcState).Sum != 7 {
		t.Fatalf("expected sum 7, got %+v", ent.State)
	}
	if ent.Version.Number != 2 {
		t.Fatalf("expected auto-incremented v2, got v%d", ent.Version.Number)
	}
}

func TestCommandRejectionFlowsToRejectionBus(t *testing.T) {
	const classTooLarge = signal.Class("type.test/calc.ValueTooLarge")

	rejecting := entity.Handler{
		Kind:     entity.HandlerCommand,
		Name:     "handleAddNumber",
		Consumes: classAddNumber,
		Params:   entity.ParamsMessage,
		Returns:  entity.ReturnsSingle,
		Produces: []signal.Class{classNumberAdded},
		Emit: func(_ any, sig signal.Signal) (entity.Output, error) {
			payload, err := signal.MarshalPayload(classTooLarge, map[string]string{"reason": "too large"})
			if err != nil {
				return entity.Output{}, err
			}
			return entity.Output{Rejection: payload}, nil
		},
	}
	handlers, _, err := entity.NewMap(entity.KindAggregate, rejecting)
	if err != nil {
		t.Fatalf("handler map: %v", err)
	}

	d, err := delivery.New(delivery.Config{ShardCount: 1, PageSize: 100}, memory.NewInbox())
	if err != nil {
		t.Fatalf("delivery: %v", err)
	}
	rejectionBus := bus.NewRejectionBus()
	seen := []signal.Signal{}
	sink := busSink{classes: []signal.Class{classTooLarge}, out: &seen}
	if err := rejectionBus.Register(sink); err != nil {
		t.Fatalf("register sink: %v", err)
	}

	repo, err := repository.New(repository.Config{
		Metadata: repository.Metadata{
			Kind:       entity.KindAggregate,
			StateClass: calcClass,
			NewState:   func() any { return &calcState{} },
			Handlers:   handlers,
		},
		Delivery:     d,
		RejectionBus: rejectionBus,
		Events:       memory.NewEventStore(),
	})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}

	cmd := addNumberCmd(t, "calc-1", 10_000)
	outcome := repo.DispatchTo(context.Background(), "calc-1", cmd)
	if outcome.Status != delivery.OutcomeSuccess || outcome.Rejection == nil {
		t.Fatalf("expected success with rejection, got %+v", outcome)
	}
	if len(seen) != 1 {
		t.Fatalf("expected rejection on the bus, got %d", len(seen))
	}
	if seen[0].Kind != signal.KindRejection {
		t.Fatalf("expected rejection kind, got %s", seen[0].Kind)
	}
	if seen[0].Context.ParentCommandID != cmd.ID {
		t.Fatalf("expected rejection parented to %s, got %s", cmd.ID, seen[0].Context.ParentCommandID)
	}
}

type busSink struct {
	classes []signal.Class
	out     *[]signal.Signal
}

func (s busSink) MessageClasses() []signal.Class { return s.classes }

func (s busSink) Dispatch(_ context.Context, env signal.Envelope) signal.Ack {
	*s.out = append(*s.out, env.Signal)
	return signal.OkAck(env.Signal.ID)
}
