// Package repository owns the entities of one class: it routes signals to
// target ids, enqueues them for sharded delivery, and executes dispatch
// inside an entity transaction.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/louisbranch/signalmesh/internal/bus"
	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/route"
	"github.com/louisbranch/signalmesh/internal/schema"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
)

var (
	// ErrHandlersRequired indicates a repository without a handler map.
	ErrHandlersRequired = errors.New("handler map is required")
	// ErrStateFactoryRequired indicates a repository without a state factory.
	ErrStateFactoryRequired = errors.New("state factory is required")
	// ErrDeliveryRequired indicates a repository without a delivery.
	ErrDeliveryRequired = errors.New("delivery is required")
	// ErrEventStoreRequired indicates an aggregate repository without an
	// event store.
	ErrEventStoreRequired = errors.New("event store is required for aggregates")
	// ErrRecordStorageRequired indicates a non-aggregate repository without
	// record storage.
	ErrRecordStorageRequired = errors.New("record storage is required")
	// ErrNoApplier indicates a produced event without an applier.
	ErrNoApplier = errors.New("no applier for produced event class")
)

// Metadata describes the entity class a repository manages.
type Metadata struct {
	// Kind selects aggregate, process manager, or projection semantics.
	Kind entity.Kind
	// StateClass is the type URL of the entity state; it identifies the
	// entity type in inboxes and sharding.
	StateClass signal.Class
	// NewState returns a pointer to a zero state value. Entities hold the
	// value; the pointer is only needed to decode persisted state.
	NewState func() any
	// Validate checks state invariants after every phase. Optional.
	Validate func(any) error
	// Handlers is the signature-checked handler table.
	Handlers *entity.Map
	// SnapshotTrigger writes an aggregate snapshot every N events. Zero
	// disables snapshots.
	SnapshotTrigger int
	// HandlerTimeout aborts an emitting handler that runs longer. Zero
	// means no timeout.
	HandlerTimeout time.Duration
}

// Config wires a repository into its collaborators.
type Config struct {
	Metadata Metadata
	Schema   schema.Registry
	Delivery *delivery.Delivery
	// EventBus receives produced events and diagnostics. Optional.
	EventBus *bus.Bus
	// CommandBus receives produced commands. Optional.
	CommandBus *bus.Bus
	// RejectionBus receives rejections of consumed commands. Optional.
	RejectionBus *bus.Bus
	// Events is the journal for aggregate histories and produced events.
	Events storage.EventStore
	// Records stores process manager and projection state.
	Records storage.RecordStorage
	// Snapshots bounds aggregate replay. Optional.
	Snapshots storage.SnapshotStorage
	// Listener observes entity transactions. Defaults to
	// PropagationRequiredListener.
	Listener entity.Listener
	Now      func() time.Time
}

// Repository loads, stores, and dispatches to the entities of one class.
type Repository struct {
	meta       Metadata
	schemas    schema.Registry
	delivery   *delivery.Delivery
	eventBus   *bus.Bus
	commandBus *bus.Bus
	rejections *bus.Bus
	events     storage.EventStore
	records    storage.RecordStorage
	snapshots  storage.SnapshotStorage
	listener   entity.Listener
	now        func() time.Time

	commands   *route.CommandRouting
	eventRoute *route.EventRouting
	rejRoute   *route.EventRouting
}

// New builds a repository and registers it as the dispatcher for its entity
// type with the delivery.
func New(cfg Config) (*Repository, error) {
	meta := cfg.Metadata
	if !meta.Kind.IsValid() {
		return nil, fmt.Errorf("invalid entity kind %q", meta.Kind)
	}
	if !meta.StateClass.IsValid() {
		return nil, errors.New("state class is required")
	}
	if meta.Handlers == nil {
		return nil, ErrHandlersRequired
	}
	if meta.NewState == nil {
		return nil, ErrStateFactoryRequired
	}
	if cfg.Delivery == nil {
		return nil, ErrDeliveryRequired
	}
	if meta.Kind == entity.KindAggregate && cfg.Events == nil {
		return nil, ErrEventStoreRequired
	}
	if meta.Kind != entity.KindAggregate && cfg.Records == nil {
		return nil, ErrRecordStorageRequired
	}

	r := &Repository{
		meta:       meta,
		schemas:    cfg.Schema,
		delivery:   cfg.Delivery,
		eventBus:   cfg.EventBus,
		commandBus: cfg.CommandBus,
		rejections: cfg.RejectionBus,
		events:     cfg.Events,
		records:    cfg.Records,
		snapshots:  cfg.Snapshots,
		listener:   cfg.Listener,
		now:        cfg.Now,
	}
	if r.listener == nil {
		r.listener = entity.PropagationRequiredListener{}
	}
	if r.now == nil {
		r.now = time.Now
	}

	r.commands = route.NewCommandRouting(r.defaultCommandRoute())
	r.eventRoute = route.NewEventRouting(route.ByProducer())
	// Rejections have no producer; repositories that react to them install
	// explicit routes.
	r.rejRoute = route.NewEventRouting(nil)

	if err := cfg.Delivery.RegisterDispatcher(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) defaultCommandRoute() route.CommandRoute {
	if r.schemas == nil {
		return nil
	}
	return route.ByFirstIDField(func(sig signal.Signal) (string, bool) {
		return r.schemas.FirstIDField(sig.Payload)
	})
}

// Metadata returns the entity class metadata.
func (r *Repository) Metadata() Metadata {
	return r.meta
}

// CommandRouting returns the command routing table for customization.
func (r *Repository) CommandRouting() *route.CommandRouting {
	return r.commands
}

// EventRouting returns the event routing table for customization.
func (r *Repository) EventRouting() *route.EventRouting {
	return r.eventRoute
}

// RejectionRouting returns the rejection routing table for customization.
func (r *Repository) RejectionRouting() *route.EventRouting {
	return r.rejRoute
}

// TargetType implements delivery.TargetDispatcher.
func (r *Repository) TargetType() signal.Class {
	return r.meta.StateClass
}

// FindOrCreate loads the entity or creates a fresh instance.
//
// Aggregates replay their event history, starting from the latest snapshot
// when one exists. Other kinds read their record.
func (r *Repository) FindOrCreate(ctx context.Context, tenant string, id entity.ID) (entity.Entity, error) {
	ent := entity.Entity{ID: id, State: deref(r.meta.NewState())}

	if r.meta.Kind != entity.KindAggregate {
		rec, err := r.records.Read(ctx, tenant, id)
		if errors.Is(err, storage.ErrNotFound) {
			return ent, nil
		}
		if err != nil {
			return entity.Entity{}, fmt.Errorf("read record %s: %w", id, err)
		}
		state := r.meta.NewState()
		if err := json.Unmarshal(rec.State, state); err != nil {
			return entity.Entity{}, fmt.Errorf("decode state of %s: %w", id, err)
		}
		ent.State = deref(state)
		ent.Version = rec.Version
		ent.Flags = rec.Flags
		return ent, nil
	}

	if r.snapshots != nil {
		snap, err := r.snapshots.ReadSnapshot(ctx, tenant, string(id))
		switch {
		case err == nil:
			state := r.meta.NewState()
			if err := json.Unmarshal(snap.State, state); err != nil {
				return entity.Entity{}, fmt.Errorf("decode snapshot of %s: %w", id, err)
			}
			ent.State = deref(state)
			ent.Version = snap.Version
			ent.Flags = snap.Flags
		case errors.Is(err, storage.ErrNotFound):
		default:
			return entity.Entity{}, fmt.Errorf("read snapshot of %s: %w", id, err)
		}
	}

	// The store orders by timestamp, which can collide inside one dispatch;
	// replay applies the history in version order.
	var history []signal.Signal
	q := storage.EventQuery{ProducerID: string(id)}
	err := r.events.Read(ctx, q, func(evt signal.Signal) error {
		if evt.Version.Number > ent.Version.Number {
			history = append(history, evt)
		}
		return nil
	})
	if err != nil {
		return entity.Entity{}, err
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].Version.Number < history[j].Version.Number
	})
	for _, evt := range history {
		applier, ok := r.applierFor(evt)
		if !ok {
			return entity.Entity{}, fmt.Errorf("%w: %s", ErrNoApplier, evt.Class())
		}
		next, err := applier.Apply(ent.State, evt)
		if err != nil {
			return entity.Entity{}, fmt.Errorf("replay %s at v%d: %w", id, evt.Version.Number, err)
		}
		ent.State = next
		ent.Version = evt.Version
	}
	return ent, nil
}

// Store persists the entity and its newly produced events.
//
// For aggregates the events are the state: they append atomically and a
// snapshot is written on the configured trigger. Other kinds write their
// record; events they produced land in the journal as well.
func (r *Repository) Store(ctx context.Context, tenant string, ent *entity.Entity, produced []signal.Signal) error {
	if r.meta.Kind == entity.KindAggregate {
		if len(produced) > 0 {
			if err := r.events.Append(ctx, produced...); err != nil {
				return fmt.Errorf("append events of %s: %w", ent.ID, err)
			}
		}
		if r.snapshots != nil && r.meta.SnapshotTrigger > 0 &&
			ent.Version.Number%uint64(r.meta.SnapshotTrigger) == 0 {
			raw, err := json.Marshal(ent.State)
			if err != nil {
				return fmt.Errorf("encode snapshot of %s: %w", ent.ID, err)
			}
			snap := storage.Snapshot{
				ProducerID: string(ent.ID),
				State:      raw,
				Version:    ent.Version,
				Flags:      ent.Flags,
				TakenAt:    r.now().UTC(),
			}
			if err := r.snapshots.WriteSnapshot(ctx, tenant, snap); err != nil {
				return fmt.Errorf("write snapshot of %s: %w", ent.ID, err)
			}
		}
		return nil
	}

	raw, err := json.Marshal(ent.State)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", ent.ID, err)
	}
	rec := storage.Record{
		ID:        ent.ID,
		State:     raw,
		Version:   ent.Version,
		Flags:     ent.Flags,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.records.Write(ctx, tenant, rec); err != nil {
		return fmt.Errorf("write record %s: %w", ent.ID, err)
	}
	if len(produced) > 0 && r.events != nil {
		if err := r.events.Append(ctx, produced...); err != nil {
			return fmt.Errorf("append events of %s: %w", ent.ID, err)
		}
	}
	return nil
}

func (r *Repository) applierFor(evt signal.Signal) (entity.Handler, bool) {
	h, ok := r.meta.Handlers.HandlerFor(evt.Class(), r.fieldValueOf(evt))
	if !ok {
		return entity.Handler{}, false
	}
	if h.Kind != entity.HandlerEventApplier {
		return entity.Handler{}, false
	}
	return h, true
}

func (r *Repository) fieldValueOf(sig signal.Signal) func(string) (string, bool) {
	if r.schemas == nil {
		return func(string) (string, bool) { return "", false }
	}
	return func(field string) (string, bool) {
		return r.schemas.FieldValue(sig.Payload, field)
	}
}

// deref unwraps the pointer a JSON decode required, so states stay value
// types inside entities and transactions.
func deref(state any) any {
	if state == nil {
		return nil
	}
	v := reflect.ValueOf(state)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		return v.Elem().Interface()
	}
	return state
}
