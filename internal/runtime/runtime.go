// Package runtime assembles a bounded context: buses, delivery, storage, and
// repositories, constructed once and passed to every component.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/signalmesh/internal/bus"
	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/delivery/catchup"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/integration"
	platformmetrics "github.com/louisbranch/signalmesh/internal/platform/metrics"
	platformotel "github.com/louisbranch/signalmesh/internal/platform/otel"
	"github.com/louisbranch/signalmesh/internal/repository"
	"github.com/louisbranch/signalmesh/internal/schema"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
	"github.com/louisbranch/signalmesh/internal/storage/memory"
)

// Builder assembles a Runtime.
type Builder struct {
	name          string
	storages      storage.Factory
	transport     integration.TransportFactory
	schemas       schema.Registry
	deliveryCfg   *delivery.Config
	deliveryOpts  []delivery.Option
	catchUpStates catchup.Storage
	busFilters    []bus.Filter
	metrics       prometheus.Registerer
	now           func() time.Time
}

// NewBuilder starts a builder for the named bounded context.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// WithStorage sets the storage factory. Defaults to in-memory storage.
func (b *Builder) WithStorage(f storage.Factory) *Builder {
	b.storages = f
	return b
}

// WithTransport enables the integration bus over the given transport.
func (b *Builder) WithTransport(t integration.TransportFactory) *Builder {
	b.transport = t
	return b
}

// WithSchema sets the schema registry used for validation and routing.
func (b *Builder) WithSchema(s schema.Registry) *Builder {
	b.schemas = s
	return b
}

// WithDeliveryConfig overrides the delivery configuration. Defaults to the
// environment-driven configuration.
func (b *Builder) WithDeliveryConfig(cfg delivery.Config) *Builder {
	b.deliveryCfg = &cfg
	return b
}

// WithDeliveryOptions passes options through to the delivery, e.g. a custom
// work registry, strategy, or monitor.
func (b *Builder) WithDeliveryOptions(opts ...delivery.Option) *Builder {
	b.deliveryOpts = append(b.deliveryOpts, opts...)
	return b
}

// WithMetrics registers the Prometheus delivery monitor with reg and wires
// it into the delivery. Pass prometheus.DefaultRegisterer for the process
// default.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.metrics = reg
	return b
}

// WithCatchUpStorage persists catch-up progress. Defaults to in-memory.
func (b *Builder) WithCatchUpStorage(s catchup.Storage) *Builder {
	b.catchUpStates = s
	return b
}

// WithBusFilters installs filters on every bus.
func (b *Builder) WithBusFilters(filters ...bus.Filter) *Builder {
	b.busFilters = append(b.busFilters, filters...)
	return b
}

// WithClock overrides the clock, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Runtime is the dependency injection root of one bounded context.
type Runtime struct {
	name     string
	storages storage.Factory
	schemas  schema.Registry
	now      func() time.Time

	commandBus   *bus.Bus
	eventBus     *bus.Bus
	rejectionBus *bus.Bus
	delivery     *delivery.Delivery
	events       storage.EventStore
	integration  *integration.Bus
	catchUps     *catchup.Manager
}

// Build wires the runtime.
func (b *Builder) Build(ctx context.Context) (*Runtime, error) {
	if b.name == "" {
		return nil, errors.New("context name is required")
	}
	storages := b.storages
	if storages == nil {
		storages = memory.NewFactory()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	cfg := delivery.Config{}
	if b.deliveryCfg != nil {
		cfg = *b.deliveryCfg
	} else {
		loaded, err := delivery.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	inbox, err := storages.CreateInboxStorage(false)
	if err != nil {
		return nil, fmt.Errorf("create inbox storage: %w", err)
	}
	events, err := storages.CreateEventStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("create event store: %w", err)
	}

	opts := append([]delivery.Option{delivery.WithClock(now)}, b.deliveryOpts...)
	if b.metrics != nil {
		collector, err := platformmetrics.NewDeliveryCollector(b.metrics)
		if err != nil {
			return nil, fmt.Errorf("register delivery metrics: %w", err)
		}
		opts = append(opts, delivery.WithMonitor(collector))
	}
	dlv, err := delivery.New(cfg, inbox, opts...)
	if err != nil {
		return nil, fmt.Errorf("build delivery: %w", err)
	}

	busOpts := []bus.Option{bus.WithFilters(b.busFilters...)}
	if b.schemas != nil {
		busOpts = append(busOpts, bus.WithSchema(b.schemas))
	}
	rt := &Runtime{
		name:         b.name,
		storages:     storages,
		schemas:      b.schemas,
		now:          now,
		commandBus:   bus.NewCommandBus(busOpts...),
		eventBus:     bus.NewEventBus(busOpts...),
		rejectionBus: bus.NewRejectionBus(busOpts...),
		delivery:     dlv,
		events:       events,
	}
	rt.catchUps = catchup.NewManager(catchup.Deps{
		Events:   events,
		Delivery: dlv,
		EventBus: rt.eventBus,
		Storage:  b.catchUpStates,
		Now:      now,
	})
	if b.transport != nil {
		integrationBus, err := integration.NewBus(b.name, b.transport, rt.eventBus)
		if err != nil {
			return nil, fmt.Errorf("build integration bus: %w", err)
		}
		rt.integration = integrationBus
	}
	return rt, nil
}

// Name returns the bounded context name.
func (rt *Runtime) Name() string {
	return rt.name
}

// CommandBus returns the unicast command bus.
func (rt *Runtime) CommandBus() *bus.Bus {
	return rt.commandBus
}

// EventBus returns the multicast event bus.
func (rt *Runtime) EventBus() *bus.Bus {
	return rt.eventBus
}

// RejectionBus returns the multicast rejection bus.
func (rt *Runtime) RejectionBus() *bus.Bus {
	return rt.rejectionBus
}

// Delivery returns the sharded delivery runtime.
func (rt *Runtime) Delivery() *delivery.Delivery {
	return rt.delivery
}

// EventStore returns the shared event journal.
func (rt *Runtime) EventStore() storage.EventStore {
	return rt.events
}

// Integration returns the integration bus, or nil without a transport.
func (rt *Runtime) Integration() *integration.Bus {
	return rt.integration
}

// Post routes each signal to the bus of its kind and reports the acks in
// input order.
func (rt *Runtime) Post(ctx context.Context, signals ...signal.Signal) []signal.Ack {
	acks := make([]signal.Ack, 0, len(signals))
	for _, sig := range signals {
		switch sig.Kind {
		case signal.KindCommand:
			acks = append(acks, rt.commandBus.Post(ctx, sig)...)
		case signal.KindRejection:
			acks = append(acks, rt.rejectionBus.Post(ctx, sig)...)
		default:
			acks = append(acks, rt.eventBus.Post(ctx, sig)...)
		}
	}
	return acks
}

// RegisterAggregate wires an aggregate repository into the context.
func (rt *Runtime) RegisterAggregate(ctx context.Context, meta repository.Metadata) (*repository.Repository, error) {
	meta.Kind = entity.KindAggregate
	snapshots, err := rt.storages.CreateAggregateStorage(ctx, meta.StateClass)
	if err != nil {
		return nil, fmt.Errorf("create aggregate storage: %w", err)
	}
	return rt.register(repository.Config{
		Metadata:  meta,
		Events:    rt.events,
		Snapshots: snapshots,
	})
}

// RegisterProcessManager wires a process manager repository into the context.
func (rt *Runtime) RegisterProcessManager(ctx context.Context, meta repository.Metadata) (*repository.Repository, error) {
	meta.Kind = entity.KindProcessManager
	records, err := rt.storages.CreateRecordStorage(ctx, meta.StateClass)
	if err != nil {
		return nil, fmt.Errorf("create record storage: %w", err)
	}
	return rt.register(repository.Config{
		Metadata: meta,
		Events:   rt.events,
		Records:  records,
	})
}

// RegisterProjection wires a projection repository into the context.
func (rt *Runtime) RegisterProjection(ctx context.Context, meta repository.Metadata) (*repository.Repository, error) {
	meta.Kind = entity.KindProjection
	records, err := rt.storages.CreateProjectionStorage(ctx, meta.StateClass)
	if err != nil {
		return nil, fmt.Errorf("create projection storage: %w", err)
	}
	return rt.register(repository.Config{
		Metadata: meta,
		Records:  records,
	})
}

func (rt *Runtime) register(cfg repository.Config) (*repository.Repository, error) {
	cfg.Schema = rt.schemas
	cfg.Delivery = rt.delivery
	cfg.EventBus = rt.eventBus
	cfg.CommandBus = rt.commandBus
	cfg.RejectionBus = rt.rejectionBus
	cfg.Now = rt.now

	repo, err := repository.New(cfg)
	if err != nil {
		return nil, err
	}
	if d := repo.CommandDispatcher(); len(d.MessageClasses()) > 0 {
		if err := rt.commandBus.Register(d); err != nil {
			return nil, err
		}
	}
	if d := repo.EventDispatcher(); len(d.MessageClasses()) > 0 {
		if err := rt.eventBus.Register(d); err != nil {
			return nil, err
		}
	}
	if d := repo.RejectionDispatcher(); len(d.MessageClasses()) > 0 {
		if err := rt.rejectionBus.Register(d); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// StartCatchUp rebuilds the projection managed by repo from history and
// blocks until the catch-up completes.
func (rt *Runtime) StartCatchUp(ctx context.Context, req catchup.Request, repo *repository.Repository) (catchup.State, error) {
	if req.ProjectionType == "" {
		req.ProjectionType = repo.Metadata().StateClass
	}
	return rt.catchUps.Start(ctx, req, repo)
}

// Run drives the delivery workers until the context is cancelled. Tracing is
// initialised here when the environment opts in.
func (rt *Runtime) Run(ctx context.Context) error {
	shutdown, err := platformotel.Setup(ctx, rt.name)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("%s: shutdown tracing: %v", rt.name, err)
		}
	}()

	log.Printf("%s: delivery running with %d shards", rt.name, rt.delivery.Config().ShardCount)
	return rt.delivery.Run(ctx)
}

// Close releases the integration channels.
func (rt *Runtime) Close() error {
	if rt.integration != nil {
		return rt.integration.Close()
	}
	return nil
}
