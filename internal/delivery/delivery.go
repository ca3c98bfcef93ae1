package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

var (
	// ErrInboxStorageRequired indicates a delivery built without storage.
	ErrInboxStorageRequired = errors.New("inbox storage is required")
	// ErrDuplicateTarget indicates two dispatchers for one entity type.
	ErrDuplicateTarget = errors.New("target type already has a dispatcher")
	// ErrUnknownTarget indicates an inbox message for an unregistered type.
	ErrUnknownTarget = errors.New("no dispatcher for target type")
)

// Gate pauses live dispatch for targets under maintenance, e.g. projections
// in the finalizing stage of a catch-up.
type Gate interface {
	PausedFor(targetType signal.Class, id entity.ID) bool
}

// Delivery owns the sharded inboxes and drives dispatch through them.
type Delivery struct {
	cfg      Config
	strategy Strategy
	registry WorkRegistry
	inbox    InboxStorage
	monitor  Monitor
	now      func() time.Time
	node     string
	tracer   trace.Tracer

	mu          sync.RWMutex
	dispatchers map[signal.Class]TargetDispatcher
	gates       []Gate
}

// Option configures a Delivery.
type Option func(*Delivery)

// WithStrategy sets the sharding strategy. Defaults to UniformHash.
func WithStrategy(s Strategy) Option {
	return func(d *Delivery) { d.strategy = s }
}

// WithWorkRegistry sets the shard lease coordinator. Defaults to an
// in-memory registry.
func WithWorkRegistry(r WorkRegistry) Option {
	return func(d *Delivery) { d.registry = r }
}

// WithMonitor sets the delivery monitor. Defaults to NoOpMonitor.
func WithMonitor(m Monitor) Option {
	return func(d *Delivery) { d.monitor = m }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Delivery) { d.now = now }
}

// New builds a delivery over the given inbox storage.
func New(cfg Config, inbox InboxStorage, opts ...Option) (*Delivery, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inbox == nil {
		return nil, ErrInboxStorageRequired
	}
	d := &Delivery{
		cfg:         cfg,
		strategy:    UniformHash{},
		registry:    NewMemoryWorkRegistry(),
		inbox:       inbox,
		monitor:     NoOpMonitor{},
		now:         time.Now,
		tracer:      otel.Tracer("signalmesh/delivery"),
		dispatchers: make(map[signal.Class]TargetDispatcher),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.node = cfg.Node
	if d.node == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "node"
		}
		d.node = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Delivery) Config() Config {
	return d.cfg
}

// RegisterDispatcher adds the dispatcher serving one entity type.
func (d *Delivery) RegisterDispatcher(td TargetDispatcher) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	class := td.TargetType()
	if _, exists := d.dispatchers[class]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, class)
	}
	d.dispatchers[class] = td
	return nil
}

// AddGate installs a dispatch gate.
func (d *Delivery) AddGate(g Gate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gates = append(d.gates, g)
}

// RemoveGate uninstalls a dispatch gate.
func (d *Delivery) RemoveGate(g Gate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.gates[:0]
	for _, existing := range d.gates {
		if existing != g {
			kept = append(kept, existing)
		}
	}
	d.gates = kept
}

// WhichShard places a target on its shard.
func (d *Delivery) WhichShard(id entity.ID, targetType signal.Class) ShardIndex {
	return d.strategy.IndexFor(id, targetType, d.cfg.ShardCount)
}

// Enqueue persists the signal into the target's shard inbox. The write is
// acknowledged by the storage before Enqueue returns.
func (d *Delivery) Enqueue(ctx context.Context, sig signal.Signal, id entity.ID, targetType signal.Class) error {
	if sig.IsDefault() {
		return signal.ErrDefaultPayload
	}
	msg := InboxMessage{
		Shard:      d.WhichShard(id, targetType),
		Signal:     sig,
		TargetID:   id,
		TargetType: targetType,
		Status:     StatusToDeliver,
		ReceivedAt: d.now().UTC(),
	}
	if err := d.inbox.Write(ctx, msg); err != nil {
		return fmt.Errorf("enqueue signal %s: %w", sig.ID, err)
	}
	return nil
}

// DeliverMessagesFrom processes the shard until its inbox drains.
//
// It returns the stats iff this call obtained the shard session; nil when
// another holder owns it. Page reads and delivered marks retry with bounded
// backoff; when retries are exhausted the session is released and the page
// stays to-deliver.
func (d *Delivery) DeliverMessagesFrom(ctx context.Context, shard ShardIndex) (*DeliveryStats, error) {
	session, err := d.registry.PickUp(ctx, shard, d.node)
	if errors.Is(err, ErrShardTaken) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick up %s: %w", shard, err)
	}
	defer func() {
		if err := d.registry.Release(ctx, session); err != nil {
			log.Printf("release %s: %v", shard, err)
		}
	}()

	ctx, span := d.tracer.Start(ctx, "delivery.shard", trace.WithAttributes(
		attribute.Int("shard.index", shard.Index),
	))
	defer span.End()

	stats := &DeliveryStats{Shard: shard}
	for {
		if ctx.Err() != nil {
			return stats, nil
		}
		page, err := retryPage(ctx, func() ([]InboxMessage, error) {
			return d.inbox.ReadPage(ctx, shard, d.cfg.PageSize)
		})
		if err != nil {
			return stats, fmt.Errorf("read page of %s: %w", shard, err)
		}
		if len(page) == 0 {
			return stats, nil
		}

		pageStats, deliveredIDs := d.processPage(ctx, page)

		// The lease may have been lost mid-page; marking anything delivered
		// now would race the new holder.
		session, err = d.registry.ExtendLease(ctx, session)
		if errors.Is(err, ErrSessionLost) {
			log.Printf("%s: session lost, leaving page for the next holder", shard)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("extend lease of %s: %w", shard, err)
		}

		if len(deliveredIDs) > 0 {
			keepUntil := d.now().UTC().Add(d.cfg.IdempotenceWindow)
			if _, err := retryPage(ctx, func() (struct{}, error) {
				return struct{}{}, d.inbox.MarkDelivered(ctx, shard, deliveredIDs, keepUntil)
			}); err != nil {
				return stats, fmt.Errorf("mark delivered in %s: %w", shard, err)
			}
		}

		d.monitor.PageDelivered(shard, pageStats)
		stats.Delivered += pageStats.Delivered

		if pageStats.Interrupted > 0 || len(deliveredIDs) == 0 || len(page) < d.cfg.PageSize {
			// A failed batch leaves its tail for the next round; a page that
			// moved nothing (all targets paused) would spin; a short page
			// means the inbox drained.
			return stats, nil
		}
	}
}

// processPage dispatches one page sequentially and reports which signal ids
// become delivered.
func (d *Delivery) processPage(ctx context.Context, page []InboxMessage) (PageStats, []string) {
	var stats PageStats
	var deliveredIDs []string
	var failedAt string

	seen := make(map[string]bool, len(page))
	var unseenIDs []string
	for _, msg := range page {
		if !seen[msg.Signal.ID] {
			seen[msg.Signal.ID] = true
			unseenIDs = append(unseenIDs, msg.Signal.ID)
		}
	}
	recent := map[string]bool{}
	if d.cfg.IdempotenceWindow > 0 {
		var err error
		recent, err = d.inbox.DeliveredRecently(ctx, page[0].Shard, unseenIDs)
		if err != nil {
			log.Printf("dedup lookup failed, delivering without dedup: %v", err)
			recent = map[string]bool{}
		}
	}

	dispatched := make(map[string]bool, len(page))
	for _, msg := range page {
		if failedAt != "" {
			stats.Interrupted++
			continue
		}
		if recent[msg.Signal.ID] || dispatched[msg.Signal.ID] {
			stats.Ignored++
			deliveredIDs = append(deliveredIDs, msg.Signal.ID)
			continue
		}
		if d.paused(msg.TargetType, msg.TargetID) {
			// Catch-up owns this target right now; the message stays queued.
			continue
		}

		outcome := d.dispatchOne(ctx, msg)
		switch outcome.Status {
		case OutcomeSuccess:
			stats.Delivered++
			dispatched[msg.Signal.ID] = true
			deliveredIDs = append(deliveredIDs, msg.Signal.ID)
		case OutcomeIgnored:
			stats.Ignored++
			dispatched[msg.Signal.ID] = true
			deliveredIDs = append(deliveredIDs, msg.Signal.ID)
		case OutcomeError:
			stats.Errored++
			failedAt = msg.Signal.ID
			// The failing signal is not retried; its effect is the error.
			deliveredIDs = append(deliveredIDs, msg.Signal.ID)
			log.Printf("dispatch %s to %s %s: %v", msg.Signal.ID, msg.TargetType, msg.TargetID, outcome.Err)
		}
	}
	return stats, deliveredIDs
}

func (d *Delivery) dispatchOne(ctx context.Context, msg InboxMessage) Outcome {
	d.mu.RLock()
	td, ok := d.dispatchers[msg.TargetType]
	d.mu.RUnlock()
	if !ok {
		return Outcome{
			SignalID: msg.Signal.ID,
			Status:   OutcomeError,
			Err:      fmt.Errorf("%w: %s", ErrUnknownTarget, msg.TargetType),
		}
	}
	return td.DispatchTo(ctx, msg.TargetID, msg.Signal)
}

func (d *Delivery) paused(targetType signal.Class, id entity.ID) bool {
	d.mu.RLock()
	gates := d.gates
	d.mu.RUnlock()
	for _, g := range gates {
		if g.PausedFor(targetType, id) {
			return true
		}
	}
	return false
}

// Sweep deletes delivered messages whose idempotence window has passed.
func (d *Delivery) Sweep(ctx context.Context) error {
	return d.inbox.DeleteExpired(ctx, d.now().UTC())
}

// Run drives the worker pool until the context is cancelled.
//
// Each worker scans the shards from its own offset, delivers where it can
// acquire the lease, and backs off briefly when every shard is empty or
// taken. A sweeper deletes expired dedup records on SweepInterval.
func (d *Delivery) Run(ctx context.Context) error {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > d.cfg.ShardCount {
		workers = d.cfg.ShardCount
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		offset := w
		g.Go(func() error {
			return d.workerLoop(ctx, offset)
		})
	}
	g.Go(func() error {
		return d.sweepLoop(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Delivery) workerLoop(ctx context.Context, offset int) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		busy := false
		for i := 0; i < d.cfg.ShardCount; i++ {
			shard := ShardIndex{
				Index:   (offset + i) % d.cfg.ShardCount,
				OfTotal: d.cfg.ShardCount,
			}
			stats, err := d.DeliverMessagesFrom(ctx, shard)
			if err != nil {
				log.Printf("deliver from %s: %v", shard, err)
				continue
			}
			if stats != nil && stats.Delivered > 0 {
				busy = true
			}
		}
		if !busy {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}
}

func (d *Delivery) sweepLoop(ctx context.Context) error {
	if d.cfg.IdempotenceWindow <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil {
				log.Printf("sweep expired inbox messages: %v", err)
			}
		}
	}
}

// retryPage retries an inbox operation with bounded exponential backoff.
func retryPage[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
}
