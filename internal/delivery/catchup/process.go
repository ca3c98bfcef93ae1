package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/signalmesh/internal/bus"
	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
)

// Enqueuer is the projection repository surface the process replays through.
type Enqueuer interface {
	// RouteEvent returns the projection targets of the event.
	RouteEvent(sig signal.Signal) ([]entity.ID, error)
	// EnqueueTo enqueues the event to the given targets' shard inboxes.
	EnqueueTo(ctx context.Context, sig signal.Signal, targets []entity.ID) error
}

// Deps are the collaborators of a catch-up process.
type Deps struct {
	Events   storage.EventStore
	Enqueuer Enqueuer
	Delivery *delivery.Delivery
	// EventBus receives the lifecycle events. Optional.
	EventBus *bus.Bus
	Storage  Storage
	// PageSize bounds one history read. Defaults to the delivery page size.
	PageSize int
	// TurbulencePeriod is the window near the present in which replays and
	// live events coexist. Defaults to the delivery setting.
	TurbulencePeriod time.Duration
	Now              func() time.Time
}

// Process replays one catch-up request.
//
// The state is guarded because delivery workers consult PausedFor while the
// process advances in its own goroutine.
type Process struct {
	deps Deps

	mu    sync.RWMutex
	state State
}

// NewProcess builds a process in the undefined state.
func NewProcess(req Request, deps Deps) (*Process, error) {
	if deps.Events == nil {
		return nil, errors.New("event store is required")
	}
	if deps.Enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if deps.Delivery == nil {
		return nil, errors.New("delivery is required")
	}
	if deps.Storage == nil {
		deps.Storage = NewMemoryStorage()
	}
	if deps.PageSize <= 0 {
		deps.PageSize = deps.Delivery.Config().PageSize
	}
	if deps.TurbulencePeriod <= 0 {
		deps.TurbulencePeriod = deps.Delivery.Config().TurbulencePeriod
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Process{
		deps: deps,
		state: State{
			ID:             signal.NewID(),
			ProjectionType: req.ProjectionType,
			Request:        req,
			Status:         StatusUndefined,
			WhenLastRead:   req.SinceWhen,
			AffectedShards: make(map[int]bool),
			TotalShards:    deps.Delivery.Config().ShardCount,
		},
	}, nil
}

// State returns a copy of the current progress.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Process) snapshotLocked() State {
	shards := make(map[int]bool, len(p.state.AffectedShards))
	for shard := range p.state.AffectedShards {
		shards[shard] = true
	}
	state := p.state
	state.AffectedShards = shards
	return state
}

// PausedFor implements delivery.Gate: while finalizing, live events must not
// reach the affected targets ahead of the replayed remainder.
func (p *Process) PausedFor(targetType signal.Class, id entity.ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.Status != StatusFinalizing {
		return false
	}
	if targetType != p.state.ProjectionType {
		return false
	}
	if len(p.state.Request.TargetIDs) == 0 {
		return true
	}
	for _, target := range p.state.Request.TargetIDs {
		if target == id {
			return true
		}
	}
	return false
}

// Run steps the process until it completes or the context is cancelled.
func (p *Process) Run(ctx context.Context) error {
	for p.status() != StatusCompleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the state machine by one round.
func (p *Process) Step(ctx context.Context) error {
	switch p.status() {
	case StatusUndefined:
		return p.start(ctx)
	case StatusStarted:
		return p.recallHistory(ctx)
	case StatusFinalizing:
		return p.finalize(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, p.state.Status)
	}
}

func (p *Process) start(ctx context.Context) error {
	p.emit(ctx, ClassCatchUpRequested, LifecyclePayload{})
	p.deps.Delivery.AddGate(p)
	p.setStatus(StatusStarted)
	p.emit(ctx, ClassCatchUpStarted, LifecyclePayload{})
	return p.persist(ctx)
}

// recallHistory replays one page of events older than the turbulence window.
func (p *Process) recallHistory(ctx context.Context) error {
	// Re-read each round: the window trails the wall clock.
	turbulenceStart := p.deps.Now().UTC().Add(-p.deps.TurbulencePeriod)

	page, err := p.readEvents(ctx, storage.EventQuery{
		EventTypes: p.state.Request.EventTypes,
		Since:      p.state.WhenLastRead,
		Until:      turbulenceStart,
		Limit:      p.deps.PageSize,
	})
	if err != nil {
		return err
	}

	if len(page) < p.deps.PageSize {
		// History is read up to the turbulence window.
		if err := p.enqueuePage(ctx, page); err != nil {
			return err
		}
		p.mu.Lock()
		p.state.WhenLastRead = turbulenceStart
		p.state.CurrentRound++
		p.state.Status = StatusFinalizing
		p.mu.Unlock()
		p.emit(ctx, ClassHistoryFullyRecalled, LifecyclePayload{Round: p.state.CurrentRound, Recalled: len(page)})
		return p.persist(ctx)
	}

	// The store may hold more events sharing the page's last timestamp;
	// strip it so the next round re-reads that instant completely.
	lastTS := page[len(page)-1].Context.Timestamp
	kept := page[:0:0]
	for _, evt := range page {
		if evt.Context.Timestamp.Before(lastTS) {
			kept = append(kept, evt)
		}
	}
	next := lastTS
	if len(kept) == 0 {
		// Every event in the page shares one timestamp; re-reading would
		// stall, so the whole instant goes out in this round.
		kept = page
		next = lastTS.Add(time.Nanosecond)
	}
	if err := p.enqueuePage(ctx, kept); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.WhenLastRead = next
	p.state.CurrentRound++
	p.mu.Unlock()
	p.emit(ctx, ClassHistoryEventsRecalled, LifecyclePayload{Round: p.state.CurrentRound, Recalled: len(kept)})
	return p.persist(ctx)
}

// finalize reads the turbulence remainder and completes the process.
func (p *Process) finalize(ctx context.Context) error {
	remainder, err := p.readEvents(ctx, storage.EventQuery{
		EventTypes: p.state.Request.EventTypes,
		Since:      p.state.WhenLastRead,
	})
	if err != nil {
		return err
	}
	if len(remainder) > 0 {
		if err := p.enqueuePage(ctx, remainder); err != nil {
			return err
		}
		last := remainder[len(remainder)-1].Context.Timestamp
		p.mu.Lock()
		p.state.WhenLastRead = last.Add(time.Nanosecond)
		p.mu.Unlock()
		p.emit(ctx, ClassLiveEventsPickedUp, LifecyclePayload{Recalled: len(remainder)})
	}
	return p.complete(ctx)
}

func (p *Process) complete(ctx context.Context) error {
	p.setStatus(StatusCompleted)
	p.emit(ctx, ClassCatchUpCompleted, LifecyclePayload{Round: p.state.CurrentRound})
	if err := p.persist(ctx); err != nil {
		return err
	}

	// Resume live dispatch, then make sure the paused shards drain even if
	// no new traffic arrives.
	p.deps.Delivery.RemoveGate(p)
	for shard := range p.state.AffectedShards {
		p.emit(ctx, ClassShardProcessingRequested, LifecyclePayload{ShardIndex: shard})
		index := delivery.ShardIndex{Index: shard, OfTotal: p.state.TotalShards}
		if _, err := p.deps.Delivery.DeliverMessagesFrom(ctx, index); err != nil {
			return fmt.Errorf("drain %s after catch-up: %w", index, err)
		}
	}
	return nil
}

func (p *Process) readEvents(ctx context.Context, q storage.EventQuery) ([]signal.Signal, error) {
	var page []signal.Signal
	err := p.deps.Events.Read(ctx, q, func(evt signal.Signal) error {
		page = append(page, evt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read catch-up events: %w", err)
	}
	return page, nil
}

func (p *Process) enqueuePage(ctx context.Context, page []signal.Signal) error {
	for _, evt := range page {
		targets, err := p.deps.Enqueuer.RouteEvent(evt)
		if err != nil {
			return fmt.Errorf("route replayed event %s: %w", evt.ID, err)
		}
		targets = p.filterTargets(targets)
		if len(targets) == 0 {
			continue
		}
		if err := p.deps.Enqueuer.EnqueueTo(ctx, evt, targets); err != nil {
			return fmt.Errorf("enqueue replayed event %s: %w", evt.ID, err)
		}
		p.mu.Lock()
		for _, target := range targets {
			shard := p.deps.Delivery.WhichShard(target, p.state.ProjectionType)
			p.state.AffectedShards[shard.Index] = true
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Process) filterTargets(targets []entity.ID) []entity.ID {
	if len(p.state.Request.TargetIDs) == 0 {
		return targets
	}
	wanted := make(map[entity.ID]bool, len(p.state.Request.TargetIDs))
	for _, id := range p.state.Request.TargetIDs {
		wanted[id] = true
	}
	kept := targets[:0:0]
	for _, id := range targets {
		if wanted[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

func (p *Process) emit(ctx context.Context, class signal.Class, payload LifecyclePayload) {
	if p.deps.EventBus == nil {
		return
	}
	payload.ProcessID = p.state.ID
	payload.ProjectionType = string(p.state.ProjectionType)
	evt, err := lifecycleEvent(class, payload)
	if err != nil {
		return
	}
	p.deps.EventBus.Post(ctx, evt)
}

func (p *Process) status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Status
}

func (p *Process) setStatus(status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Status = status
}

func (p *Process) persist(ctx context.Context) error {
	if err := p.deps.Storage.Write(ctx, p.State()); err != nil {
		return fmt.Errorf("persist catch-up state: %w", err)
	}
	return nil
}
