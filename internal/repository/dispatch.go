package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/louisbranch/signalmesh/internal/bus"
	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	apperrors "github.com/louisbranch/signalmesh/internal/platform/errors"
	"github.com/louisbranch/signalmesh/internal/route"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// coded attaches a machine-readable code to an error without losing the
// chain underneath it.
func coded(code apperrors.Code, err error) error {
	return apperrors.Wrap(code, err.Error(), err)
}

// codeFor classifies a dispatch failure for acks and outcomes.
func codeFor(err error) apperrors.Code {
	switch {
	case errors.Is(err, entity.ErrConstraintViolated):
		return apperrors.CodeConstraintViolated
	case errors.Is(err, entity.ErrVersionConflict):
		return apperrors.CodeVersionConflict
	case errors.Is(err, route.ErrRouteFailed):
		return apperrors.CodeRouteFailed
	default:
		return apperrors.CodeHandlerFailed
	}
}

// ErrHandlerTimeout indicates an emitting handler that exceeded its budget.
var ErrHandlerTimeout = errors.New("handler exceeded its timeout")

// busDispatcher adapts one signal kind of the repository to a bus.
type busDispatcher struct {
	repo    *Repository
	classes []signal.Class
}

func (d busDispatcher) MessageClasses() []signal.Class {
	return d.classes
}

func (d busDispatcher) Dispatch(ctx context.Context, env signal.Envelope) signal.Ack {
	return d.repo.Dispatch(ctx, env.Signal)
}

// CommandDispatcher exposes the repository's command classes to the command
// bus.
func (r *Repository) CommandDispatcher() bus.Dispatcher {
	return busDispatcher{
		repo: r,
		classes: r.meta.Handlers.Classes(
			entity.HandlerCommand,
			entity.HandlerCommandSubstitute,
		),
	}
}

// EventDispatcher exposes the repository's reacting event classes to the
// event bus. Applied event classes stay internal: appliers run only for
// events the entity itself produced.
func (r *Repository) EventDispatcher() bus.Dispatcher {
	return busDispatcher{
		repo: r,
		classes: r.meta.Handlers.Classes(
			entity.HandlerEventReactor,
			entity.HandlerEventSubscriber,
		),
	}
}

// RejectionDispatcher exposes the repository's rejection classes to the
// rejection bus.
func (r *Repository) RejectionDispatcher() bus.Dispatcher {
	return busDispatcher{
		repo:    r,
		classes: r.meta.Handlers.Classes(entity.HandlerRejectionReactor),
	}
}

// Dispatch routes the signal and enqueues it for each target. Routing and
// enqueue failures surface as error acks; they never bubble into the bus.
func (r *Repository) Dispatch(ctx context.Context, sig signal.Signal) signal.Ack {
	targets, err := r.routeTargets(sig)
	if err != nil {
		r.diagnose(ctx, signal.ClassRoutingFailed, sig, "", err)
		return signal.ErrorAck(sig.ID, coded(apperrors.CodeRouteFailed, err))
	}
	for _, id := range targets {
		if err := r.delivery.Enqueue(ctx, sig, id, r.meta.StateClass); err != nil {
			return signal.ErrorAck(sig.ID, coded(apperrors.CodeEnqueueFailed, err))
		}
	}
	return signal.OkAck(sig.ID)
}

func (r *Repository) routeTargets(sig signal.Signal) ([]entity.ID, error) {
	switch sig.Kind {
	case signal.KindCommand:
		id, err := r.commands.Apply(sig)
		if err != nil {
			return nil, err
		}
		return []entity.ID{id}, nil
	case signal.KindRejection:
		return r.rejRoute.Apply(sig)
	default:
		return r.eventRoute.Apply(sig)
	}
}

// RouteEvent resolves the projection targets of an event. Catch-up replays
// through this.
func (r *Repository) RouteEvent(sig signal.Signal) ([]entity.ID, error) {
	return r.eventRoute.Apply(sig)
}

// EnqueueTo enqueues the signal to the given targets' shard inboxes.
func (r *Repository) EnqueueTo(ctx context.Context, sig signal.Signal, targets []entity.ID) error {
	for _, id := range targets {
		if err := r.delivery.Enqueue(ctx, sig, id, r.meta.StateClass); err != nil {
			return err
		}
	}
	return nil
}

// DispatchTo implements delivery.TargetDispatcher: it executes one signal
// against one entity inside a transaction. This runs on the shard session
// worker, so the entity is single-writer by construction.
func (r *Repository) DispatchTo(ctx context.Context, id entity.ID, sig signal.Signal) (outcome delivery.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := coded(apperrors.CodeHandlerFailed, fmt.Errorf("handler panicked: %v", rec))
			r.diagnose(ctx, signal.ClassHandlerFailed, sig, id, err)
			outcome = delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
		}
	}()

	tenant := sig.Context.TenantID
	ent, err := r.FindOrCreate(ctx, tenant, id)
	if err != nil {
		err = coded(apperrors.CodeEntityStateCorrupt, err)
		r.diagnose(ctx, signal.ClassEntityStateCorrupted, sig, id, err)
		return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
	}

	handler, ok := r.meta.Handlers.HandlerFor(sig.Class(), r.fieldValueOf(sig))
	if !ok {
		return delivery.Outcome{
			SignalID: sig.ID,
			Status:   delivery.OutcomeIgnored,
			Reason:   fmt.Sprintf("no handler for %s", sig.Class()),
		}
	}

	tx, err := entity.Start(&ent,
		entity.WithStrategy(r.versionStrategy()),
		entity.WithListener(r.listener),
		entity.WithValidator(r.meta.Validate),
	)
	if err != nil {
		return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
	}

	var out entity.Output
	if handler.Emit != nil {
		out, err = r.emit(ctx, handler, tx.State(), sig)
		if err != nil {
			tx.Rollback()
			err = coded(apperrors.CodeHandlerFailed, err)
			r.diagnose(ctx, signal.ClassHandlerFailed, sig, id, err)
			return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
		}
		if out.Rejection != nil {
			tx.Rollback()
			return r.reject(ctx, sig, out.Rejection)
		}
	}

	produced := r.wrapEvents(out.Events, ent, sig)
	if r.meta.Kind == entity.KindAggregate {
		for _, evt := range produced {
			applier, ok := r.applierFor(evt)
			if !ok {
				tx.Rollback()
				err := coded(apperrors.CodeHandlerFailed, fmt.Errorf("%w: %s", ErrNoApplier, evt.Class()))
				r.diagnose(ctx, signal.ClassHandlerFailed, sig, id, err)
				return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
			}
			if err := tx.Apply(evt, entity.Step(applier.Apply)); err != nil {
				err = coded(codeFor(err), err)
				r.diagnose(ctx, r.failureClass(err), sig, id, err)
				return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
			}
		}
	} else if handler.Apply != nil {
		if err := tx.Apply(sig, entity.Step(handler.Apply)); err != nil {
			err = coded(codeFor(err), err)
			r.diagnose(ctx, r.failureClass(err), sig, id, err)
			return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
		}
	}

	if _, err := tx.Commit(); err != nil {
		err = coded(codeFor(err), err)
		r.diagnose(ctx, r.failureClass(err), sig, id, err)
		return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
	}

	if err := r.Store(ctx, tenant, &ent, produced); err != nil {
		err = coded(apperrors.CodeEntityStateCorrupt, err)
		r.diagnose(ctx, signal.ClassEntityStateCorrupted, sig, id, err)
		return delivery.Outcome{SignalID: sig.ID, Status: delivery.OutcomeError, Err: err}
	}

	commands := r.wrapCommands(out.Commands, sig)
	if r.eventBus != nil && len(produced) > 0 {
		r.eventBus.Post(ctx, produced...)
	}
	if r.commandBus != nil && len(commands) > 0 {
		r.commandBus.Post(ctx, commands...)
	}

	return delivery.Outcome{
		SignalID:         sig.ID,
		Status:           delivery.OutcomeSuccess,
		ProducedEvents:   len(produced),
		ProducedCommands: len(commands),
	}
}

// emit runs the handler, bounded by the configured timeout.
func (r *Repository) emit(ctx context.Context, handler entity.Handler, state any, sig signal.Signal) (entity.Output, error) {
	if r.meta.HandlerTimeout <= 0 {
		return handler.Emit(state, sig)
	}

	type result struct {
		out entity.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := handler.Emit(state, sig)
		done <- result{out: out, err: err}
	}()
	select {
	case res := <-done:
		return res.out, res.err
	case <-time.After(r.meta.HandlerTimeout):
		return entity.Output{}, fmt.Errorf("%w after %s", ErrHandlerTimeout, r.meta.HandlerTimeout)
	case <-ctx.Done():
		return entity.Output{}, ctx.Err()
	}
}

func (r *Repository) reject(ctx context.Context, cause signal.Signal, payload *anypb.Any) delivery.Outcome {
	rejection := signal.NewRejection(payload, signal.ChildContext(cause))
	if r.rejections != nil {
		r.rejections.Post(ctx, rejection)
	}
	return delivery.Outcome{
		SignalID:  cause.ID,
		Status:    delivery.OutcomeSuccess,
		Rejection: &rejection,
	}
}

// wrapEvents turns produced payloads into event signals. Versions continue
// the entity's sequence; in auto-increment mode they are advisory.
func (r *Repository) wrapEvents(payloads []*anypb.Any, ent entity.Entity, cause signal.Signal) []signal.Signal {
	if len(payloads) == 0 {
		return nil
	}
	base := ent.Version.Number
	events := make([]signal.Signal, 0, len(payloads))
	for i, payload := range payloads {
		version := signal.Version{Number: base + uint64(i) + 1, Timestamp: r.now().UTC()}
		events = append(events, signal.NewEvent(payload, string(ent.ID), version, signal.ChildContext(cause)))
	}
	return events
}

func (r *Repository) wrapCommands(payloads []*anypb.Any, cause signal.Signal) []signal.Signal {
	if len(payloads) == 0 {
		return nil
	}
	commands := make([]signal.Signal, 0, len(payloads))
	for _, payload := range payloads {
		commands = append(commands, signal.NewCommand(payload, signal.ChildContext(cause)))
	}
	return commands
}

func (r *Repository) versionStrategy() entity.VersionStrategy {
	if r.meta.Kind == entity.KindAggregate {
		return entity.FromEvent{}
	}
	return entity.AutoIncrement{Now: r.now}
}

func (r *Repository) failureClass(err error) signal.Class {
	if errors.Is(err, entity.ErrConstraintViolated) {
		return signal.ClassConstraintViolated
	}
	return signal.ClassHandlerFailed
}

// diagnose posts a diagnostic event. Best effort: a failing diagnostic never
// masks the original failure.
func (r *Repository) diagnose(ctx context.Context, class signal.Class, cause signal.Signal, id entity.ID, failure error) {
	if r.eventBus == nil {
		return
	}
	evt, err := signal.NewDiagnostic(class, cause, signal.Diagnostic{
		TargetType: string(r.meta.StateClass),
		TargetID:   string(id),
		Detail:     failure.Error(),
	})
	if err != nil {
		return
	}
	r.eventBus.Post(ctx, evt)
}
