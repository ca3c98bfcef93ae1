package delivery

import (
	"context"

	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// OutcomeStatus classifies the result of dispatching one inbox message.
type OutcomeStatus string

const (
	// OutcomeSuccess means the target observed the signal exactly once.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeError means the handler or framework failed on this signal.
	OutcomeError OutcomeStatus = "error"
	// OutcomeInterrupted means an earlier signal in the batch failed and
	// this one was not attempted.
	OutcomeInterrupted OutcomeStatus = "interrupted"
	// OutcomeIgnored means the signal was skipped by design.
	OutcomeIgnored OutcomeStatus = "ignored"
)

// Outcome reports what happened to one dispatched inbox message.
type Outcome struct {
	SignalID string
	Status   OutcomeStatus
	// Err carries the structured cause for OutcomeError.
	Err error
	// StoppedAt names the failing signal for OutcomeInterrupted.
	StoppedAt string
	// Reason describes OutcomeIgnored, e.g. "duplicate".
	Reason string
	// ProducedEvents and ProducedCommands count signals emitted by the
	// handler.
	ProducedEvents   int
	ProducedCommands int
	// Rejection is set when the handler declined a command.
	Rejection *signal.Signal
}

// ReasonDuplicate marks messages dropped by the idempotence window.
const ReasonDuplicate = "duplicate"

// TargetDispatcher executes one signal against one entity instance. The
// repository of each entity type registers one with the delivery.
type TargetDispatcher interface {
	// TargetType is the entity state class this dispatcher serves.
	TargetType() signal.Class
	// DispatchTo loads the entity, runs the handler inside a transaction,
	// and stores the result. It never panics across this boundary.
	DispatchTo(ctx context.Context, id entity.ID, sig signal.Signal) Outcome
}
