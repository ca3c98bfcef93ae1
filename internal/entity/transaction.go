package entity

import (
	"errors"
	"fmt"

	"github.com/louisbranch/signalmesh/internal/signal"
)

var (
	// ErrTransactionClosed indicates an operation on a committed or rolled
	// back transaction.
	ErrTransactionClosed = errors.New("transaction is closed")
	// ErrTransactionAborted indicates a commit after a failed phase.
	ErrTransactionAborted = errors.New("transaction was aborted")
	// ErrConstraintViolated indicates a builder that failed validation.
	ErrConstraintViolated = errors.New("state constraint violated")
)

// Step applies one signal to the staged state and returns the next state.
type Step func(state any, sig signal.Signal) (any, error)

// Phase records one applied step: the consumed signal and the version it
// stamps.
type Phase struct {
	Signal  signal.Signal
	Version signal.Version
}

// Commit is the result of a committed transaction.
type Commit struct {
	State   any
	Version signal.Version
	Flags   Flags
	Phases  int
}

// Transaction stages the application of one signal dispatch to an entity.
//
// The entity is untouched until Commit; a failed phase aborts the whole
// transaction and the entity keeps its pre-transaction state, version, and
// flags.
type Transaction struct {
	entity   *Entity
	builder  any
	version  signal.Version
	flags    Flags
	phases   []Phase
	strategy VersionStrategy
	listener Listener
	validate func(any) error
	clone    func(any) (any, error)

	committed bool
	aborted   bool
	failure   error
}

// TxOption configures a transaction.
type TxOption func(*Transaction)

// WithStrategy sets the version strategy. Defaults to AutoIncrement.
func WithStrategy(s VersionStrategy) TxOption {
	return func(tx *Transaction) { tx.strategy = s }
}

// WithListener sets the lifecycle listener. Defaults to
// PropagationRequiredListener.
func WithListener(l Listener) TxOption {
	return func(tx *Transaction) { tx.listener = l }
}

// WithValidator sets the builder validator run after every phase.
func WithValidator(v func(any) error) TxOption {
	return func(tx *Transaction) { tx.validate = v }
}

// WithCloner sets the deep copy used to snapshot the state into the builder.
// Without it the state value is copied by assignment, which is only safe for
// value-type states.
func WithCloner(c func(any) (any, error)) TxOption {
	return func(tx *Transaction) { tx.clone = c }
}

// Start opens a transaction around the entity.
func Start(e *Entity, opts ...TxOption) (*Transaction, error) {
	tx := &Transaction{
		entity:   e,
		version:  e.Version,
		flags:    e.Flags,
		strategy: AutoIncrement{},
		listener: PropagationRequiredListener{},
	}
	for _, opt := range opts {
		opt(tx)
	}
	builder := e.State
	if tx.clone != nil {
		cloned, err := tx.clone(e.State)
		if err != nil {
			return nil, fmt.Errorf("clone state for transaction: %w", err)
		}
		builder = cloned
	}
	tx.builder = builder
	return tx, nil
}

// State returns the staged state. Handlers observe this, never the entity.
func (tx *Transaction) State() any {
	return tx.builder
}

// Version returns the staged version.
func (tx *Transaction) Version() signal.Version {
	return tx.version
}

// Phases returns the applied phases in insertion order.
func (tx *Transaction) Phases() []Phase {
	return tx.phases
}

// Failure returns the error that aborted the transaction, if any.
func (tx *Transaction) Failure() error {
	return tx.failure
}

// Apply runs one step against the staged state.
//
// The phase is versioned by the strategy, validated, and recorded. On any
// error the transaction aborts: the staged state is discarded at commit time
// and the listener policy decides whether the error propagates.
func (tx *Transaction) Apply(sig signal.Signal, step Step) error {
	if tx.committed || tx.aborted {
		return ErrTransactionClosed
	}
	next, err := tx.strategy.Next(tx.version, sig)
	if err != nil {
		return tx.fail(Phase{Signal: sig}, err)
	}
	phase := Phase{Signal: sig, Version: next}
	tx.listener.OnBeforePhase(phase)

	nextState, err := step(tx.builder, sig)
	if err != nil {
		return tx.fail(phase, err)
	}
	if tx.validate != nil {
		if err := tx.validate(nextState); err != nil {
			return tx.fail(phase, fmt.Errorf("%w: %w", ErrConstraintViolated, err))
		}
	}
	tx.builder = nextState
	tx.version = next
	tx.phases = append(tx.phases, phase)
	tx.listener.OnAfterPhase(phase)
	return nil
}

// Archive stages the archived lifecycle bit.
func (tx *Transaction) Archive() {
	tx.flags.Archived = true
}

// Delete stages the deleted lifecycle bit.
func (tx *Transaction) Delete() {
	tx.flags.Deleted = true
}

// Restore clears both staged lifecycle bits.
func (tx *Transaction) Restore() {
	tx.flags = Flags{}
}

// Commit atomically installs the staged state, version, and flags on the
// entity. All phases are reflected, or none: committing an aborted
// transaction fails and leaves the entity untouched.
func (tx *Transaction) Commit() (Commit, error) {
	if tx.committed {
		return Commit{}, ErrTransactionClosed
	}
	if tx.aborted {
		if tx.failure != nil {
			return Commit{}, fmt.Errorf("%w: %w", ErrTransactionAborted, tx.failure)
		}
		return Commit{}, ErrTransactionAborted
	}
	tx.listener.OnBeforeCommit(tx.builder, tx.version, tx.flags)
	tx.entity.State = tx.builder
	tx.entity.Version = tx.version
	tx.entity.Flags = tx.flags
	tx.committed = true
	return Commit{
		State:   tx.entity.State,
		Version: tx.entity.Version,
		Flags:   tx.entity.Flags,
		Phases:  len(tx.phases),
	}, nil
}

// Rollback discards the staged changes.
func (tx *Transaction) Rollback() {
	if !tx.committed {
		tx.aborted = true
	}
}

func (tx *Transaction) fail(phase Phase, err error) error {
	tx.aborted = true
	tx.failure = err
	tx.listener.OnPhaseFail(phase, err)
	if tx.listener.PropagateFailure() {
		return err
	}
	return nil
}
