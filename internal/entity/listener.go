package entity

import "github.com/louisbranch/signalmesh/internal/signal"

// Listener observes the lifecycle of a transaction.
type Listener interface {
	OnBeforePhase(p Phase)
	OnAfterPhase(p Phase)
	OnBeforeCommit(state any, version signal.Version, flags Flags)
	OnPhaseFail(p Phase, err error)
	// PropagateFailure decides whether a phase error is returned to the
	// repository or only recorded on the transaction.
	PropagateFailure() bool
}

// NoOpListener observes nothing and swallows phase errors; the transaction
// still aborts, but Apply returns nil.
type NoOpListener struct{}

func (NoOpListener) OnBeforePhase(Phase)                       {}
func (NoOpListener) OnAfterPhase(Phase)                        {}
func (NoOpListener) OnBeforeCommit(any, signal.Version, Flags) {}
func (NoOpListener) OnPhaseFail(Phase, error)                  {}
func (NoOpListener) PropagateFailure() bool                    { return false }

// PropagationRequiredListener observes nothing and returns phase errors to
// the caller. This is the default for repositories.
type PropagationRequiredListener struct{}

func (PropagationRequiredListener) OnBeforePhase(Phase)                       {}
func (PropagationRequiredListener) OnAfterPhase(Phase)                        {}
func (PropagationRequiredListener) OnBeforeCommit(any, signal.Version, Flags) {}
func (PropagationRequiredListener) OnPhaseFail(Phase, error)                  {}
func (PropagationRequiredListener) PropagateFailure() bool                    { return true }
