// Package entity models the stateful targets of signal dispatch: aggregates,
// process managers, and projections, together with their handler descriptors
// and the transaction that applies signals to state.
package entity

import (
	"fmt"
	"strconv"

	"github.com/louisbranch/signalmesh/internal/signal"
)

// ID is the serialized form of an entity identifier. Two ids are equal iff
// their serialized forms are equal.
type ID string

// IDOfString builds an id from a string key.
func IDOfString(v string) ID {
	return ID(v)
}

// IDOfInt64 builds an id from an integer key.
func IDOfInt64(v int64) ID {
	return ID(strconv.FormatInt(v, 10))
}

// IDOfBytes builds an id from raw key bytes.
func IDOfBytes(v []byte) ID {
	return ID(v)
}

// Kind tags the entity sub-kind a repository manages.
type Kind string

const (
	// KindAggregate is an event-sourced entity; state is the fold of its
	// event history.
	KindAggregate Kind = "aggregate"
	// KindProcessManager coordinates workflows; reacts to signals and may
	// emit commands or events.
	KindProcessManager Kind = "process_manager"
	// KindProjection is a read-side entity mutated by events only.
	KindProjection Kind = "projection"
)

// IsValid reports whether the kind is one of the known sub-kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindAggregate, KindProcessManager, KindProjection:
		return true
	}
	return false
}

// Flags are the two independent lifecycle bits of an entity.
type Flags struct {
	Archived bool
	Deleted  bool
}

// Entity is one addressable instance: its id, current state, version, and
// lifecycle flags.
type Entity struct {
	ID      ID
	State   any
	Version signal.Version
	Flags   Flags
}

func (e *Entity) String() string {
	return fmt.Sprintf("entity %s v%d", e.ID, e.Version.Number)
}
