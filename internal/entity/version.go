package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/signalmesh/internal/signal"
)

// ErrVersionConflict indicates an event version that does not supersede the
// current entity version.
var ErrVersionConflict = errors.New("event version does not supersede current version")

// VersionStrategy assigns the version a phase stamps on the entity.
type VersionStrategy interface {
	Next(prev signal.Version, sig signal.Signal) (signal.Version, error)
}

// FromEvent copies the version of the applied event. Used by aggregates,
// whose versions are assigned when events are produced.
type FromEvent struct{}

// Next returns the event's version after checking monotonicity.
func (FromEvent) Next(prev signal.Version, sig signal.Signal) (signal.Version, error) {
	if !sig.Version.After(prev) {
		return signal.Version{}, fmt.Errorf(
			"%w: event %s carries v%d, entity at v%d",
			ErrVersionConflict, sig.ID, sig.Version.Number, prev.Number,
		)
	}
	return sig.Version, nil
}

// AutoIncrement assigns prev+1 stamped with the current time. Used by
// projections and process managers. Event versions are advisory in this mode;
// the assigned version always wins.
type AutoIncrement struct {
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Next returns the incremented version.
func (s AutoIncrement) Next(prev signal.Version, _ signal.Signal) (signal.Version, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return signal.Version{Number: prev.Number + 1, Timestamp: now().UTC()}, nil
}
