package catchup

import (
	"github.com/louisbranch/signalmesh/internal/signal"
)

// Lifecycle event classes emitted by a catch-up process.
const (
	// ClassCatchUpRequested starts a process.
	ClassCatchUpRequested signal.Class = "type.signalmesh.dev/delivery.CatchUpRequested"
	// ClassCatchUpStarted reports the process left the undefined state.
	ClassCatchUpStarted signal.Class = "type.signalmesh.dev/delivery.CatchUpStarted"
	// ClassHistoryEventsRecalled reports one replayed history page.
	ClassHistoryEventsRecalled signal.Class = "type.signalmesh.dev/delivery.HistoryEventsRecalled"
	// ClassHistoryFullyRecalled reports the history read up to turbulence.
	ClassHistoryFullyRecalled signal.Class = "type.signalmesh.dev/delivery.HistoryFullyRecalled"
	// ClassLiveEventsPickedUp reports turbulence-window events were enqueued.
	ClassLiveEventsPickedUp signal.Class = "type.signalmesh.dev/delivery.LiveEventsPickedUp"
	// ClassCatchUpCompleted reports a terminal process.
	ClassCatchUpCompleted signal.Class = "type.signalmesh.dev/delivery.CatchUpCompleted"
	// ClassShardProcessingRequested asks delivery to drain a touched shard.
	ClassShardProcessingRequested signal.Class = "type.signalmesh.dev/delivery.ShardProcessingRequested"
)

// LifecyclePayload is the payload of every catch-up lifecycle event.
type LifecyclePayload struct {
	ProcessID      string `json:"process_id"`
	ProjectionType string `json:"projection_type"`
	Round          int    `json:"round,omitempty"`
	Recalled       int    `json:"recalled,omitempty"`
	ShardIndex     int    `json:"shard_index,omitempty"`
}

func lifecycleEvent(class signal.Class, payload LifecyclePayload) (signal.Signal, error) {
	wrapped, err := signal.MarshalPayload(class, payload)
	if err != nil {
		return signal.Signal{}, err
	}
	return signal.NewEvent(wrapped, payload.ProcessID, signal.Version{}, signal.Context{}), nil
}
