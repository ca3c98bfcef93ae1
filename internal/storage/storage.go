// Package storage declares the persistence interfaces the core consumes:
// the event store, record and snapshot storage, and the factory that
// provides them per context.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// ErrNotFound indicates a record or snapshot that does not exist.
var ErrNotFound = errors.New("record not found")

// EventQuery filters an event store read.
type EventQuery struct {
	// ProducerID narrows to one producer's history. Empty matches all.
	ProducerID string
	// EventTypes narrows to the given payload classes. Empty matches all.
	EventTypes []signal.Class
	// Since is the inclusive lower timestamp bound.
	Since time.Time
	// Until is the exclusive upper timestamp bound. Zero means no bound.
	Until time.Time
	// Limit bounds the number of events read. Zero means no limit.
	Limit int
}

// Matches reports whether the event satisfies the query filters.
func (q EventQuery) Matches(sig signal.Signal) bool {
	if q.ProducerID != "" && sig.ProducerID != q.ProducerID {
		return false
	}
	if len(q.EventTypes) > 0 {
		found := false
		for _, class := range q.EventTypes {
			if sig.Class() == class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	ts := sig.Context.Timestamp
	if !q.Since.IsZero() && ts.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ts.Before(q.Until) {
		return false
	}
	return true
}

// EventStore is the append-only journal of events.
type EventStore interface {
	// Append stores the events atomically: all become visible, or none.
	Append(ctx context.Context, events ...signal.Signal) error
	// Read streams matching events to observe, ordered by timestamp
	// ascending, then signal id. A non-nil observe error stops the read.
	Read(ctx context.Context, q EventQuery, observe func(signal.Signal) error) error
}

// Record is the persisted form of a non-event-sourced entity.
type Record struct {
	ID        entity.ID
	State     []byte
	Version   signal.Version
	Flags     entity.Flags
	UpdatedAt time.Time
}

// RecordStorage persists process manager and projection records.
type RecordStorage interface {
	Read(ctx context.Context, tenant string, id entity.ID) (Record, error)
	Write(ctx context.Context, tenant string, rec Record) error
}

// Snapshot is a point-in-time aggregate state used to bound replay.
type Snapshot struct {
	ProducerID string
	State      []byte
	Version    signal.Version
	Flags      entity.Flags
	TakenAt    time.Time
}

// SnapshotStorage persists aggregate snapshots.
type SnapshotStorage interface {
	ReadSnapshot(ctx context.Context, tenant, producerID string) (Snapshot, error)
	WriteSnapshot(ctx context.Context, tenant string, snap Snapshot) error
}

// Factory provides the storages of one bounded context.
type Factory interface {
	CreateInboxStorage(multitenant bool) (delivery.InboxStorage, error)
	CreateEventStore(ctx context.Context) (EventStore, error)
	CreateAggregateStorage(ctx context.Context, class signal.Class) (SnapshotStorage, error)
	CreateRecordStorage(ctx context.Context, class signal.Class) (RecordStorage, error)
	CreateProjectionStorage(ctx context.Context, class signal.Class) (RecordStorage, error)
}
