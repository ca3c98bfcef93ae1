// Package memory provides in-process storage for tests and single-node
// deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
)

// Factory builds in-memory storages. The event store is shared across
// CreateEventStore calls so every consumer observes one journal.
type Factory struct {
	mu     sync.Mutex
	events *EventStore
	inbox  *Inbox
}

// NewFactory builds an in-memory storage factory.
func NewFactory() *Factory {
	return &Factory{}
}

// CreateInboxStorage implements storage.Factory.
func (f *Factory) CreateInboxStorage(bool) (delivery.InboxStorage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inbox == nil {
		f.inbox = NewInbox()
	}
	return f.inbox, nil
}

// CreateEventStore implements storage.Factory.
func (f *Factory) CreateEventStore(context.Context) (storage.EventStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = NewEventStore()
	}
	return f.events, nil
}

// CreateAggregateStorage implements storage.Factory.
func (f *Factory) CreateAggregateStorage(context.Context, signal.Class) (storage.SnapshotStorage, error) {
	return NewSnapshotStorage(), nil
}

// CreateRecordStorage implements storage.Factory.
func (f *Factory) CreateRecordStorage(context.Context, signal.Class) (storage.RecordStorage, error) {
	return NewRecordStorage(), nil
}

// CreateProjectionStorage implements storage.Factory.
func (f *Factory) CreateProjectionStorage(context.Context, signal.Class) (storage.RecordStorage, error) {
	return NewRecordStorage(), nil
}

// EventStore is an in-memory append-only event journal.
type EventStore struct {
	mu     sync.RWMutex
	events []signal.Signal
}

// NewEventStore builds an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append implements storage.EventStore.
func (s *EventStore) Append(_ context.Context, events ...signal.Signal) error {
	for _, evt := range events {
		if evt.IsDefault() {
			return signal.ErrDefaultPayload
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Read implements storage.EventStore.
func (s *EventStore) Read(ctx context.Context, q storage.EventQuery, observe func(signal.Signal) error) error {
	s.mu.RLock()
	matched := make([]signal.Signal, 0, len(s.events))
	for _, evt := range s.events {
		if q.Matches(evt) {
			matched = append(matched, evt)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		ti, tj := matched[i].Context.Timestamp, matched[j].Context.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return matched[i].ID < matched[j].ID
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	for _, evt := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := observe(evt); err != nil {
			return err
		}
	}
	return nil
}

type recordKey struct {
	tenant string
	id     entity.ID
}

// RecordStorage is an in-memory record store.
type RecordStorage struct {
	mu      sync.RWMutex
	records map[recordKey]storage.Record
}

// NewRecordStorage builds an empty record store.
func NewRecordStorage() *RecordStorage {
	return &RecordStorage{records: make(map[recordKey]storage.Record)}
}

// Read implements storage.RecordStorage.
func (s *RecordStorage) Read(_ context.Context, tenant string, id entity.ID) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{tenant: tenant, id: id}]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// Write implements storage.RecordStorage.
func (s *RecordStorage) Write(_ context.Context, tenant string, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{tenant: tenant, id: rec.ID}] = rec
	return nil
}

type snapshotKey struct {
	tenant   string
	producer string
}

// SnapshotStorage is an in-memory snapshot store.
type SnapshotStorage struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey]storage.Snapshot
}

// NewSnapshotStorage builds an empty snapshot store.
func NewSnapshotStorage() *SnapshotStorage {
	return &SnapshotStorage{snapshots: make(map[snapshotKey]storage.Snapshot)}
}

// ReadSnapshot implements storage.SnapshotStorage.
func (s *SnapshotStorage) ReadSnapshot(_ context.Context, tenant, producerID string) (storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotKey{tenant: tenant, producer: producerID}]
	if !ok {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return snap, nil
}

// WriteSnapshot implements storage.SnapshotStorage.
func (s *SnapshotStorage) WriteSnapshot(_ context.Context, tenant string, snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey{tenant: tenant, producer: snap.ProducerID}] = snap
	return nil
}

// Inbox is an in-memory delivery.InboxStorage.
type Inbox struct {
	mu       sync.Mutex
	messages []delivery.InboxMessage
}

// NewInbox builds an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Write implements delivery.InboxStorage.
func (s *Inbox) Write(_ context.Context, msg delivery.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

// ReadPage implements delivery.InboxStorage.
func (s *Inbox) ReadPage(_ context.Context, shard delivery.ShardIndex, limit int) ([]delivery.InboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []delivery.InboxMessage
	for _, msg := range s.messages {
		if msg.Shard.Index == shard.Index && msg.Status == delivery.StatusToDeliver {
			page = append(page, msg)
		}
	}
	sort.SliceStable(page, func(i, j int) bool {
		if !page[i].ReceivedAt.Equal(page[j].ReceivedAt) {
			return page[i].ReceivedAt.Before(page[j].ReceivedAt)
		}
		return page[i].Signal.ID < page[j].Signal.ID
	})
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// MarkDelivered implements delivery.InboxStorage.
func (s *Inbox) MarkDelivered(_ context.Context, shard delivery.ShardIndex, signalIDs []string, keepUntil time.Time) error {
	ids := make(map[string]bool, len(signalIDs))
	for _, id := range signalIDs {
		ids[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		msg := &s.messages[i]
		if msg.Shard.Index == shard.Index && ids[msg.Signal.ID] {
			msg.Status = delivery.StatusDelivered
			msg.KeepUntil = keepUntil
		}
	}
	return nil
}

// DeliveredRecently implements delivery.InboxStorage.
func (s *Inbox) DeliveredRecently(_ context.Context, shard delivery.ShardIndex, signalIDs []string) (map[string]bool, error) {
	ids := make(map[string]bool, len(signalIDs))
	for _, id := range signalIDs {
		ids[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, msg := range s.messages {
		if msg.Shard.Index == shard.Index &&
			msg.Status == delivery.StatusDelivered &&
			ids[msg.Signal.ID] {
			out[msg.Signal.ID] = true
		}
	}
	return out, nil
}

// DeleteExpired implements delivery.InboxStorage.
func (s *Inbox) DeleteExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.Status == delivery.StatusDelivered && msg.KeepUntil.Before(now) {
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return nil
}
