package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
)

// recordStore scopes the records table to one entity class.
type recordStore struct {
	store *Store
	class string
}

// Read implements storage.RecordStorage.
func (r *recordStore) Read(ctx context.Context, tenant string, id entity.ID) (storage.Record, error) {
	const readSQL = `
SELECT state, version_number, version_at, archived, deleted, updated_at
FROM records WHERE class = ? AND tenant = ? AND id = ?
`
	row := r.store.sqlDB.QueryRowContext(ctx, readSQL, r.class, tenant, string(id))
	var (
		state             []byte
		versionNumber     int64
		versionAt         int64
		archived, deleted bool
		updatedAt         int64
	)
	if err := row.Scan(&state, &versionNumber, &versionAt, &archived, &deleted, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("read record %s: %w", id, err)
	}
	return storage.Record{
		ID:        id,
		State:     state,
		Version:   signal.Version{Number: uint64(versionNumber), Timestamp: fromNanos(versionAt)},
		Flags:     entity.Flags{Archived: archived, Deleted: deleted},
		UpdatedAt: fromNanos(updatedAt),
	}, nil
}

// Write implements storage.RecordStorage.
func (r *recordStore) Write(ctx context.Context, tenant string, rec storage.Record) error {
	const upsertSQL = `
INSERT INTO records (class, tenant, id, state, version_number, version_at, archived, deleted, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(class, tenant, id) DO UPDATE SET
    state = excluded.state,
    version_number = excluded.version_number,
    version_at = excluded.version_at,
    archived = excluded.archived,
    deleted = excluded.deleted,
    updated_at = excluded.updated_at
`
	if _, err := r.store.sqlDB.ExecContext(ctx, upsertSQL,
		r.class,
		tenant,
		string(rec.ID),
		rec.State,
		int64(rec.Version.Number),
		toNanos(rec.Version.Timestamp),
		rec.Flags.Archived,
		rec.Flags.Deleted,
		toNanos(rec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	return nil
}

// snapshotStore scopes the snapshots table to one aggregate class.
type snapshotStore struct {
	store *Store
	class string
}

// ReadSnapshot implements storage.SnapshotStorage.
func (r *snapshotStore) ReadSnapshot(ctx context.Context, tenant, producerID string) (storage.Snapshot, error) {
	const readSQL = `
SELECT state, version_number, version_at, archived, deleted, taken_at
FROM snapshots WHERE class = ? AND tenant = ? AND producer_id = ?
`
	row := r.store.sqlDB.QueryRowContext(ctx, readSQL, r.class, tenant, producerID)
	var (
		state             []byte
		versionNumber     int64
		versionAt         int64
		archived, deleted bool
		takenAt           int64
	)
	if err := row.Scan(&state, &versionNumber, &versionAt, &archived, &deleted, &takenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("read snapshot of %s: %w", producerID, err)
	}
	return storage.Snapshot{
		ProducerID: producerID,
		State:      state,
		Version:    signal.Version{Number: uint64(versionNumber), Timestamp: fromNanos(versionAt)},
		Flags:      entity.Flags{Archived: archived, Deleted: deleted},
		TakenAt:    fromNanos(takenAt),
	}, nil
}

// WriteSnapshot implements storage.SnapshotStorage.
func (r *snapshotStore) WriteSnapshot(ctx context.Context, tenant string, snap storage.Snapshot) error {
	const upsertSQL = `
INSERT INTO snapshots (class, tenant, producer_id, state, version_number, version_at, archived, deleted, taken_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(class, tenant, producer_id) DO UPDATE SET
    state = excluded.state,
    version_number = excluded.version_number,
    version_at = excluded.version_at,
    archived = excluded.archived,
    deleted = excluded.deleted,
    taken_at = excluded.taken_at
`
	if _, err := r.store.sqlDB.ExecContext(ctx, upsertSQL,
		r.class,
		tenant,
		snap.ProducerID,
		snap.State,
		int64(snap.Version.Number),
		toNanos(snap.Version.Timestamp),
		snap.Flags.Archived,
		snap.Flags.Deleted,
		toNanos(snap.TakenAt),
	); err != nil {
		return fmt.Errorf("write snapshot of %s: %w", snap.ProducerID, err)
	}
	return nil
}
