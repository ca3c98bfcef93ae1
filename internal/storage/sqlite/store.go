// Package sqlite provides a SQLite-backed storage factory for the inbox,
// the event journal, records, snapshots, and catch-up state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
	"github.com/louisbranch/signalmesh/internal/storage/sqlite/migrations"
)

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func toNullNanos(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(value), Valid: true}
}

// Store is a SQLite-backed store implementing the storage factory and every
// storage interface behind it.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (and migrates) a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// CreateInboxStorage implements storage.Factory.
func (s *Store) CreateInboxStorage(bool) (delivery.InboxStorage, error) {
	return s, nil
}

// CreateEventStore implements storage.Factory.
func (s *Store) CreateEventStore(context.Context) (storage.EventStore, error) {
	return s, nil
}

// CreateAggregateStorage implements storage.Factory.
func (s *Store) CreateAggregateStorage(_ context.Context, class signal.Class) (storage.SnapshotStorage, error) {
	return &snapshotStore{store: s, class: string(class)}, nil
}

// CreateRecordStorage implements storage.Factory.
func (s *Store) CreateRecordStorage(_ context.Context, class signal.Class) (storage.RecordStorage, error) {
	return &recordStore{store: s, class: string(class)}, nil
}

// CreateProjectionStorage implements storage.Factory.
func (s *Store) CreateProjectionStorage(ctx context.Context, class signal.Class) (storage.RecordStorage, error) {
	return s.CreateRecordStorage(ctx, class)
}
