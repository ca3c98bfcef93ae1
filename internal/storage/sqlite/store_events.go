package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
)

// Append implements storage.EventStore. The events land in one transaction:
// all become visible, or none.
func (s *Store) Append(ctx context.Context, events ...signal.Signal) error {
	if len(events) == 0 {
		return nil
	}
	for _, evt := range events {
		if evt.IsDefault() {
			return signal.ErrDefaultPayload
		}
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event append: %w", err)
	}
	const insertSQL = `
INSERT INTO events (signal_id, producer_id, event_type, occurred_at, version_number, signal)
VALUES (?, ?, ?, ?, ?, ?)
`
	for _, evt := range events {
		raw, err := signal.Marshal(evt)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, insertSQL,
			evt.ID,
			evt.ProducerID,
			string(evt.Class()),
			toNanos(evt.Context.Timestamp),
			int64(evt.Version.Number),
			raw,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append event %s: %w", evt.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event append: %w", err)
	}
	return nil
}

// Read implements storage.EventStore.
func (s *Store) Read(ctx context.Context, q storage.EventQuery, observe func(signal.Signal) error) error {
	var (
		clauses []string
		args    []any
	)
	if q.ProducerID != "" {
		clauses = append(clauses, "producer_id = ?")
		args = append(args, q.ProducerID)
	}
	if len(q.EventTypes) > 0 {
		clauses = append(clauses, fmt.Sprintf("event_type IN (%s)", placeholders(len(q.EventTypes))))
		for _, class := range q.EventTypes {
			args = append(args, string(class))
		}
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, toNanos(q.Since))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, toNanos(q.Until))
	}

	query := "SELECT signal FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at ASC, signal_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		evt, err := signal.Unmarshal(raw)
		if err != nil {
			return err
		}
		if err := observe(evt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	return nil
}
