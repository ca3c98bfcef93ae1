package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// Write implements delivery.InboxStorage.
func (s *Store) Write(ctx context.Context, msg delivery.InboxMessage) error {
	raw, err := signal.Marshal(msg.Signal)
	if err != nil {
		return err
	}
	const insertSQL = `
INSERT INTO inbox (
    shard_index, of_total, signal_id, target_id, target_type, signal, status, received_at, keep_until
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
`
	if _, err := s.sqlDB.ExecContext(ctx, insertSQL,
		msg.Shard.Index,
		msg.Shard.OfTotal,
		msg.Signal.ID,
		string(msg.TargetID),
		string(msg.TargetType),
		raw,
		string(msg.Status),
		toNanos(msg.ReceivedAt),
	); err != nil {
		return fmt.Errorf("write inbox message %s: %w", msg.Signal.ID, err)
	}
	return nil
}

// ReadPage implements delivery.InboxStorage.
func (s *Store) ReadPage(ctx context.Context, shard delivery.ShardIndex, limit int) ([]delivery.InboxMessage, error) {
	const pageSQL = `
SELECT shard_index, of_total, signal_id, target_id, target_type, signal, status, received_at, keep_until
FROM inbox
WHERE shard_index = ? AND status = ?
ORDER BY received_at ASC, signal_id ASC
LIMIT ?
`
	rows, err := s.sqlDB.QueryContext(ctx, pageSQL, shard.Index, string(delivery.StatusToDeliver), limit)
	if err != nil {
		return nil, fmt.Errorf("read inbox page of shard %d: %w", shard.Index, err)
	}
	defer rows.Close()

	var page []delivery.InboxMessage
	for rows.Next() {
		msg, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox page: %w", err)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInboxMessage(row rowScanner) (delivery.InboxMessage, error) {
	var (
		shardIndex, ofTotal int
		signalID, targetID  string
		targetType, status  string
		raw                 []byte
		receivedAt          int64
		keepUntil           *int64
	)
	if err := row.Scan(&shardIndex, &ofTotal, &signalID, &targetID, &targetType, &raw, &status, &receivedAt, &keepUntil); err != nil {
		return delivery.InboxMessage{}, fmt.Errorf("scan inbox message: %w", err)
	}
	sig, err := signal.Unmarshal(raw)
	if err != nil {
		return delivery.InboxMessage{}, err
	}
	msg := delivery.InboxMessage{
		Shard:      delivery.ShardIndex{Index: shardIndex, OfTotal: ofTotal},
		Signal:     sig,
		TargetID:   entity.ID(targetID),
		TargetType: signal.Class(targetType),
		Status:     delivery.Status(status),
		ReceivedAt: fromNanos(receivedAt),
	}
	if keepUntil != nil {
		msg.KeepUntil = fromNanos(*keepUntil)
	}
	return msg, nil
}

// MarkDelivered implements delivery.InboxStorage.
func (s *Store) MarkDelivered(ctx context.Context, shard delivery.ShardIndex, signalIDs []string, keepUntil time.Time) error {
	if len(signalIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
UPDATE inbox SET status = ?, keep_until = ?
WHERE shard_index = ? AND signal_id IN (%s)
`, placeholders(len(signalIDs)))
	args := []any{string(delivery.StatusDelivered), toNanos(keepUntil), shard.Index}
	for _, id := range signalIDs {
		args = append(args, id)
	}
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark delivered in shard %d: %w", shard.Index, err)
	}
	return nil
}

// DeliveredRecently implements delivery.InboxStorage.
func (s *Store) DeliveredRecently(ctx context.Context, shard delivery.ShardIndex, signalIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(signalIDs) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
SELECT DISTINCT signal_id FROM inbox
WHERE shard_index = ? AND status = ? AND signal_id IN (%s)
`, placeholders(len(signalIDs)))
	args := []any{shard.Index, string(delivery.StatusDelivered)}
	for _, id := range signalIDs {
		args = append(args, id)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup in shard %d: %w", shard.Index, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dedup row: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dedup rows: %w", err)
	}
	return out, nil
}

// DeleteExpired implements delivery.InboxStorage.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) error {
	const deleteSQL = `
DELETE FROM inbox WHERE status = ? AND keep_until IS NOT NULL AND keep_until < ?
`
	if _, err := s.sqlDB.ExecContext(ctx, deleteSQL, string(delivery.StatusDelivered), toNanos(now)); err != nil {
		return fmt.Errorf("delete expired inbox messages: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
