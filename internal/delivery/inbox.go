package delivery

import (
	"context"
	"time"

	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// Status is the delivery state of an inbox message.
type Status string

const (
	// StatusToDeliver marks a message awaiting dispatch.
	StatusToDeliver Status = "to_deliver"
	// StatusDelivered marks a dispatched message retained for dedup.
	StatusDelivered Status = "delivered"
)

// InboxMessage is one pending signal addressed to an entity in a shard.
type InboxMessage struct {
	Shard      ShardIndex
	Signal     signal.Signal
	TargetID   entity.ID
	TargetType signal.Class
	Status     Status
	ReceivedAt time.Time
	// KeepUntil bounds how long a delivered message stays for dedup.
	KeepUntil time.Time
}

// InboxStorage persists inbox messages per shard.
//
// All mutating operations must be linearizable per shard: the enqueue path
// and the shard session owner share this storage.
type InboxStorage interface {
	// Write persists the message. It must be acknowledged by the backend
	// before returning.
	Write(ctx context.Context, msg InboxMessage) error
	// ReadPage returns up to limit messages with StatusToDeliver, ordered by
	// received time ascending, then signal id.
	ReadPage(ctx context.Context, shard ShardIndex, limit int) ([]InboxMessage, error)
	// MarkDelivered transitions the given signals to StatusDelivered and
	// stamps keepUntil.
	MarkDelivered(ctx context.Context, shard ShardIndex, signalIDs []string, keepUntil time.Time) error
	// DeliveredRecently reports which of the given signal ids are already
	// StatusDelivered and still inside their dedup window.
	DeliveredRecently(ctx context.Context, shard ShardIndex, signalIDs []string) (map[string]bool, error)
	// DeleteExpired removes delivered messages whose keep-until has passed.
	DeleteExpired(ctx context.Context, now time.Time) error
}
