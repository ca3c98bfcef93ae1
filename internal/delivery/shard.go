// Package delivery serializes signal dispatch through per-shard inboxes so
// that every entity has a single writer across the fleet.
package delivery

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

// ErrInvalidShardIndex indicates an index outside [0, of_total).
var ErrInvalidShardIndex = errors.New("shard index out of range")

// ShardIndex addresses one shard of the entity id space.
type ShardIndex struct {
	Index   int
	OfTotal int
}

// NewShardIndex validates and builds a shard index.
func NewShardIndex(index, ofTotal int) (ShardIndex, error) {
	if ofTotal < 1 || index < 0 || index >= ofTotal {
		return ShardIndex{}, fmt.Errorf("%w: %d of %d", ErrInvalidShardIndex, index, ofTotal)
	}
	return ShardIndex{Index: index, OfTotal: ofTotal}, nil
}

func (s ShardIndex) String() string {
	return fmt.Sprintf("shard %d/%d", s.Index, s.OfTotal)
}

// Strategy places an entity on a shard. Implementations must be
// deterministic: the same id and type always land on the same shard.
type Strategy interface {
	IndexFor(id entity.ID, targetType signal.Class, ofTotal int) ShardIndex
}

// UniformHash spreads entities over shards by hashing the target type and id.
// This is the default strategy.
type UniformHash struct{}

// IndexFor implements Strategy.
func (UniformHash) IndexFor(id entity.ID, targetType signal.Class, ofTotal int) ShardIndex {
	if ofTotal < 1 {
		ofTotal = 1
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(targetType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return ShardIndex{Index: int(h.Sum64() % uint64(ofTotal)), OfTotal: ofTotal}
}
