package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrShardTaken indicates another node holds a live lease on the shard.
	ErrShardTaken = errors.New("shard is picked up by another node")
	// ErrSessionLost indicates a session whose lease expired or was taken
	// over by another node.
	ErrSessionLost = errors.New("shard session is no longer owned")
)

// Session is an exclusive grant to process one shard.
//
// The token identifies this particular grant; a holder must prove the token
// is still current before making its work visible.
type Session struct {
	Shard      ShardIndex
	Node       string
	Token      string
	LeaseUntil time.Time
}

// WorkRegistry coordinates shard leases across nodes.
//
// At any instant, at most one live session exists per shard across the
// fleet. All operations are linearizable per shard.
type WorkRegistry interface {
	// PickUp acquires the shard for node. Fails with ErrShardTaken while
	// another node holds an unexpired lease.
	PickUp(ctx context.Context, shard ShardIndex, node string) (Session, error)
	// Release gives the shard up. Releasing a superseded session is a no-op.
	Release(ctx context.Context, session Session) error
	// ExtendLease renews the lease. Fails with ErrSessionLost when the
	// session token is no longer the current holder.
	ExtendLease(ctx context.Context, session Session) (Session, error)
}

type leaseEntry struct {
	node       string
	token      string
	leaseUntil time.Time
}

// MemoryWorkRegistry is the default in-process work registry.
type MemoryWorkRegistry struct {
	mu       sync.Mutex
	leaseTTL time.Duration
	now      func() time.Time
	leases   map[int]leaseEntry
}

// MemoryRegistryOption configures a MemoryWorkRegistry.
type MemoryRegistryOption func(*MemoryWorkRegistry)

// WithLeaseTTL sets the lease duration. Defaults to 30 seconds.
func WithLeaseTTL(ttl time.Duration) MemoryRegistryOption {
	return func(r *MemoryWorkRegistry) { r.leaseTTL = ttl }
}

// WithRegistryClock overrides the clock, for tests.
func WithRegistryClock(now func() time.Time) MemoryRegistryOption {
	return func(r *MemoryWorkRegistry) { r.now = now }
}

// NewMemoryWorkRegistry builds an in-memory registry.
func NewMemoryWorkRegistry(opts ...MemoryRegistryOption) *MemoryWorkRegistry {
	r := &MemoryWorkRegistry{
		leaseTTL: 30 * time.Second,
		now:      time.Now,
		leases:   make(map[int]leaseEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PickUp implements WorkRegistry with a compare-and-swap on the lease entry.
func (r *MemoryWorkRegistry) PickUp(_ context.Context, shard ShardIndex, node string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if entry, held := r.leases[shard.Index]; held && entry.leaseUntil.After(now) {
		// A node re-entering its own live lease is still excluded: the
		// existing session keeps exclusive ownership until released.
		return Session{}, ErrShardTaken
	}
	entry := leaseEntry{
		node:       node,
		token:      uuid.NewString(),
		leaseUntil: now.Add(r.leaseTTL),
	}
	r.leases[shard.Index] = entry
	return Session{
		Shard:      shard,
		Node:       node,
		Token:      entry.token,
		LeaseUntil: entry.leaseUntil,
	}, nil
}

// Release implements WorkRegistry.
func (r *MemoryWorkRegistry) Release(_ context.Context, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, held := r.leases[session.Shard.Index]
	if !held || entry.token != session.Token {
		return nil
	}
	delete(r.leases, session.Shard.Index)
	return nil
}

// ExtendLease implements WorkRegistry.
func (r *MemoryWorkRegistry) ExtendLease(_ context.Context, session Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, held := r.leases[session.Shard.Index]
	if !held || entry.token != session.Token {
		return Session{}, ErrSessionLost
	}
	if !entry.leaseUntil.After(r.now()) {
		delete(r.leases, session.Shard.Index)
		return Session{}, ErrSessionLost
	}
	entry.leaseUntil = r.now().Add(r.leaseTTL)
	r.leases[session.Shard.Index] = entry
	session.LeaseUntil = entry.leaseUntil
	return session, nil
}
