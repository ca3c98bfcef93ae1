package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/louisbranch/signalmesh/internal/signal"
)

// ErrDropSilently short-circuits the filter chain without an error ack. The
// bus acknowledges the signal as accepted and dispatches nothing.
var ErrDropSilently = errors.New("signal dropped by filter")

// Filter inspects an envelope before dispatch.
//
// Returning a non-nil ack short-circuits the chain and the ack is reported
// as-is. Returning ErrDropSilently drops the signal with an ok ack. Any other
// error produces an error ack.
type Filter interface {
	Accept(ctx context.Context, env signal.Envelope) (*signal.Ack, error)
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, env signal.Envelope) (*signal.Ack, error)

// Accept implements Filter.
func (f FilterFunc) Accept(ctx context.Context, env signal.Envelope) (*signal.Ack, error) {
	return f(ctx, env)
}

// DedupFilter drops signals whose id was already observed. It backs the
// pre-dispatch dedup stage for buses fed by at-least-once transports.
type DedupFilter struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewDedupFilter builds an empty dedup filter.
func NewDedupFilter() *DedupFilter {
	return &DedupFilter{seen: make(map[string]bool)}
}

// Accept drops envelopes with an already-observed signal id.
func (f *DedupFilter) Accept(_ context.Context, env signal.Envelope) (*signal.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[env.Signal.ID] {
		return nil, ErrDropSilently
	}
	f.seen[env.Signal.ID] = true
	return nil, nil
}

// TenantFilter rejects signals whose tenant is not in the allowed set. An
// empty allowed set admits everything.
type TenantFilter struct {
	Allowed map[string]bool
}

// Accept implements Filter.
func (f TenantFilter) Accept(_ context.Context, env signal.Envelope) (*signal.Ack, error) {
	if len(f.Allowed) == 0 || f.Allowed[env.TenantID()] {
		return nil, nil
	}
	ack := signal.ErrorAck(env.Signal.ID, errors.New("tenant is not served by this context"))
	return &ack, nil
}
