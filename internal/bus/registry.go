// Package bus provides the pub/sub fabric: one bus per signal family, each
// with a dispatcher registry, a filter chain, and acknowledgement reporting.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/louisbranch/signalmesh/internal/signal"
)

var (
	// ErrDuplicateHandler indicates a second dispatcher for a class on a
	// unicast bus.
	ErrDuplicateHandler = errors.New("dispatcher already registered for message class")
	// ErrInvalidDispatcher indicates a dispatcher exposing no classes.
	ErrInvalidDispatcher = errors.New("dispatcher exposes no message classes")
	// ErrNoDispatcher indicates a class with no dispatcher on a unicast bus.
	ErrNoDispatcher = errors.New("no dispatcher registered for message class")
)

// Dispatcher consumes envelopes of the classes it exposes.
type Dispatcher interface {
	MessageClasses() []signal.Class
	Dispatch(ctx context.Context, env signal.Envelope) signal.Ack
}

// Registry indexes dispatchers by message class.
//
// A unicast registry admits at most one dispatcher per class; a multicast
// registry appends.
type Registry struct {
	mu      sync.RWMutex
	unicast bool
	byClass map[signal.Class][]Dispatcher
}

// NewUnicastRegistry builds a registry for command dispatch.
func NewUnicastRegistry() *Registry {
	return &Registry{unicast: true, byClass: make(map[signal.Class][]Dispatcher)}
}

// NewMulticastRegistry builds a registry for event and rejection dispatch.
func NewMulticastRegistry() *Registry {
	return &Registry{byClass: make(map[signal.Class][]Dispatcher)}
}

// Register indexes the dispatcher under every class it exposes.
//
// On a unicast registry the whole call fails if any class is already taken;
// no partial registration happens.
func (r *Registry) Register(d Dispatcher) error {
	classes := d.MessageClasses()
	if len(classes) == 0 {
		return ErrInvalidDispatcher
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unicast {
		for _, class := range classes {
			if len(r.byClass[class]) > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateHandler, class)
			}
		}
	}
	for _, class := range classes {
		r.byClass[class] = append(r.byClass[class], d)
	}
	return nil
}

// Unregister removes every association of the dispatcher.
func (r *Registry) Unregister(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for class, dispatchers := range r.byClass {
		kept := dispatchers[:0]
		for _, existing := range dispatchers {
			if existing != d {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(r.byClass, class)
			continue
		}
		r.byClass[class] = kept
	}
}

// DispatchersOf returns the dispatchers registered for a class.
func (r *Registry) DispatchersOf(class signal.Class) []Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dispatchers := r.byClass[class]
	out := make([]Dispatcher, len(dispatchers))
	copy(out, dispatchers)
	return out
}

// Classes returns every class with at least one dispatcher.
func (r *Registry) Classes() []signal.Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]signal.Class, 0, len(r.byClass))
	for class := range r.byClass {
		classes = append(classes, class)
	}
	return classes
}
