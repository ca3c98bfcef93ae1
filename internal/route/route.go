// Package route maps signals to the entity ids that should receive them.
//
// A repository owns one routing table per signal kind it accepts. Tables are
// written during repository construction and read on every dispatch.
package route

import (
	"errors"
	"fmt"
	"sync"

	"github.com/louisbranch/signalmesh/internal/entity"
	"github.com/louisbranch/signalmesh/internal/signal"
)

var (
	// ErrDuplicateRoute indicates a second route for a message class.
	ErrDuplicateRoute = errors.New("route already set for message class")
	// ErrRouteNotFound indicates a removal of a route that was never set.
	ErrRouteNotFound = errors.New("no route set for message class")
	// ErrRouteFailed indicates a route that produced no usable target.
	ErrRouteFailed = errors.New("routing failed")
)

// CommandRoute resolves the single target of a command.
type CommandRoute func(sig signal.Signal) (entity.ID, error)

// EventRoute resolves the targets of an event or rejection. An empty result
// means the repository ignores the signal.
type EventRoute func(sig signal.Signal) ([]entity.ID, error)

// CommandRouting is the class-keyed routing table of a command-handling
// repository. Command routing is unicast: exactly one id per signal.
type CommandRouting struct {
	mu       sync.RWMutex
	routes   map[signal.Class]CommandRoute
	fallback CommandRoute
}

// NewCommandRouting builds a table with the given default route.
func NewCommandRouting(fallback CommandRoute) *CommandRouting {
	return &CommandRouting{
		routes:   make(map[signal.Class]CommandRoute),
		fallback: fallback,
	}
}

// Set installs the route for a class. Overwriting fails with
// ErrDuplicateRoute.
func (r *CommandRouting) Set(class signal.Class, fn CommandRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, class)
	}
	r.routes[class] = fn
	return nil
}

// Remove deletes the route for a class. The route must be set.
func (r *CommandRouting) Remove(class signal.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; !exists {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, class)
	}
	delete(r.routes, class)
	return nil
}

// Apply resolves the target id for the signal, falling back to the default
// route when no class-specific function is set.
func (r *CommandRouting) Apply(sig signal.Signal) (entity.ID, error) {
	r.mu.RLock()
	fn, ok := r.routes[sig.Class()]
	fallback := r.fallback
	r.mu.RUnlock()
	if !ok {
		fn = fallback
	}
	if fn == nil {
		return "", fmt.Errorf("%w: no route for %s", ErrRouteFailed, sig.Class())
	}
	id, err := fn(sig)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrRouteFailed, sig.Class(), err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty target for %s", ErrRouteFailed, sig.Class())
	}
	return id, nil
}

// EventRouting is the class-keyed routing table for events and rejections.
type EventRouting struct {
	mu       sync.RWMutex
	routes   map[signal.Class]EventRoute
	fallback EventRoute
}

// NewEventRouting builds a table with the given default route.
func NewEventRouting(fallback EventRoute) *EventRouting {
	return &EventRouting{
		routes:   make(map[signal.Class]EventRoute),
		fallback: fallback,
	}
}

// Set installs the route for a class. Overwriting fails with
// ErrDuplicateRoute.
func (r *EventRouting) Set(class signal.Class, fn EventRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, class)
	}
	r.routes[class] = fn
	return nil
}

// Remove deletes the route for a class. The route must be set.
func (r *EventRouting) Remove(class signal.Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; !exists {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, class)
	}
	delete(r.routes, class)
	return nil
}

// Apply resolves the target set for the signal. Duplicate ids collapse while
// preserving first-seen order.
func (r *EventRouting) Apply(sig signal.Signal) ([]entity.ID, error) {
	r.mu.RLock()
	fn, ok := r.routes[sig.Class()]
	fallback := r.fallback
	r.mu.RUnlock()
	if !ok {
		fn = fallback
	}
	if fn == nil {
		return nil, nil
	}
	ids, err := fn(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRouteFailed, sig.Class(), err)
	}
	seen := make(map[entity.ID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// ByProducer routes an event to the entity that produced it. This is the
// default event route.
func ByProducer() EventRoute {
	return func(sig signal.Signal) ([]entity.ID, error) {
		if sig.ProducerID == "" {
			return nil, nil
		}
		return []entity.ID{entity.ID(sig.ProducerID)}, nil
	}
}

// ToAll routes every signal of the class to the fixed id set.
func ToAll(ids ...entity.ID) EventRoute {
	return func(signal.Signal) ([]entity.ID, error) {
		return ids, nil
	}
}

// ToID routes every command of the class to the fixed id.
func ToID(id entity.ID) CommandRoute {
	return func(signal.Signal) (entity.ID, error) {
		return id, nil
	}
}

// ByFirstIDField routes a command by the first id-typed field of its payload,
// as reported by the schema registry. This is the default command route.
func ByFirstIDField(lookup func(sig signal.Signal) (string, bool)) CommandRoute {
	return func(sig signal.Signal) (entity.ID, error) {
		value, ok := lookup(sig)
		if !ok || value == "" {
			return "", errors.New("payload carries no id field")
		}
		return entity.ID(value), nil
	}
}
