package catchup

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/signalmesh/internal/signal"
)

// Manager tracks the active catch-up processes of one bounded context and
// enforces a single active process per projection type.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	active map[signal.Class]*Process
}

// NewManager builds a manager with shared process dependencies. The enqueuer
// is provided per start call because it is projection-specific.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:   deps,
		active: make(map[signal.Class]*Process),
	}
}

// Start builds and runs a catch-up for the request, blocking until it
// completes. A second request for the same projection type fails with
// ErrAlreadyActive while the first is running.
func (m *Manager) Start(ctx context.Context, req Request, enqueuer Enqueuer) (State, error) {
	deps := m.deps
	deps.Enqueuer = enqueuer
	process, err := NewProcess(req, deps)
	if err != nil {
		return State{}, err
	}

	m.mu.Lock()
	if _, running := m.active[req.ProjectionType]; running {
		m.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrAlreadyActive, req.ProjectionType)
	}
	m.active[req.ProjectionType] = process
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.active, req.ProjectionType)
		m.mu.Unlock()
	}()

	if err := process.Run(ctx); err != nil {
		return process.State(), err
	}
	return process.State(), nil
}
