// ABOUTME: Registry of available agents with bounded acquisition
// ABOUTME: Acquire waits for the requested agent to be present, up to the caller's deadline

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Manager coordinates the agents available to the dispatcher. Agents come
// and go at runtime; Acquire bridges the gap by waiting, bounded by the
// caller's context, for the requested agent to appear.
type Manager struct {
	mu      sync.RWMutex
	agents  map[string]Agent
	arrived chan struct{} // closed and replaced on every registration
	logger  *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:  make(map[string]Agent),
		arrived: make(chan struct{}),
		logger:  logger,
	}
}

// Register adds an agent under the given ID and wakes any Acquire waiters.
// Returns ErrAgentAlreadyRegistered if the ID is taken.
func (m *Manager) Register(id string, a Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[id]; exists {
		return ErrAgentAlreadyRegistered
	}

	m.agents[id] = a
	close(m.arrived)
	m.arrived = make(chan struct{})

	m.logger.Info("agent registered", "agent_id", id, "total_agents", len(m.agents))
	return nil
}

// Unregister removes an agent from the manager.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[id]; exists {
		delete(m.agents, id)
		m.logger.Info("agent unregistered", "agent_id", id, "total_agents", len(m.agents))
	}
}

// Get returns the agent registered under id, if any.
func (m *Manager) Get(id string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	return a, ok
}

// IsOnline reports whether an agent with the given ID is currently registered.
func (m *Manager) IsOnline(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// List returns the IDs of all registered agents.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

// Acquire returns the agent registered under id, waiting for it to be
// registered if necessary. The wait is bounded by ctx; on expiry the
// context error is returned wrapped with ErrAgentNotFound semantics.
func (m *Manager) Acquire(ctx context.Context, id string) (Agent, error) {
	for {
		m.mu.RLock()
		a, ok := m.agents[id]
		arrived := m.arrived
		m.mu.RUnlock()

		if ok {
			return a, nil
		}

		select {
		case <-arrived:
			// An agent registered; re-check.
		case <-ctx.Done():
			return nil, errors.Join(ErrAgentNotFound, ctx.Err())
		}
	}
}
