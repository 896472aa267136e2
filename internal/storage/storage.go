package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/mistakeknot/interlock/internal/core"
)

// LeaseStore persists one namespace's resource -> lease mapping.
type LeaseStore interface {
	ListLeases(ctx context.Context) ([]core.Lease, error)
	GetLease(ctx context.Context, resource string) (core.Lease, error)
	PutLease(ctx context.Context, lease core.Lease) error
	DeleteLease(ctx context.Context, resource string) error
}

// AgentStore persists one namespace's agent registry.
type AgentStore interface {
	ListAgents(ctx context.Context) ([]core.Agent, error)
	GetAgent(ctx context.Context, id string) (core.Agent, error)
	PutAgent(ctx context.Context, agent core.Agent) error
}

// EventStore is the append-only audit trail. QueryEvents returns matches
// most-recent-first, at most limit of them (limit <= 0 means all), and the
// total number of matches.
type EventStore interface {
	AppendEvent(ctx context.Context, ev core.Event) error
	QueryEvents(ctx context.Context, filter core.EventFilter, limit int) ([]core.Event, int, error)
}

// Namespace is the complete storage of one project.
type Namespace interface {
	LeaseStore
	AgentStore
	EventStore
	Close() error
}

// Locker is implemented by namespaces shared between processes. The
// coordinator holds the lock around every read-modify-write.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Opener opens the namespace stored under root.
type Opener func(root string) (Namespace, error)

// InMemory is a namespace kept entirely in memory, for tests and the
// "memory" backend.
type InMemory struct {
	mu     sync.RWMutex
	leases map[string]core.Lease
	agents map[string]core.Agent
	events []core.Event
}

func NewInMemory() *InMemory {
	return &InMemory{
		leases: make(map[string]core.Lease),
		agents: make(map[string]core.Agent),
	}
}

// MemoryOpener returns an Opener that hands out one InMemory per root for
// the lifetime of the process.
func MemoryOpener() Opener {
	var mu sync.Mutex
	spaces := make(map[string]*InMemory)
	return func(root string) (Namespace, error) {
		mu.Lock()
		defer mu.Unlock()
		ns, ok := spaces[root]
		if !ok {
			ns = NewInMemory()
			spaces[root] = ns
		}
		return ns, nil
	}
}

func (m *InMemory) ListLeases(ctx context.Context) ([]core.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

func (m *InMemory) GetLease(ctx context.Context, resource string) (core.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leases[resource]
	if !ok {
		return core.Lease{}, core.ErrNotFound
	}
	return l, nil
}

func (m *InMemory) PutLease(ctx context.Context, lease core.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[lease.Resource] = lease
	return nil
}

func (m *InMemory) DeleteLease(ctx context.Context, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, resource)
	return nil
}

func (m *InMemory) ListAgents(ctx context.Context) ([]core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		a.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return core.Agent{}, core.ErrNotFound
	}
	a.Capabilities = append([]string(nil), a.Capabilities...)
	return a, nil
}

func (m *InMemory) PutAgent(ctx context.Context, agent core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent.Capabilities = append([]string(nil), agent.Capabilities...)
	m.agents[agent.ID] = agent
	return nil
}

func (m *InMemory) AppendEvent(ctx context.Context, ev core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *InMemory) QueryEvents(ctx context.Context, filter core.EventFilter, limit int) ([]core.Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FilterNewestFirst(m.events, filter, limit), CountMatches(m.events, filter), nil
}

func (m *InMemory) Close() error { return nil }

// FilterNewestFirst walks events (oldest first) backwards and returns up to
// limit matches, newest first.
func FilterNewestFirst(events []core.Event, filter core.EventFilter, limit int) []core.Event {
	out := make([]core.Event, 0)
	for i := len(events) - 1; i >= 0; i-- {
		if !filter.Match(events[i]) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, events[i])
	}
	return out
}

func CountMatches(events []core.Event, filter core.EventFilter) int {
	n := 0
	for _, ev := range events {
		if filter.Match(ev) {
			n++
		}
	}
	return n
}
