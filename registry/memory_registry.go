package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-process registry for tests and single-host runs.
// It supports blocking queries unless built with MemoryPollOnly, and can be
// made unreachable with SetUnavailable to exercise degraded behavior.
type MemoryRegistry struct {
	mu          sync.Mutex
	services    map[string]map[string]Endpoint // service -> id -> endpoint
	owners      map[string]string              // id -> service
	version     uint64
	changed     chan struct{} // closed and replaced on every mutation
	unavailable error
	pollOnly    bool

	queries atomic.Int64
}

type MemoryOption func(*MemoryRegistry)

// MemoryPollOnly makes the registry ignore WaitIndex, so watchers poll it.
func MemoryPollOnly() MemoryOption {
	return func(m *MemoryRegistry) { m.pollOnly = true }
}

func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	m := &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		owners:   make(map[string]string),
		version:  1,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryRegistry) Blocking() bool { return !m.pollOnly }

// bump must be called with mu held.
func (m *MemoryRegistry) bump() {
	m.version++
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemoryRegistry) Register(ctx context.Context, reg Registration) (string, error) {
	if err := reg.validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return "", m.unavailable
	}

	id := reg.ID
	if id == "" {
		id = reg.Service + "-" + uuid.NewString()
	}
	if m.services[reg.Service] == nil {
		m.services[reg.Service] = make(map[string]Endpoint)
	}
	m.services[reg.Service][id] = Endpoint{
		Service:  reg.Service,
		ID:       id,
		Host:     reg.Host,
		Port:     reg.Port,
		Health:   HealthPassing,
		LastSeen: time.Now(),
		Meta:     reg.Meta,
	}
	m.owners[id] = reg.Service
	m.bump()
	return id, nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return m.unavailable
	}
	svc, ok := m.owners[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.services[svc], id)
	delete(m.owners, id)
	m.bump()
	return nil
}

func (m *MemoryRegistry) ReportHealth(ctx context.Context, id string, health Health, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return m.unavailable
	}
	svc, ok := m.owners[id]
	if !ok {
		return ErrNotFound
	}
	ep := m.services[svc][id]
	ep.LastSeen = time.Now()
	if ep.Health != health {
		ep.Health = health
		m.services[svc][id] = ep
		m.bump()
		return nil
	}
	m.services[svc][id] = ep
	return nil
}

// Query returns the current entries of service. For blocking registries a
// WaitIndex equal to the current version holds the call until the next
// mutation, WaitTime, or ctx.
func (m *MemoryRegistry) Query(ctx context.Context, service string, opts QueryOptions) (*Snapshot, error) {
	m.queries.Add(1)

	m.mu.Lock()
	if m.unavailable != nil {
		err := m.unavailable
		m.mu.Unlock()
		return nil, err
	}
	if !m.pollOnly && opts.WaitIndex > 0 && opts.WaitIndex >= m.version {
		changed := m.changed
		m.mu.Unlock()

		wait := opts.WaitTime
		if wait <= 0 {
			wait = 5 * time.Minute
		}
		t := time.NewTimer(wait)
		select {
		case <-changed:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()
		m.mu.Lock()
		if m.unavailable != nil {
			err := m.unavailable
			m.mu.Unlock()
			return nil, err
		}
	}
	defer m.mu.Unlock()

	eps := make([]Endpoint, 0, len(m.services[service]))
	for _, ep := range m.services[service] {
		eps = append(eps, ep)
	}
	return NewSnapshot(service, m.version, eps), nil
}

func (m *MemoryRegistry) Close() error { return nil }

// SetUnavailable makes every call fail with err until called with nil.
// Blocked queries are woken so they observe the outage.
func (m *MemoryRegistry) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
	close(m.changed)
	m.changed = make(chan struct{})
}

// Queries counts Query calls so far.
func (m *MemoryRegistry) Queries() int64 {
	return m.queries.Load()
}
