package store

import (
	"context"
	"sync"

	"escrowcore/internal/host"
	"escrowcore/internal/models"
)

// Memory is an in-process storage backend. It backs the test suites and
// standalone runs without a database, with the same atomic-commit
// contract as the Postgres backend.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte // instance -> key -> value
	events []models.Event
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string][]byte),
	}
}

// Get returns the committed value for (instance, key).
func (m *Memory) Get(ctx context.Context, instance, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, ok := m.data[instance]
	if !ok {
		return nil, false, nil
	}
	raw, ok := keys[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

// Commit applies all writes and appends all events under one lock, so a
// reader never observes a partially applied invocation.
func (m *Memory) Commit(ctx context.Context, instance string, writes []host.Write, events []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.data[instance]
	if !ok {
		keys = make(map[string][]byte)
		m.data[instance] = keys
	}
	for _, w := range writes {
		val := make([]byte, len(w.Value))
		copy(val, w.Value)
		keys[w.Key] = val
	}
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of every committed event, in commit order.
func (m *Memory) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Event, len(m.events))
	copy(out, m.events)
	return out
}
