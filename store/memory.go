package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process KV implementation used in tests and single-node
// development runs. Values are copied on the way in and out.
type Memory struct {
	mu      sync.Mutex
	values  map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source; used by tests that exercise TTLs.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deadline, ok := m.expires[key]; ok && !m.now().Before(deadline) {
		delete(m.values, key)
		delete(m.expires, key)
		return nil, ErrNotFound
	}

	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value)
	delete(m.expires, key)
	return nil
}

func (m *Memory) SetTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value)
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.expires, key)
	return nil
}

// Len reports the number of live keys; test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

func (m *Memory) store(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
}
