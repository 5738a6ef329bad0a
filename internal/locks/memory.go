package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryKeyspace is the in-process marker backend. Expiry is checked on
// access, so no janitor goroutine is needed at this scale.
type MemoryKeyspace struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory creates an empty in-process keyspace.
func NewMemory() *MemoryKeyspace {
	return &MemoryKeyspace{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Acquire sets key to value unless a live entry exists.
func (m *MemoryKeyspace) Acquire(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.entries[key]; ok && entry.expiresAt.After(now) {
		return entry.value, false, nil
	}

	m.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return value, true, nil
}

// Release deletes the key when it still holds value.
func (m *MemoryKeyspace) Release(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && entry.value == value {
		delete(m.entries, key)
	}
	return nil
}

// Get returns the live value for key.
func (m *MemoryKeyspace) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || !entry.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Close is a no-op for the in-process keyspace.
func (m *MemoryKeyspace) Close() error {
	return nil
}
