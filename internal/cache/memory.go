package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryTier is an in-process fast tier used when Redis is not configured
type MemoryTier struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryTier creates an empty in-process tier
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{items: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.data...), true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = m.entry(data, ttl)
	return nil
}

func (m *MemoryTier) SetNX(_ context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = m.entry(data, ttl)
	return true, nil
}

func (m *MemoryTier) Ping(context.Context) error { return nil }

func (m *MemoryTier) Name() string { return "memory" }

// Purge drops expired entries and returns how many were removed
func (m *MemoryTier) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// live returns the entry for key if present and unexpired; callers hold m.mu
func (m *MemoryTier) live(key string) (memoryEntry, bool) {
	entry, ok := m.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.items, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryTier) entry(data []byte, ttl time.Duration) memoryEntry {
	e := memoryEntry{data: append([]byte(nil), data...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	return e
}
