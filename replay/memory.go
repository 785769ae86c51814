package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records live until Cleanup removes them
// once expired; an expired record does not block re-insertion.
type MemoryStore struct {
	records map[Key]time.Time
	mu      sync.Mutex
	nowFunc func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.nowFunc = now
	}
}

func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		records: make(map[Key]time.Time),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, key Key, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, exists := m.records[key]; exists && m.nowFunc().Before(exp) {
		return false, nil
	}
	m.records[key] = expiresAt
	return true, nil
}

// Len returns the number of records held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Cleanup(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, exp := range m.records {
		if !now.Before(exp) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}
