package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/djlord-it/tokenward/internal/clock"
)

// MemoryCache is an in-process cache with the same contract as RedisCache.
// Used for single-node development and as the shared store in tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	clock   clock.Clock
}

func NewMemoryCache(c clock.Clock) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]time.Time),
		clock:   c,
	}
}

func (m *MemoryCache) Put(ctx context.Context, tokenID string, revokedUntil time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !revokedUntil.After(now) {
		return false, nil
	}
	if current, ok := m.entries[tokenID]; ok && current.After(now) && !revokedUntil.After(current) {
		return false, nil
	}
	m.entries[tokenID] = revokedUntil
	return true, nil
}

func (m *MemoryCache) Lookup(ctx context.Context, tokenID string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	until, ok := m.entries[tokenID]
	if !ok || !until.After(m.clock.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (m *MemoryCache) Contains(ctx context.Context, tokenID string) (bool, error) {
	_, found, err := m.Lookup(ctx, tokenID)
	return found, err
}

// Cleanup removes entries whose revokedUntil has passed.
func (m *MemoryCache) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, until := range m.entries {
		if !now.Before(until) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
