package revocation

import (
	"sync"
	"time"

	"github.com/djlord-it/tokenward/internal/clock"
)

// Verdict is the answer of the per-process cache.
type Verdict int

const (
	Unknown Verdict = iota
	Revoked
	NotRevoked
)

// LocalCache remembers recent revocation answers so verification can skip
// the network. Revoked answers are kept until the entry's revokedUntil.
// NotRevoked answers are kept for at most the negative TTL, which must not
// exceed the propagation SLA.
type LocalCache struct {
	mu          sync.RWMutex
	revoked     map[string]time.Time
	clean       map[string]time.Time
	negativeTTL time.Duration
	maxClean    int
	clock       clock.Clock
}

// NewLocalCache creates a cache holding at most maxClean negative entries.
// A negativeTTL of zero disables negative caching.
func NewLocalCache(c clock.Clock, negativeTTL time.Duration, maxClean int) *LocalCache {
	return &LocalCache{
		revoked:     make(map[string]time.Time),
		clean:       make(map[string]time.Time),
		negativeTTL: negativeTTL,
		maxClean:    maxClean,
		clock:       c,
	}
}

func (l *LocalCache) Lookup(tokenID string) Verdict {
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	if until, ok := l.revoked[tokenID]; ok && until.After(now) {
		return Revoked
	}
	if until, ok := l.clean[tokenID]; ok && until.After(now) {
		return NotRevoked
	}
	return Unknown
}

// MarkRevoked records a revocation seen locally or fetched remotely.
func (l *LocalCache) MarkRevoked(tokenID string, revokedUntil time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.clean, tokenID)
	if current, ok := l.revoked[tokenID]; ok && !revokedUntil.After(current) {
		return
	}
	l.revoked[tokenID] = revokedUntil
}

// MarkClean records that the shared cache had no entry for tokenID.
func (l *LocalCache) MarkClean(tokenID string) {
	if l.negativeTTL <= 0 {
		return
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.revoked[tokenID]; ok && until.After(now) {
		return
	}
	if _, exists := l.clean[tokenID]; !exists && l.maxClean > 0 && len(l.clean) >= l.maxClean {
		return
	}
	l.clean[tokenID] = now.Add(l.negativeTTL)
}

// Forget drops any negative entry for tokenID.
func (l *LocalCache) Forget(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clean, tokenID)
}

// Cleanup removes expired entries of both kinds.
func (l *LocalCache) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, until := range l.revoked {
		if !now.Before(until) {
			delete(l.revoked, id)
			removed++
		}
	}
	for id, until := range l.clean {
		if !now.Before(until) {
			delete(l.clean, id)
			removed++
		}
	}
	return removed
}

func (l *LocalCache) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.revoked) + len(l.clean)
}
