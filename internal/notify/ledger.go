package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
)

// ClaimResult is the outcome of claiming an idempotency key.
type ClaimResult int

const (
	// Claimed means the caller owns the send.
	Claimed ClaimResult = iota
	// AlreadySent means a previous execution delivered the message.
	AlreadySent
	// InFlight means another execution holds the claim.
	InFlight
)

const (
	statusPending = "pending"
	statusSent    = "sent"
)

// LedgerConfig sets how long ledger entries live. PendingTTL bounds how long
// a crashed sender can block retries; SentTTL is the deduplication window.
type LedgerConfig struct {
	PendingTTL time.Duration
	SentTTL    time.Duration

	// CounterRetention is how long per-template daily send counters are kept.
	CounterRetention time.Duration
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		PendingTTL:       2 * time.Minute,
		SentTTL:          72 * time.Hour,
		CounterRetention: 30 * 24 * time.Hour,
	}
}

// RedisLedger keeps the send ledger in Redis so every replica shares it.
type RedisLedger struct {
	client redis.Cmdable
	cfg    LedgerConfig
}

func NewRedisLedger(client redis.Cmdable, cfg LedgerConfig) *RedisLedger {
	return &RedisLedger{client: client, cfg: cfg}
}

func ledgerKey(idempotencyKey string) string {
	return "notify:ledger:" + idempotencyKey
}

func counterKey(templateID string, day time.Time) string {
	return fmt.Sprintf("notify:sent:%s:%s", templateID, day.UTC().Format("20060102"))
}

func (l *RedisLedger) Claim(ctx context.Context, key string) (ClaimResult, error) {
	ok, err := l.client.SetNX(ctx, ledgerKey(key), statusPending, l.cfg.PendingTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ledger claim: %v", domain.ErrCacheUnavailable, err)
	}
	if ok {
		return Claimed, nil
	}

	status, err := l.client.Get(ctx, ledgerKey(key)).Result()
	if err == redis.Nil {
		// expired between SETNX and GET
		return InFlight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: ledger get: %v", domain.ErrCacheUnavailable, err)
	}
	if status == statusSent {
		return AlreadySent, nil
	}
	return InFlight, nil
}

// Confirm marks key as sent and bumps the template's daily counter.
func (l *RedisLedger) Confirm(ctx context.Context, key, templateID string, at time.Time) error {
	counter := counterKey(templateID, at)

	pipe := l.client.Pipeline()
	pipe.Set(ctx, ledgerKey(key), statusSent, l.cfg.SentTTL)
	pipe.Incr(ctx, counter)
	pipe.Expire(ctx, counter, l.cfg.CounterRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ledger confirm: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Release drops a pending claim so the send can be retried.
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, ledgerKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: ledger release: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// SentCount returns how many messages of templateID were confirmed on day.
func (l *RedisLedger) SentCount(ctx context.Context, templateID string, day time.Time) (int64, error) {
	n, err := l.client.Get(ctx, counterKey(templateID, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

type memoryEntry struct {
	status    string
	expiresAt time.Time
}

// MemoryLedger is a single-process ledger for development and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	cfg     LedgerConfig
	clock   clock.Clock
}

func NewMemoryLedger(cfg LedgerConfig, c clock.Clock) *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry), cfg: cfg, clock: c}
}

func (l *MemoryLedger) Claim(ctx context.Context, key string) (ClaimResult, error) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.expiresAt.After(now) {
		if e.status == statusSent {
			return AlreadySent, nil
		}
		return InFlight, nil
	}
	l.entries[key] = memoryEntry{status: statusPending, expiresAt: now.Add(l.cfg.PendingTTL)}
	return Claimed, nil
}

func (l *MemoryLedger) Confirm(ctx context.Context, key, templateID string, at time.Time) error {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = memoryEntry{status: statusSent, expiresAt: now.Add(l.cfg.SentTTL)}
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// Cleanup drops expired entries and returns how many were removed.
func (l *MemoryLedger) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.entries {
		if !e.expiresAt.After(now) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
