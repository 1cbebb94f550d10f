package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/tokenward/internal/domain"
)

// Reference is an authoritative time source the local clock is compared with.
type Reference interface {
	Time(ctx context.Context) (time.Time, error)
}

// RedisReference reads the Redis server clock with the TIME command.
type RedisReference struct {
	client redis.Cmdable
}

func NewRedisReference(client redis.Cmdable) *RedisReference {
	return &RedisReference{client: client}
}

func (r *RedisReference) Time(ctx context.Context) (time.Time, error) {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis time: %w", err)
	}
	return t, nil
}

// SkewGuard compares the local clock with a Reference and caches the
// verdict for Interval, so only one probe per interval reaches the network.
type SkewGuard struct {
	ref       Reference
	clock     Clock
	tolerance time.Duration
	interval  time.Duration

	mu        sync.Mutex
	checkedAt time.Time
	lastErr   error
}

func NewSkewGuard(ref Reference, c Clock, tolerance, interval time.Duration) *SkewGuard {
	return &SkewGuard{
		ref:       ref,
		clock:     c,
		tolerance: tolerance,
		interval:  interval,
	}
}

// Check returns nil when the local clock is within tolerance of the
// reference. An unreachable reference is reported as ErrClockSkew: the
// local clock cannot be trusted without it.
func (g *SkewGuard) Check(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if !g.checkedAt.IsZero() && now.Sub(g.checkedAt) < g.interval && now.After(g.checkedAt) {
		return g.lastErr
	}

	g.lastErr = g.probe(ctx, now)
	g.checkedAt = now
	return g.lastErr
}

func (g *SkewGuard) probe(ctx context.Context, before time.Time) error {
	refTime, err := g.ref.Time(ctx)
	if err != nil {
		return fmt.Errorf("%w: reference unavailable: %v", domain.ErrClockSkew, err)
	}
	after := g.clock.Now()

	// Compare against the midpoint of the round trip.
	local := before.Add(after.Sub(before) / 2)
	skew := local.Sub(refTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.tolerance {
		return fmt.Errorf("%w: local clock off by %s (tolerance %s)", domain.ErrClockSkew, skew, g.tolerance)
	}
	return nil
}
