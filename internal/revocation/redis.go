// Package revocation stores revoked token ids until their natural expiry.
//
// Entries live under revocation:{tokenId} with the revoked-until time in
// epoch seconds, millisecond precision ("1767225600.250"), as value and a
// TTL of revokedUntil-now. Put is monotonic:
// a write with an earlier revokedUntil never shrinks an existing entry.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
)

const keyPrefix = "revocation:"

// Key returns the cache key for a token id.
func Key(tokenID string) string {
	return keyPrefix + tokenID
}

// putScript sets the entry only if it is absent or holds an earlier
// revokedUntil. KEYS[1]=key ARGV[1]=revokedUntil (unix s, ms precision)
// ARGV[2]=ttl (ms).
var putScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisCache is the shared, cross-process revocation cache.
type RedisCache struct {
	client    redis.Cmdable
	clock     clock.Clock
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewRedisCache creates a cache on client. Every call runs under opTimeout.
func NewRedisCache(client redis.Cmdable, c clock.Clock, opTimeout time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		clock:     c,
		opTimeout: opTimeout,
		logger:    logger.Named("RevocationCache"),
	}
}

// Put records tokenID as revoked until revokedUntil. applied is false when
// an entry with an equal or later revokedUntil already existed, or when
// revokedUntil has already passed.
func (c *RedisCache) Put(ctx context.Context, tokenID string, revokedUntil time.Time) (bool, error) {
	ttl := revokedUntil.Sub(c.clock.Now())
	ms := ttl.Milliseconds()
	if ms <= 0 {
		c.logger.Debug("Skipping revocation of already expired token",
			zap.String("tokenID", tokenID), zap.Time("revokedUntil", revokedUntil))
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	res, err := putScript.Run(ctx, c.client, []string{Key(tokenID)}, formatUntil(revokedUntil), ms).Int()
	if err != nil {
		c.logger.Error("Revocation put failed", zap.String("tokenID", tokenID), zap.Error(err))
		return false, fmt.Errorf("%w: put %s: %v", domain.ErrCacheUnavailable, tokenID, err)
	}

	applied := res == 1
	c.logger.Debug("Revocation put",
		zap.String("tokenID", tokenID),
		zap.Time("revokedUntil", revokedUntil),
		zap.Duration("ttl", ttl),
		zap.Bool("applied", applied),
	)
	return applied, nil
}

// Lookup returns the live entry for tokenID, if any.
func (c *RedisCache) Lookup(ctx context.Context, tokenID string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, Key(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: lookup %s: %v", domain.ErrCacheUnavailable, tokenID, err)
	}

	until, err := parseUntil(val)
	if err != nil {
		// A corrupt value still means someone revoked the token.
		c.logger.Warn("Unparseable revocation entry, treating as revoked",
			zap.String("tokenID", tokenID), zap.String("value", val))
		return c.clock.Now().Add(time.Second), true, nil
	}

	if !until.After(c.clock.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// formatUntil renders t as epoch seconds with millisecond precision.
func formatUntil(t time.Time) string {
	ms := t.UnixMilli()
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

// parseUntil accepts whole or fractional epoch seconds.
func parseUntil(val string) (time.Time, error) {
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(math.Round(secs * 1000))), nil
}

// Contains reports whether a live entry exists for tokenID.
func (c *RedisCache) Contains(ctx context.Context, tokenID string) (bool, error) {
	_, found, err := c.Lookup(ctx, tokenID)
	return found, err
}

// Ping checks connectivity for health reporting.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
