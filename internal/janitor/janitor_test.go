package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/revocation"
	"github.com/djlord-it/tokenward/internal/testutil"
)

var t0 = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)

type mockPruner struct {
	mu      sync.Mutex
	calls   []time.Time
	removed int64
	err     error
}

func (p *mockPruner) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, olderThan)
	return p.removed, p.err
}

func (p *mockPruner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type sweepFunc func(now time.Time) int

func (f sweepFunc) Cleanup(now time.Time) int { return f(now) }

type janitorMetrics struct {
	mu    sync.Mutex
	swept map[string]int
}

func (m *janitorMetrics) JanitorSwept(target string, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.swept == nil {
		m.swept = make(map[string]int)
	}
	m.swept[target] += removed
}

func TestRunOnce_SweepsExpiredRevocations(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	cache := revocation.NewMemoryCache(clk)
	ctx := context.Background()

	_, err := cache.Put(ctx, "short", t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = cache.Put(ctx, "long", t0.Add(time.Hour))
	require.NoError(t, err)

	local := revocation.NewLocalCache(clk, 2*time.Second, 100)
	local.MarkRevoked("short", t0.Add(time.Minute))

	j := New(DefaultConfig(), clk, zap.NewNop()).
		Sweep("revocations", cache).
		Sweep("local", local)

	clk.Advance(2 * time.Minute)
	removed := j.RunOnce(ctx)

	assert.Equal(t, 1, removed["revocations"])
	assert.Equal(t, 1, removed["local"])
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 0, local.Len())
}

func TestRunOnce_PrunesDeadLettersByRetention(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	pruner := &mockPruner{removed: 3}
	m := &janitorMetrics{}

	cfg := Config{Interval: time.Minute, DeadLetterRetention: 24 * time.Hour}
	j := New(cfg, clk, zap.NewNop()).WithDeadLetters(pruner).WithMetrics(m)

	removed := j.RunOnce(context.Background())

	require.Len(t, pruner.calls, 1)
	assert.Equal(t, t0.Add(-24*time.Hour), pruner.calls[0])
	assert.Equal(t, 3, removed[TargetDeadLetters])
	assert.Equal(t, 3, m.swept[TargetDeadLetters])
}

func TestRunOnce_ZeroRetentionKeepsDeadLetters(t *testing.T) {
	pruner := &mockPruner{}
	cfg := Config{Interval: time.Minute}
	j := New(cfg, testutil.NewFakeClock(t0), zap.NewNop()).WithDeadLetters(pruner)

	j.RunOnce(context.Background())
	assert.Equal(t, 0, pruner.callCount())
}

func TestRunOnce_PruneErrorDoesNotStopSweepers(t *testing.T) {
	pruner := &mockPruner{err: errors.New("connection refused")}
	swept := 0
	j := New(DefaultConfig(), testutil.NewFakeClock(t0), zap.NewNop()).
		WithDeadLetters(pruner).
		Sweep("ledger", sweepFunc(func(time.Time) int { swept++; return 2 }))

	removed := j.RunOnce(context.Background())

	assert.Equal(t, 1, swept)
	assert.Equal(t, 2, removed["ledger"])
	assert.NotContains(t, removed, TargetDeadLetters)
}

func TestRunOnce_NoMetricsForEmptySweep(t *testing.T) {
	m := &janitorMetrics{}
	j := New(DefaultConfig(), testutil.NewFakeClock(t0), zap.NewNop()).
		Sweep("ledger", sweepFunc(func(time.Time) int { return 0 })).
		Sweep("nil", nil).
		WithMetrics(m)

	removed := j.RunOnce(context.Background())
	assert.Equal(t, map[string]int{"ledger": 0}, removed)
	assert.Empty(t, m.swept)
}

func TestRun_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	pruner := &mockPruner{}
	cfg := Config{Interval: 10 * time.Millisecond, DeadLetterRetention: time.Hour}
	j := New(cfg, testutil.NewFakeClock(t0), zap.NewNop()).WithDeadLetters(pruner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return pruner.callCount() >= 2 }, time.Second, 5*time.Millisecond, "janitor should sweep repeatedly")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
