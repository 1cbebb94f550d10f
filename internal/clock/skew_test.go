package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/tokenward/internal/domain"
)

type fakeReference struct {
	t     time.Time
	err   error
	calls int
}

func (r *fakeReference) Time(ctx context.Context) (time.Time, error) {
	r.calls++
	return r.t, r.err
}

type settableClock struct{ t time.Time }

func (c *settableClock) Now() time.Time { return c.t }

func TestSkewGuard_WithinTolerance(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeReference{t: base.Add(500 * time.Millisecond)}
	guard := NewSkewGuard(ref, &settableClock{t: base}, 2*time.Second, time.Minute)

	require.NoError(t, guard.Check(context.Background()))
}

func TestSkewGuard_BeyondTolerance(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeReference{t: base.Add(-10 * time.Second)}
	guard := NewSkewGuard(ref, &settableClock{t: base}, 2*time.Second, time.Minute)

	err := guard.Check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrClockSkew))
}

func TestSkewGuard_ReferenceDown(t *testing.T) {
	ref := &fakeReference{err: errors.New("connection refused")}
	guard := NewSkewGuard(ref, Real(), time.Second, time.Minute)

	err := guard.Check(context.Background())
	assert.ErrorIs(t, err, domain.ErrClockSkew)
}

func TestSkewGuard_CachesVerdict(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &settableClock{t: base}
	ref := &fakeReference{t: base}
	guard := NewSkewGuard(ref, c, time.Second, 30*time.Second)

	require.NoError(t, guard.Check(context.Background()))
	c.t = base.Add(10 * time.Second)
	ref.t = c.t
	require.NoError(t, guard.Check(context.Background()))
	assert.Equal(t, 1, ref.calls, "second check inside the interval should not probe")

	c.t = base.Add(31 * time.Second)
	ref.t = c.t
	require.NoError(t, guard.Check(context.Background()))
	assert.Equal(t, 2, ref.calls)
}
