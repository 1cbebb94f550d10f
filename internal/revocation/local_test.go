package revocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/djlord-it/tokenward/internal/testutil"
)

func TestLocalCache_Verdicts(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	l := NewLocalCache(clk, time.Second, 100)

	assert.Equal(t, Unknown, l.Lookup("a"))

	l.MarkClean("a")
	assert.Equal(t, NotRevoked, l.Lookup("a"))

	l.MarkRevoked("a", epoch.Add(time.Hour))
	assert.Equal(t, Revoked, l.Lookup("a"), "revocation overrides a negative entry")

	l.MarkClean("a")
	assert.Equal(t, Revoked, l.Lookup("a"), "negative entry must not mask a known revocation")
}

func TestLocalCache_NegativeEntryBoundedByTTL(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	l := NewLocalCache(clk, 800*time.Millisecond, 100)

	l.MarkClean("a")
	clk.Advance(799 * time.Millisecond)
	assert.Equal(t, NotRevoked, l.Lookup("a"))

	clk.Advance(time.Millisecond)
	assert.Equal(t, Unknown, l.Lookup("a"), "negative entry must expire after its TTL")
}

func TestLocalCache_NegativeCachingDisabled(t *testing.T) {
	l := NewLocalCache(testutil.NewFakeClock(epoch), 0, 100)
	l.MarkClean("a")
	assert.Equal(t, Unknown, l.Lookup("a"))
}

func TestLocalCache_MaxCleanEntries(t *testing.T) {
	l := NewLocalCache(testutil.NewFakeClock(epoch), time.Second, 2)
	l.MarkClean("a")
	l.MarkClean("b")
	l.MarkClean("c")

	assert.Equal(t, NotRevoked, l.Lookup("a"))
	assert.Equal(t, NotRevoked, l.Lookup("b"))
	assert.Equal(t, Unknown, l.Lookup("c"))
}

func TestLocalCache_ForgetAndCleanup(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	l := NewLocalCache(clk, time.Second, 100)

	l.MarkClean("a")
	l.Forget("a")
	assert.Equal(t, Unknown, l.Lookup("a"))

	l.MarkClean("b")
	l.MarkRevoked("c", epoch.Add(time.Minute))
	assert.Equal(t, 2, l.Len())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, l.Cleanup(clk.Now()))
	assert.Equal(t, 0, l.Len())
}
