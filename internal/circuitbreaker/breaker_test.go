package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/testutil"
)

var (
	errSend = errors.New("dial tcp: connection refused")
	t0      = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
)

func newBreaker(clk *testutil.FakeClock) *Breaker {
	return New(3, 10*time.Second, clk, zap.NewNop())
}

func TestAllow_UnknownKey(t *testing.T) {
	b := newBreaker(testutil.NewFakeClock(t0))
	if err := b.Allow("smtp"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if got := b.State("smtp"); got != Closed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestAllow_OpensAtThreshold(t *testing.T) {
	b := newBreaker(testutil.NewFakeClock(t0))
	b.Record("smtp", errSend)
	b.Record("smtp", errSend)
	if err := b.Allow("smtp"); err != nil {
		t.Fatalf("below threshold: expected nil, got %v", err)
	}
	b.Record("smtp", errSend)
	if err := b.Allow("smtp"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if err := b.Allow("relay"); err != nil {
		t.Fatalf("other key affected: %v", err)
	}
}

func TestAllow_HalfOpenSingleProbe(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	b := newBreaker(clk)
	for i := 0; i < 3; i++ {
		b.Record("smtp", errSend)
	}

	clk.Advance(10 * time.Second)
	if err := b.Allow("smtp"); err != nil {
		t.Fatalf("probe should be allowed, got %v", err)
	}
	if got := b.State("smtp"); got != HalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}
	if err := b.Allow("smtp"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("second call during probe should be refused")
	}
}

func TestRecord_ProbeSuccessCloses(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	b := newBreaker(clk)
	for i := 0; i < 3; i++ {
		b.Record("smtp", errSend)
	}
	clk.Advance(10 * time.Second)
	_ = b.Allow("smtp")
	b.Record("smtp", nil)

	if got := b.State("smtp"); got != Closed {
		t.Fatalf("state = %s, want closed", got)
	}
	// failure count was reset
	b.Record("smtp", errSend)
	if err := b.Allow("smtp"); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}
}

func TestRecord_ProbeFailureReopens(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	b := newBreaker(clk)
	for i := 0; i < 3; i++ {
		b.Record("smtp", errSend)
	}
	clk.Advance(10 * time.Second)
	_ = b.Allow("smtp")
	b.Record("smtp", errSend)

	if err := b.Allow("smtp"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("failed probe should reopen the circuit")
	}
	clk.Advance(9 * time.Second)
	if err := b.Allow("smtp"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("cooldown restarts from the failed probe")
	}
}
