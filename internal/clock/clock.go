// Package clock provides the time source used by every component.
//
// Production code injects Real(). Tests inject testutil.FakeClock, which
// satisfies the same interface. time.Now carries a monotonic reading, so
// Since is safe against wall clock steps within one process.
package clock

import "time"

// Clock is the wall + monotonic time provider.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the system clock.
func Real() Clock { return realClock{} }

// Func adapts a plain function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Since returns the elapsed time since t according to c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
