// Package circuitbreaker stops calling a failing collaborator for a cooldown
// period after a run of consecutive failures.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per key, typically a transport name.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

func New(threshold int, cooldown time.Duration, c clock.Clock, logger *zap.Logger) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     c,
		logger:    logger.Named("CircuitBreaker"),
	}
}

// Allow returns ErrCircuitOpen while key's circuit is open. After the
// cooldown one probe call is let through; further calls are refused until
// the probe is recorded.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return nil
	}
	switch c.state {
	case Open:
		if clock.Since(b.clock, c.openedAt) >= b.cooldown {
			c.state = HalfOpen
			b.logger.Info("circuit half-open", zap.String("key", key))
			return nil
		}
		return ErrCircuitOpen
	case HalfOpen:
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds the outcome of a call allowed by Allow. A nil err closes the
// circuit.
func (b *Breaker) Record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if err == nil {
		if ok && c.state != Closed {
			b.logger.Info("circuit closed", zap.String("key", key))
		}
		if ok {
			c.state = Closed
			c.failures = 0
		}
		return
	}

	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == HalfOpen || c.failures >= b.threshold {
		if c.state != Open {
			b.logger.Warn("circuit opened",
				zap.String("key", key),
				zap.Int("consecutive_failures", c.failures),
				zap.Error(err),
			)
		}
		c.state = Open
		c.openedAt = b.clock.Now()
	}
}

func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return Closed
}
