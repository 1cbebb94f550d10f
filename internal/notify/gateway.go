// Package notify executes dispatch events as templated messages.
//
// Each execution renders the event's template, claims the event's
// idempotency key in a send ledger, and only then hands the message to a
// mail transport. A key already marked sent is acknowledged without sending,
// so redelivered events never produce a second message within the ledger
// window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
)

// Ledger records which idempotency keys have been sent.
type Ledger interface {
	Claim(ctx context.Context, key string) (ClaimResult, error)
	Confirm(ctx context.Context, key, templateID string, at time.Time) error
	Release(ctx context.Context, key string) error
}

// Breaker guards a transport by name.
type Breaker interface {
	Allow(key string) error
	Record(key string, err error)
}

// MetricsSink records gateway metrics. Methods must not block.
type MetricsSink interface {
	NotificationSent(transport string, duration time.Duration)
	NotificationDuplicate()
	NotificationFailed(transport string, permanent bool)
}

type Config struct {
	TransportTimeout time.Duration
	LedgerTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TransportTimeout: 15 * time.Second,
		LedgerTimeout:    2 * time.Second,
	}
}

type Gateway struct {
	cfg       Config
	renderer  *Renderer
	ledger    Ledger
	transport Transport
	breaker   Breaker     // optional, nil = disabled
	metrics   MetricsSink // optional, nil = disabled
	clock     clock.Clock
	logger    *zap.Logger
}

func NewGateway(cfg Config, renderer *Renderer, ledger Ledger, transport Transport, c clock.Clock, logger *zap.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = def.TransportTimeout
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = def.LedgerTimeout
	}
	return &Gateway{
		cfg:       cfg,
		renderer:  renderer,
		ledger:    ledger,
		transport: transport,
		clock:     c,
		logger:    logger.Named("NotificationGateway"),
	}
}

func (g *Gateway) WithBreaker(b Breaker) *Gateway {
	g.breaker = b
	return g
}

func (g *Gateway) WithMetrics(sink MetricsSink) *Gateway {
	g.metrics = sink
	return g
}

// Execute sends the message for ev at most once per idempotency key.
// A nil return means the message was sent now or earlier.
func (g *Gateway) Execute(ctx context.Context, ev domain.DispatchEvent) error {
	msg, err := g.renderer.Render(ev.Payload)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	msg.IdempotencyKey = ev.IdempotencyKey
	key := ev.IdempotencyKey
	name := g.transport.Name()

	log := g.logger.With(
		zap.String("idempotency_key", key),
		zap.String("template_id", ev.Payload.TemplateID),
		zap.String("transport", name),
	)

	claimCtx, cancel := context.WithTimeout(ctx, g.cfg.LedgerTimeout)
	claim, err := g.ledger.Claim(claimCtx, key)
	cancel()
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	switch claim {
	case AlreadySent:
		log.Debug("duplicate suppressed")
		if g.metrics != nil {
			g.metrics.NotificationDuplicate()
		}
		return nil
	case InFlight:
		return fmt.Errorf("%w: %s", domain.ErrSendInFlight, key)
	}

	if g.breaker != nil {
		if err := g.breaker.Allow(name); err != nil {
			g.release(ctx, key, log)
			return fmt.Errorf("%w: %w", domain.ErrTransport, err)
		}
	}

	start := g.clock.Now()
	sendCtx, cancelSend := context.WithTimeout(ctx, g.cfg.TransportTimeout)
	err = g.transport.Send(sendCtx, msg)
	cancelSend()
	if err != nil && !errors.Is(err, domain.ErrTransport) {
		err = fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	if g.breaker != nil {
		if err != nil && domain.IsPermanent(err) {
			g.breaker.Record(name, nil)
		} else {
			g.breaker.Record(name, err)
		}
	}

	if err != nil {
		g.release(ctx, key, log)
		if g.metrics != nil {
			g.metrics.NotificationFailed(name, domain.IsPermanent(err))
		}
		return fmt.Errorf("send: %w", err)
	}

	if g.metrics != nil {
		g.metrics.NotificationSent(name, clock.Since(g.clock, start))
	}

	confirmCtx, cancelConfirm := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.LedgerTimeout)
	defer cancelConfirm()
	if err := g.ledger.Confirm(confirmCtx, key, ev.Payload.TemplateID, start); err != nil {
		// not returned: the message is already out
		log.Error("ledger confirm failed", zap.Error(err))
	}
	log.Info("notification sent", zap.String("to", msg.To), zap.Bool("catch_up", ev.CatchUp))
	return nil
}

func (g *Gateway) release(ctx context.Context, key string, log *zap.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.LedgerTimeout)
	defer cancel()
	if err := g.ledger.Release(releaseCtx, key); err != nil {
		log.Warn("ledger release failed", zap.Error(err))
	}
}
