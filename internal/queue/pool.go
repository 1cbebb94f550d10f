package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/retry"
)

// Executor runs one dispatch event. Errors marked domain.Permanent are not
// retried.
type Executor interface {
	Execute(ctx context.Context, event domain.DispatchEvent) error
}

// DeadLetterSink stores events that were never executed successfully.
type DeadLetterSink interface {
	Write(ctx context.Context, dl domain.DeadLetter) error
}

// MetricsSink records pool metrics. All methods must be non-blocking.
type MetricsSink interface {
	EventExecuted(outcome string, duration time.Duration)
	ExecutionRetried()
	DeadLettered(reason string)
	QueueDepth(n int)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// Execution outcomes reported to MetricsSink.
const (
	OutcomeSuccess    = "success"
	OutcomeDeadLetter = "dead_letter"
)

type PoolConfig struct {
	Workers      int
	MaxAttempts  int
	Backoff      retry.Backoff
	DrainTimeout time.Duration

	// DeadLetterTimeout bounds each write to the dead-letter sink.
	DeadLetterTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:           4,
		MaxAttempts:       4,
		Backoff:           retry.Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: true},
		DrainTimeout:      30 * time.Second,
		DeadLetterTimeout: 5 * time.Second,
	}
}

// Pool executes queued events on a fixed number of workers.
type Pool struct {
	cfg     PoolConfig
	queue   *Queue
	exec    Executor
	dead    DeadLetterSink
	metrics MetricsSink // optional, nil = disabled
	clock   clock.Clock
	logger  *zap.Logger
}

func NewPool(cfg PoolConfig, q *Queue, exec Executor, dead DeadLetterSink, c clock.Clock, logger *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DeadLetterTimeout <= 0 {
		cfg.DeadLetterTimeout = 5 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		queue:  q,
		exec:   exec,
		dead:   dead,
		clock:  c,
		logger: logger.Named("DispatchPool"),
	}
}

func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

// Run executes events until ctx is cancelled. It then closes the queue and
// lets workers drain buffered events for up to DrainTimeout. Whatever is
// still in flight or buffered after that is cancelled and dead-lettered as
// abandoned. Run returns once every worker has stopped.
func (p *Pool) Run(ctx context.Context) {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(workCtx)
		}()
	}
	p.logger.Info("pool started", zap.Int("workers", p.cfg.Workers))

	<-ctx.Done()
	p.queue.Close()
	p.logger.Info("pool draining", zap.Int("buffered", p.queue.Len()), zap.Duration("timeout", p.cfg.DrainTimeout))

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-stopped:
		p.logger.Info("pool drained")
		return
	case <-timer.C:
	}

	cancelWork()
	remaining := p.queue.Drain()
	for _, ev := range remaining {
		p.deadLetter(ev, 0, errors.New("drain timeout"), domain.DeadLetterAbandoned)
	}
	<-stopped
	p.logger.Warn("pool drain timed out", zap.Int("abandoned_buffered", len(remaining)))
}

func (p *Pool) worker(ctx context.Context) {
	for {
		ev, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if p.metrics != nil {
			p.metrics.QueueDepth(p.queue.Len())
		}
		p.process(ctx, ev)
		p.queue.Done(ev)
	}
}

// process runs ev with retries. It always ends in success or a dead letter.
func (p *Pool) process(ctx context.Context, ev domain.DispatchEvent) {
	if p.metrics != nil {
		p.metrics.EventsInFlightIncr()
		defer p.metrics.EventsInFlightDecr()
	}
	log := p.logger.With(
		zap.String("trigger_id", ev.TriggerID),
		zap.String("idempotency_key", ev.IdempotencyKey),
	)

	if err := ctx.Err(); err != nil {
		log.Warn("event leased after shutdown deadline, not executed")
		p.deadLetter(ev, 0, err, domain.DeadLetterAbandoned)
		return
	}

	start := p.clock.Now()
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if p.metrics != nil {
				p.metrics.ExecutionRetried()
			}
			delay := p.cfg.Backoff.Delay(attempt - 1)
			log.Debug("retrying", zap.Int("attempt", attempt), zap.Duration("backoff", delay))
			if err := retry.Wait(ctx, delay); err != nil {
				p.deadLetter(ev, attempts, lastErr, domain.DeadLetterAbandoned)
				return
			}
		}

		attempts = attempt
		err := p.safeExecute(ctx, ev)
		if err == nil {
			log.Debug("executed", zap.Int("attempt", attempt))
			if p.metrics != nil {
				p.metrics.EventExecuted(OutcomeSuccess, clock.Since(p.clock, start))
			}
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			p.deadLetter(ev, attempts, lastErr, domain.DeadLetterAbandoned)
			return
		}
		if domain.IsPermanent(err) {
			log.Warn("permanent failure", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		log.Warn("execution failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	if p.metrics != nil {
		p.metrics.EventExecuted(OutcomeDeadLetter, clock.Since(p.clock, start))
	}
	p.deadLetter(ev, attempts, lastErr, domain.DeadLetterExhausted)
}

func (p *Pool) safeExecute(ctx context.Context, ev domain.DispatchEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return p.exec.Execute(ctx, ev)
}

func (p *Pool) deadLetter(ev domain.DispatchEvent, attempts int, cause error, reason domain.DeadLetterReason) {
	dl := domain.DeadLetter{
		ID:             uuid.New(),
		IdempotencyKey: ev.IdempotencyKey,
		TriggerID:      ev.TriggerID,
		TemplateID:     ev.Payload.TemplateID,
		Recipient:      ev.Payload.Recipient,
		ScheduledAt:    ev.ScheduledAt,
		Attempts:       attempts,
		Reason:         reason,
		CreatedAt:      p.clock.Now().UTC(),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DeadLetterTimeout)
	defer cancel()

	if p.metrics != nil {
		p.metrics.DeadLettered(string(reason))
	}
	if err := p.dead.Write(ctx, dl); err != nil {
		p.logger.Error("dead-letter write failed",
			zap.String("idempotency_key", dl.IdempotencyKey),
			zap.String("reason", string(reason)),
			zap.String("last_error", dl.LastError),
			zap.Error(err),
		)
		return
	}
	p.logger.Error("event dead-lettered",
		zap.String("trigger_id", dl.TriggerID),
		zap.String("idempotency_key", dl.IdempotencyKey),
		zap.String("reason", string(reason)),
		zap.Int("attempts", attempts),
		zap.String("last_error", dl.LastError),
	)
}
