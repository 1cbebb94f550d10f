// Package leaderelection elects the single replica that runs the scheduler.
//
// Leadership is a Postgres session-scoped advisory lock held on a dedicated
// connection. There is no TTL: if the connection dies, Postgres releases the
// lock. The heartbeat ping only detects local connection death so the leader
// stops its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reasons reported to LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink records leader election metrics. Methods must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

type Config struct {
	LockKey int64

	// RetryInterval is how often a follower retries the lock. It bounds the
	// failover gap.
	RetryInterval time.Duration

	HeartbeatInterval time.Duration
}

// Elector runs leader duties on at most one replica sharing a database.
type Elector struct {
	db        *sql.DB
	cfg       Config
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	logger    *zap.Logger
	leader    atomic.Bool
}

// New creates an Elector.
//
// onElected runs in a new goroutine when the lock is acquired; its context
// is cancelled when leadership ends. onDemoted runs synchronously after
// leadership ends and must block until leader duties have stopped.
func New(db *sql.DB, cfg Config, onElected func(ctx context.Context), onDemoted func(), logger *zap.Logger) *Elector {
	return &Elector{
		db:        db,
		cfg:       cfg,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    logger.Named("LeaderElection"),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run campaigns until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("election loop started",
		zap.Int64("lock_key", e.cfg.LockKey),
		zap.Duration("retry", e.cfg.RetryInterval),
		zap.Duration("heartbeat", e.cfg.HeartbeatInterval),
	)
	defer e.logger.Info("election loop stopped")

	for ctx.Err() == nil {
		if reason := e.campaign(ctx); reason != "" && ctx.Err() == nil {
			e.logger.Warn("leadership lost", zap.String("reason", reason), zap.Duration("retry_in", e.cfg.RetryInterval))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// campaign tries the lock once and, if acquired, holds it until the
// connection dies or ctx ends. It returns why leadership ended, or "" if
// the lock was not acquired.
func (e *Elector) campaign(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("dedicated connection unavailable", zap.Error(err))
		}
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockKey).Scan(&acquired); err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("advisory lock query failed", zap.Error(err))
		}
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another replica", zap.Int64("lock_key", e.cfg.LockKey))
		return ""
	}

	e.logger.Info("acquired leadership", zap.Int64("lock_key", e.cfg.LockKey))
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.hold(ctx, conn)

	cancel()
	e.onDemoted()
	e.leader.Store(false)

	if reason == ReasonShutdown {
		unlockCtx, cancelUnlock := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", e.cfg.LockKey); err != nil {
			e.logger.Warn("advisory unlock failed, lock released on disconnect", zap.Error(err))
		}
		cancelUnlock()
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info("released leadership", zap.String("reason", reason))
	return reason
}

func (e *Elector) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Error("dedicated connection ping failed", zap.Error(err))
				return ReasonConnLost
			}
		}
	}
}
