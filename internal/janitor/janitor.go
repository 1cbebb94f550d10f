// Package janitor periodically removes expired state that has no TTL of its
// own: in-process revocation and ledger entries, and old dead letters.
package janitor

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
)

// Sweeper drops entries that expired before now and reports how many.
type Sweeper interface {
	Cleanup(now time.Time) int
}

// DeadLetterPruner deletes dead letters created before olderThan.
type DeadLetterPruner interface {
	PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// MetricsSink records janitor metrics. Methods must not block.
type MetricsSink interface {
	JanitorSwept(target string, removed int)
}

// TargetDeadLetters is the target name reported for pruned dead letters.
const TargetDeadLetters = "dead_letters"

type Config struct {
	// Interval is how often the janitor runs.
	// Default: 30 minutes.
	Interval time.Duration

	// DeadLetterRetention is how long dead letters are kept.
	// Default: 30 days.
	DeadLetterRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Minute,
		DeadLetterRetention: 30 * 24 * time.Hour,
	}
}

type Janitor struct {
	cfg      Config
	sweepers map[string]Sweeper
	pruner   DeadLetterPruner // optional
	metrics  MetricsSink      // optional, nil = disabled
	clock    clock.Clock
	logger   *zap.Logger
}

func New(cfg Config, c clock.Clock, logger *zap.Logger) *Janitor {
	return &Janitor{
		cfg:      cfg,
		sweepers: make(map[string]Sweeper),
		clock:    c,
		logger:   logger.Named("Janitor"),
	}
}

// Sweep registers s under name. Nil sweepers are ignored.
func (j *Janitor) Sweep(name string, s Sweeper) *Janitor {
	if s != nil {
		j.sweepers[name] = s
	}
	return j
}

func (j *Janitor) WithDeadLetters(p DeadLetterPruner) *Janitor {
	j.pruner = p
	return j
}

func (j *Janitor) WithMetrics(sink MetricsSink) *Janitor {
	j.metrics = sink
	return j
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info("started",
		zap.Duration("interval", j.cfg.Interval),
		zap.Duration("dead_letter_retention", j.cfg.DeadLetterRetention),
	)

	j.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and returns the number of entries removed per
// target. A failing target is logged and skipped.
func (j *Janitor) RunOnce(ctx context.Context) map[string]int {
	now := j.clock.Now().UTC()
	removed := make(map[string]int, len(j.sweepers)+1)

	names := make([]string, 0, len(j.sweepers))
	for name := range j.sweepers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		removed[name] = j.sweepers[name].Cleanup(now)
	}

	if j.pruner != nil && j.cfg.DeadLetterRetention > 0 && ctx.Err() == nil {
		n, err := j.pruner.PruneDeadLetters(ctx, now.Add(-j.cfg.DeadLetterRetention))
		if err != nil {
			j.logger.Warn("dead letter prune failed, will retry next cycle", zap.Error(err))
		} else {
			removed[TargetDeadLetters] = int(n)
		}
	}

	total := 0
	for target, n := range removed {
		total += n
		if j.metrics != nil && n > 0 {
			j.metrics.JanitorSwept(target, n)
		}
	}
	if total > 0 {
		j.logger.Info("sweep complete", zap.Any("removed", removed))
	}
	return removed
}
