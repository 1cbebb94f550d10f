package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/cron"
	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/retry"
)

var errSuperseded = errors.New("trigger cancelled or rescheduled")

// Parser turns a trigger schedule into fire times.
type Parser interface {
	FromSchedule(s domain.Schedule, anchor time.Time) (cron.Schedule, error)
}

// Emitter accepts events without blocking. A full buffer reports
// domain.ErrQueueFull.
type Emitter interface {
	Enqueue(event domain.DispatchEvent) error
}

// CursorStore persists the last emitted scheduled time per trigger so
// misfires are detected across restarts.
type CursorStore interface {
	LoadCursors(ctx context.Context) (map[string]time.Time, error)
	SaveCursor(ctx context.Context, triggerID string, scheduledAt time.Time) error
	DeleteCursor(ctx context.Context, triggerID string) error
}

// MetricsSink records scheduler metrics. Methods must not block.
type MetricsSink interface {
	EventEmitted(catchUp bool)
	TriggerMisfired(policy string, missed int)
	EnqueueRetried()
	TriggersActive(n int)
}

type Config struct {
	TickInterval time.Duration

	// MisfireThreshold is how late an occurrence may be and still count as
	// on time.
	MisfireThreshold time.Duration

	EnqueueMaxAttempts int
	EnqueueBackoff     retry.Backoff

	// MaxCatchUp bounds how many occurrences one tick walks for a trigger.
	MaxCatchUp int

	// CompletedRetention is how long Cleanup keeps a one-shot trigger after
	// its last activity. Zero keeps completed triggers until cancelled.
	CompletedRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		MisfireThreshold:   5 * time.Second,
		EnqueueMaxAttempts: 5,
		EnqueueBackoff:     retry.Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second},
		MaxCatchUp:         1000,
	}
}

type entry struct {
	trigger domain.Trigger
	sched   cron.Schedule
	gen     uint64
	next    time.Time // zero when exhausted
	status  domain.TriggerStatus
}

func (e *entry) transition(next domain.TriggerState) bool {
	if e.status.State == next {
		return true
	}
	if !e.status.State.CanTransitionTo(next) {
		return false
	}
	e.status.State = next
	return true
}

// Scheduler owns the trigger registry and the driver loop. Add, Cancel and
// Reschedule are safe to call while Run is active.
type Scheduler struct {
	cfg     Config
	parser  Parser
	emitter Emitter
	cursors CursorStore // optional
	metrics MetricsSink // optional
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	triggers map[string]*entry
	restored map[string]time.Time
	gen      uint64
}

func New(cfg Config, parser Parser, emitter Emitter, c clock.Clock, logger *zap.Logger) *Scheduler {
	if cfg.EnqueueMaxAttempts < 1 {
		cfg.EnqueueMaxAttempts = 1
	}
	if cfg.MaxCatchUp < 1 {
		cfg.MaxCatchUp = 1000
	}
	return &Scheduler{
		cfg:      cfg,
		parser:   parser,
		emitter:  emitter,
		clock:    c,
		logger:   logger.Named("Scheduler"),
		triggers: make(map[string]*entry),
		restored: make(map[string]time.Time),
	}
}

func (s *Scheduler) WithCursorStore(cs CursorStore) *Scheduler {
	s.cursors = cs
	return s
}

func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Restore loads persisted cursors. Call it before adding triggers so that
// occurrences missed while the process was down are seen as misfires.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.cursors == nil {
		return nil
	}
	cursors, err := s.cursors.LoadCursors(ctx)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range cursors {
		s.restored[id] = at.UTC()
	}
	s.logger.Info("cursors restored", zap.Int("count", len(cursors)))
	return nil
}

// Add registers a trigger. The trigger id must be unique.
func (s *Scheduler) Add(t domain.Trigger) error {
	if t.ID == "" {
		return fmt.Errorf("trigger id is required")
	}
	if t.Misfire == "" {
		t.Misfire = domain.MisfireFireOnceImmediately
	}
	if !t.Misfire.Valid() {
		return fmt.Errorf("trigger %s: unknown misfire policy %q", t.ID, t.Misfire)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[t.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrTriggerExists, t.ID)
	}
	e, err := s.newEntry(t, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	s.triggers[t.ID] = e
	s.reportActive()

	s.logger.Info("trigger added",
		zap.String("trigger_id", t.ID),
		zap.String("schedule", t.Schedule.String()),
		zap.Time("next_fire_at", e.next),
	)
	return nil
}

// newEntry must be called with s.mu held.
func (s *Scheduler) newEntry(t domain.Trigger, now time.Time) (*entry, error) {
	cursor, hasCursor := s.restored[t.ID]

	anchor := t.StartAt.UTC()
	if t.StartAt.IsZero() {
		anchor = now
		if hasCursor {
			anchor = cursor
		}
	}
	sched, err := s.parser.FromSchedule(t.Schedule, anchor)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", t.ID, err)
	}

	var next time.Time
	switch {
	case t.Schedule.Kind == domain.ScheduleKindOnce:
		if !hasCursor || cursor.Before(t.Schedule.At) {
			next = t.Schedule.At.UTC()
		}
	case hasCursor:
		next = sched.Next(cursor)
	default:
		next = sched.Next(anchor)
	}

	s.gen++
	e := &entry{
		trigger: t,
		sched:   sched,
		gen:     s.gen,
		next:    next,
		status: domain.TriggerStatus{
			TriggerID:  t.ID,
			Schedule:   t.Schedule.String(),
			State:      domain.TriggerStateScheduled,
			NextFireAt: next,
		},
	}
	if next.IsZero() {
		e.status.State = domain.TriggerStateCompleted
	}
	return e, nil
}

// Cancel removes a trigger. Once Cancel returns, no new event for the
// trigger is created. Events already enqueued are not recalled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.triggers[id]
	if ok {
		e.transition(domain.TriggerStateCancelled)
		delete(s.triggers, id)
		delete(s.restored, id)
		s.reportActive()
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTriggerNotFound, id)
	}
	if s.cursors != nil {
		if err := s.cursors.DeleteCursor(ctx, id); err != nil {
			s.logger.Warn("delete cursor failed", zap.String("trigger_id", id), zap.Error(err))
		}
	}
	s.logger.Info("trigger cancelled", zap.String("trigger_id", id))
	return nil
}

// Reschedule replaces a trigger's schedule and misfire policy, re-anchoring
// at startAt, or now when startAt is zero. Payload is kept.
func (s *Scheduler) Reschedule(id string, sched domain.Schedule, policy domain.MisfirePolicy, startAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTriggerNotFound, id)
	}
	t := old.trigger
	t.Schedule = sched
	t.StartAt = startAt
	if policy != "" {
		if !policy.Valid() {
			return fmt.Errorf("trigger %s: unknown misfire policy %q", id, policy)
		}
		t.Misfire = policy
	}

	delete(s.restored, id)
	e, err := s.newEntry(t, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	e.status.Fired = old.status.Fired
	e.status.Misfires = old.status.Misfires
	e.status.LastFiredAt = old.status.LastFiredAt
	e.status.LastMisfire = old.status.LastMisfire
	s.triggers[id] = e

	s.logger.Info("trigger rescheduled",
		zap.String("trigger_id", id),
		zap.String("schedule", sched.String()),
		zap.Time("next_fire_at", e.next),
	)
	return nil
}

func (s *Scheduler) Status(id string) (domain.TriggerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.triggers[id]
	if !ok {
		return domain.TriggerStatus{}, fmt.Errorf("%w: %s", domain.ErrTriggerNotFound, id)
	}
	return e.status, nil
}

// List returns every registered trigger's status ordered by id.
func (s *Scheduler) List() []domain.TriggerStatus {
	s.mu.Lock()
	out := make([]domain.TriggerStatus, 0, len(s.triggers))
	for _, e := range s.triggers {
		out = append(out, e.status)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out
}

// Cleanup drops exhausted one-shot triggers whose last firing or misfire is
// older than CompletedRetention and reports how many were removed.
func (s *Scheduler) Cleanup(now time.Time) int {
	if s.cfg.CompletedRetention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.CompletedRetention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.triggers {
		if e.trigger.Schedule.Kind != domain.ScheduleKindOnce || !e.next.IsZero() {
			continue
		}
		last := e.status.LastFiredAt
		if e.status.LastMisfire.After(last) {
			last = e.status.LastMisfire
		}
		if last.After(cutoff) {
			continue
		}
		delete(s.triggers, id)
		delete(s.restored, id)
		removed++
	}
	if removed > 0 {
		s.reportActive()
	}
	return removed
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.processTick(ctx)
		}
	}
}

func (s *Scheduler) processTick(ctx context.Context) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	var due []string
	for id, e := range s.triggers {
		if !e.next.IsZero() && !e.next.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.fire(ctx, id, now); err != nil && !errors.Is(err, errSuperseded) {
			s.logger.Error("fire failed", zap.String("trigger_id", id), zap.Error(err))
		}
	}
}

// occurrence is one event the driver intends to emit. resume is the next
// fire time once it has been enqueued.
type occurrence struct {
	scheduledAt time.Time
	resume      time.Time
	sched       cron.Schedule // replaces the entry's schedule when set
	catchUp     bool
	missed      int
}

func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	e, ok := s.triggers[id]
	if !ok || e.next.IsZero() || e.next.After(now) {
		s.mu.Unlock()
		return nil
	}
	gen := e.gen
	plan, missed, err := s.plan(e, now)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e.transition(domain.TriggerStateDue)
	if len(plan) > 0 {
		e.transition(domain.TriggerStateFiring)
	}
	policy := e.trigger.Misfire
	if missed > 0 {
		e.status.Misfires += missed
		e.status.LastMisfire = now
		if len(plan) == 0 {
			e.status.NextFireAt = e.next
			e.transition(domain.TriggerStateMisfired)
			if !e.next.IsZero() {
				e.transition(domain.TriggerStateScheduled)
			}
		}
	}
	s.mu.Unlock()

	if missed > 0 {
		s.logger.Warn("trigger misfired",
			zap.String("trigger_id", id),
			zap.String("policy", string(policy)),
			zap.Int("missed", missed),
			zap.Error(domain.ErrSchedulerMisfire),
		)
		if s.metrics != nil {
			s.metrics.TriggerMisfired(string(policy), missed)
		}
	}

	for _, occ := range plan {
		if err := s.emit(ctx, e, gen, occ, now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.live(e, gen) && len(plan) > 0 {
		if missed > 0 {
			e.transition(domain.TriggerStateMisfired)
		} else {
			e.transition(domain.TriggerStateCompleted)
		}
		if !e.next.IsZero() {
			e.transition(domain.TriggerStateScheduled)
		}
	}
	s.mu.Unlock()
	return nil
}

// plan walks the occurrences due at now and applies the misfire policy.
// Must be called with s.mu held.
func (s *Scheduler) plan(e *entry, now time.Time) ([]occurrence, int, error) {
	var due []time.Time
	t := e.next
	for !t.IsZero() && !t.After(now) {
		if len(due) >= s.cfg.MaxCatchUp {
			t = e.sched.Next(now)
			break
		}
		due = append(due, t)
		t = e.sched.Next(t)
	}
	after := t

	var late, onTime []time.Time
	for _, at := range due {
		if now.Sub(at) > s.cfg.MisfireThreshold {
			late = append(late, at)
		} else {
			onTime = append(onTime, at)
		}
	}

	var plan []occurrence
	if len(late) > 0 {
		switch e.trigger.Misfire {
		case domain.MisfireFireNow:
			occ := occurrence{scheduledAt: now, missed: len(late), catchUp: true}
			if e.trigger.Schedule.Kind == domain.ScheduleKindInterval {
				sched, err := s.parser.FromSchedule(e.trigger.Schedule, now)
				if err != nil {
					return nil, 0, err
				}
				occ.sched = sched
				occ.resume = sched.Next(now)
			} else {
				occ.resume = e.sched.Next(now)
			}
			return []occurrence{occ}, len(late), nil

		case domain.MisfireFireOnceImmediately:
			last := late[len(late)-1]
			resume := after
			if len(onTime) > 0 {
				resume = onTime[0]
			}
			plan = append(plan, occurrence{scheduledAt: last, resume: resume, catchUp: true, missed: len(late)})

		case domain.MisfireSkip:
		}
	}

	for i, at := range onTime {
		resume := after
		if i+1 < len(onTime) {
			resume = onTime[i+1]
		}
		plan = append(plan, occurrence{scheduledAt: at, resume: resume})
	}
	if len(plan) == 0 {
		// skip with nothing on time
		e.next = after
	}
	return plan, len(late), nil
}

// live reports whether e is still the registered entry at generation gen.
// Must be called with s.mu held.
func (s *Scheduler) live(e *entry, gen uint64) bool {
	cur, ok := s.triggers[e.trigger.ID]
	return ok && cur == e && e.gen == gen
}

// emit enqueues one occurrence. The liveness check and Enqueue happen under
// the same lock as Cancel, so a cancelled trigger never emits. On a full
// queue the lock is released for the backoff.
func (s *Scheduler) emit(ctx context.Context, e *entry, gen uint64, occ occurrence, now time.Time) error {
	event := domain.DispatchEvent{
		ID:             uuid.New(),
		TriggerID:      e.trigger.ID,
		Payload:        e.trigger.Payload,
		ScheduledAt:    occ.scheduledAt,
		FiredAt:        now,
		IdempotencyKey: IdempotencyKey(e.trigger.ID, occ.scheduledAt),
		CatchUp:        occ.catchUp,
		Missed:         occ.missed,
	}

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if !s.live(e, gen) {
			s.mu.Unlock()
			return errSuperseded
		}
		err := s.emitter.Enqueue(event)
		if err == nil {
			if occ.sched != nil {
				e.sched = occ.sched
			}
			e.next = occ.resume
			e.status.NextFireAt = occ.resume
			e.status.LastFiredAt = now
			e.status.Fired++
			s.mu.Unlock()

			s.afterEmit(ctx, event)
			return nil
		}
		s.mu.Unlock()

		if !errors.Is(err, domain.ErrQueueFull) {
			return fmt.Errorf("enqueue %s at %s: %w", e.trigger.ID, occ.scheduledAt.Format(time.RFC3339), err)
		}
		if attempt >= s.cfg.EnqueueMaxAttempts {
			// cursor not advanced, the next tick tries again
			return fmt.Errorf("enqueue %s at %s after %d attempts: %w",
				e.trigger.ID, occ.scheduledAt.Format(time.RFC3339), attempt, err)
		}
		if s.metrics != nil {
			s.metrics.EnqueueRetried()
		}
		if werr := retry.Wait(ctx, s.cfg.EnqueueBackoff.Delay(attempt)); werr != nil {
			return werr
		}
	}
}

func (s *Scheduler) afterEmit(ctx context.Context, event domain.DispatchEvent) {
	if s.metrics != nil {
		s.metrics.EventEmitted(event.CatchUp)
	}
	if s.cursors != nil {
		if err := s.cursors.SaveCursor(ctx, event.TriggerID, event.ScheduledAt); err != nil {
			s.logger.Warn("save cursor failed", zap.String("trigger_id", event.TriggerID), zap.Error(err))
		}
	}
	s.logger.Debug("event emitted",
		zap.String("trigger_id", event.TriggerID),
		zap.Time("scheduled_at", event.ScheduledAt),
		zap.Bool("catch_up", event.CatchUp),
	)
}

// reportActive must be called with s.mu held.
func (s *Scheduler) reportActive() {
	if s.metrics != nil {
		s.metrics.TriggersActive(len(s.triggers))
	}
}

// IdempotencyKey is hex(sha256(triggerID ":" unix(scheduledAt))).
func IdempotencyKey(triggerID string, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", triggerID, scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
