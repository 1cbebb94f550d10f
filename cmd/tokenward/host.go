package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
)

// triggerScheduler is the part of scheduler.Scheduler the host drives.
type triggerScheduler interface {
	Restore(ctx context.Context) error
	Add(t domain.Trigger) error
	Cancel(ctx context.Context, id string) error
	List() []domain.TriggerStatus
	Run(ctx context.Context) error
}

// schedulerHost runs a fresh scheduler for every leadership term so each
// term starts from the cursors the previous leader persisted. Triggers
// cancelled through the API stay cancelled across terms.
type schedulerHost struct {
	build    func() triggerScheduler
	triggers []domain.Trigger
	logger   *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	current   triggerScheduler
	active    bool
	cancelled map[string]struct{}
}

func newSchedulerHost(build func() triggerScheduler, triggers []domain.Trigger, logger *zap.Logger) *schedulerHost {
	h := &schedulerHost{
		build:     build,
		triggers:  triggers,
		logger:    logger.Named("SchedulerHost"),
		cancelled: make(map[string]struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Run is the leader duty. It returns when ctx is cancelled.
func (h *schedulerHost) Run(ctx context.Context) {
	h.mu.Lock()
	if ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.active = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.current = nil
		h.active = false
		h.cond.Broadcast()
		h.mu.Unlock()
	}()

	s := h.build()
	if err := s.Restore(ctx); err != nil {
		h.logger.Error("cursor restore failed, misfires before this term are not detected", zap.Error(err))
	}

	h.mu.Lock()
	added := 0
	for _, t := range h.triggers {
		if _, gone := h.cancelled[t.ID]; gone {
			continue
		}
		if err := s.Add(t); err != nil {
			h.logger.Error("trigger rejected", zap.String("trigger_id", t.ID), zap.Error(err))
			continue
		}
		added++
	}
	h.current = s
	h.mu.Unlock()

	h.logger.Info("scheduling as leader", zap.Int("triggers", added))
	_ = s.Run(ctx)
}

// Stop blocks until the current Run has returned. The elector calls it
// after cancelling the leader context.
func (h *schedulerHost) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.active {
		h.cond.Wait()
	}
}

// List reports the leader's triggers. Followers have none running.
func (h *schedulerHost) List() []domain.TriggerStatus {
	h.mu.Lock()
	s := h.current
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.List()
}

// Cancel stops a trigger for the rest of this process's life. It must reach
// the leader; followers report it as not found.
func (h *schedulerHost) Cancel(ctx context.Context, id string) error {
	h.mu.Lock()
	s := h.current
	h.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %s (not the leader)", domain.ErrTriggerNotFound, id)
	}
	if err := s.Cancel(ctx, id); err != nil {
		return err
	}

	h.mu.Lock()
	h.cancelled[id] = struct{}{}
	h.mu.Unlock()
	return nil
}

// triggerRegistry lists and cancels triggers.
type triggerRegistry interface {
	List() []domain.TriggerStatus
	Cancel(ctx context.Context, id string) error
}

// triggerSet joins the leader's manifest triggers with the runtime
// notifications this replica accepted.
type triggerSet struct {
	leader  triggerRegistry
	runtime triggerRegistry
}

func (s triggerSet) List() []domain.TriggerStatus {
	out := append(s.leader.List(), s.runtime.List()...)
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out
}

// Cancel looks in the runtime notifications first. Anything else must reach
// the leader.
func (s triggerSet) Cancel(ctx context.Context, id string) error {
	err := s.runtime.Cancel(ctx, id)
	if !errors.Is(err, domain.ErrTriggerNotFound) {
		return err
	}
	return s.leader.Cancel(ctx, id)
}

// pendingCount counts triggers still waiting to fire.
func pendingCount(statuses []domain.TriggerStatus) int {
	n := 0
	for _, st := range statuses {
		if st.State == domain.TriggerStateScheduled {
			n++
		}
	}
	return n
}

// triggerIDs returns the ids of every configured trigger, sorted.
func triggerIDs(triggers []domain.Trigger) []string {
	ids := make([]string, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}
