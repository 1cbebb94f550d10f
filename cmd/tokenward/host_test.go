package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/scheduler"
)

var _ triggerScheduler = (*scheduler.Scheduler)(nil)

type fakeScheduler struct {
	mu         sync.Mutex
	added      []string
	restoreErr error
	running    chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{running: make(chan struct{})}
}

func (f *fakeScheduler) Restore(context.Context) error { return f.restoreErr }

func (f *fakeScheduler) Add(t domain.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "bad" {
		return errors.New("invalid schedule")
	}
	f.added = append(f.added, t.ID)
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.added {
		if a == id {
			f.added = append(f.added[:i], f.added[i+1:]...)
			return nil
		}
	}
	return domain.ErrTriggerNotFound
}

func (f *fakeScheduler) List() []domain.TriggerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TriggerStatus, len(f.added))
	for i, id := range f.added {
		out[i] = domain.TriggerStatus{TriggerID: id}
	}
	return out
}

func (f *fakeScheduler) Run(ctx context.Context) error {
	close(f.running)
	<-ctx.Done()
	return ctx.Err()
}

var hostTriggers = []domain.Trigger{{ID: "welcome"}, {ID: "bad"}, {ID: "digest"}}

type term struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func elect(h *schedulerHost) term {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	return term{cancel: cancel, done: done}
}

func TestSchedulerHost_FollowerHasNoTriggers(t *testing.T) {
	h := newSchedulerHost(func() triggerScheduler { return newFakeScheduler() }, hostTriggers, zap.NewNop())

	assert.Empty(t, h.List())
	err := h.Cancel(context.Background(), "welcome")
	assert.ErrorIs(t, err, domain.ErrTriggerNotFound)
}

func TestSchedulerHost_LeaderTermLifecycle(t *testing.T) {
	var built []*fakeScheduler
	h := newSchedulerHost(func() triggerScheduler {
		s := newFakeScheduler()
		built = append(built, s)
		return s
	}, hostTriggers, zap.NewNop())

	first := elect(h)
	require.Eventually(t, func() bool { return len(h.List()) == 2 }, time.Second, 5*time.Millisecond, "leader should schedule valid triggers")

	require.NoError(t, h.Cancel(context.Background(), "welcome"))
	assert.Len(t, h.List(), 1)

	first.cancel()
	h.Stop()
	select {
	case <-first.done:
	default:
		t.Fatal("Stop returned before Run")
	}
	assert.Empty(t, h.List())

	second := elect(h)
	defer func() {
		second.cancel()
		h.Stop()
	}()
	require.Eventually(t, func() bool { return len(h.List()) == 1 }, time.Second, 5*time.Millisecond, "second term should start")

	require.Len(t, built, 2)
	assert.Equal(t, []domain.TriggerStatus{{TriggerID: "digest"}}, h.List(), "cancelled trigger stays cancelled")
}

func TestSchedulerHost_RestoreFailureStillSchedules(t *testing.T) {
	h := newSchedulerHost(func() triggerScheduler {
		s := newFakeScheduler()
		s.restoreErr = errors.New("connection refused")
		return s
	}, hostTriggers, zap.NewNop())

	tm := elect(h)
	defer func() {
		tm.cancel()
		h.Stop()
	}()
	require.Eventually(t, func() bool { return len(h.List()) == 2 }, time.Second, 5*time.Millisecond, "triggers added despite restore failure")
}

func TestSchedulerHost_StopBeforeRunStarts(t *testing.T) {
	h := newSchedulerHost(func() triggerScheduler {
		t.Error("cancelled term must not build a scheduler")
		return newFakeScheduler()
	}, hostTriggers, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Stop()
	h.Run(ctx)
	assert.Empty(t, h.List())
}

func TestTriggerIDs(t *testing.T) {
	assert.Equal(t, []string{"bad", "digest", "welcome"}, triggerIDs(hostTriggers))
	assert.Empty(t, triggerIDs(nil))
}

func TestTriggerSet_ListsAndCancelsBoth(t *testing.T) {
	ctx := context.Background()
	leader := newFakeScheduler()
	runtime := newFakeScheduler()
	require.NoError(t, leader.Add(domain.Trigger{ID: "welcome"}))
	require.NoError(t, leader.Add(domain.Trigger{ID: "digest"}))
	require.NoError(t, runtime.Add(domain.Trigger{ID: "notify-order-7"}))
	set := triggerSet{leader: leader, runtime: runtime}

	ids := func() []string {
		var out []string
		for _, st := range set.List() {
			out = append(out, st.TriggerID)
		}
		return out
	}
	assert.Equal(t, []string{"digest", "notify-order-7", "welcome"}, ids())

	require.NoError(t, set.Cancel(ctx, "notify-order-7"))
	require.NoError(t, set.Cancel(ctx, "digest"))
	assert.Equal(t, []string{"welcome"}, ids())

	assert.ErrorIs(t, set.Cancel(ctx, "missing"), domain.ErrTriggerNotFound)
}

func TestTriggerSet_FollowerServesRuntimeNotifications(t *testing.T) {
	ctx := context.Background()
	follower := newSchedulerHost(func() triggerScheduler { return newFakeScheduler() }, hostTriggers, zap.NewNop())
	runtime := newFakeScheduler()
	require.NoError(t, runtime.Add(domain.Trigger{ID: "notify-1"}))
	set := triggerSet{leader: follower, runtime: runtime}

	require.Len(t, set.List(), 1)
	assert.ErrorIs(t, set.Cancel(ctx, "welcome"), domain.ErrTriggerNotFound)
	assert.NoError(t, set.Cancel(ctx, "notify-1"))
	assert.Empty(t, set.List())
}

func TestPendingCount(t *testing.T) {
	statuses := []domain.TriggerStatus{
		{TriggerID: "notify-1", State: domain.TriggerStateScheduled},
		{TriggerID: "notify-2", State: domain.TriggerStateCompleted},
		{TriggerID: "notify-3", State: domain.TriggerStateScheduled},
	}
	assert.Equal(t, 2, pendingCount(statuses))
	assert.Zero(t, pendingCount(nil))
}
