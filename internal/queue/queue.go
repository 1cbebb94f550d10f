// Package queue buffers dispatch events between the scheduler and the
// worker pool that executes them.
package queue

import (
	"context"
	"sync"

	"github.com/djlord-it/tokenward/internal/domain"
)

// Queue is a bounded FIFO of dispatch events. Events sharing an ordering key
// are handed out one at a time: the next one becomes available only after
// Done is called for the previous one.
type Queue struct {
	mu       sync.Mutex
	items    []domain.DispatchEvent
	leased   map[string]struct{}
	capacity int
	closed   bool
	wake     chan struct{}
}

func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		leased:   make(map[string]struct{}),
		capacity: capacity,
		wake:     make(chan struct{}),
	}
}

// broadcast wakes every waiter. Must be called with q.mu held.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue adds ev without blocking. It fails with domain.ErrQueueFull at
// capacity and domain.ErrQueueClosed after Close.
func (q *Queue) Enqueue(ev domain.DispatchEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return domain.ErrQueueFull
	}
	q.items = append(q.items, ev)
	q.broadcast()
	return nil
}

// EnqueueWait adds ev, blocking while the queue is full until space frees
// up or ctx is done.
func (q *Queue) EnqueueWait(ctx context.Context, ev domain.DispatchEvent) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, ev)
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Dequeue blocks until an event whose ordering key is not leased is
// available, ctx is done, or the queue is closed and empty. Once ctx is done
// no further events are handed out, even if some are buffered.
func (q *Queue) Dequeue(ctx context.Context) (domain.DispatchEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DispatchEvent{}, err
		}
		q.mu.Lock()
		for i, ev := range q.items {
			key := ev.OrderingKey()
			if _, busy := q.leased[key]; busy {
				continue
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.leased[key] = struct{}{}
			q.broadcast()
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return domain.DispatchEvent{}, domain.ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.DispatchEvent{}, ctx.Err()
		case <-wake:
		}
	}
}

// Done releases the ordering key of an event returned by Dequeue.
func (q *Queue) Done(ev domain.DispatchEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, ev.OrderingKey())
	q.broadcast()
}

// Close rejects further enqueues. Buffered events can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Drain removes and returns every buffered event.
func (q *Queue) Drain() []domain.DispatchEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.broadcast()
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Cap() int {
	return q.capacity
}
