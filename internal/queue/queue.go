// Package queue provides the bounded per-worker message queue. Producers
// hold the queue's producer lock for the duration of a push attempt; each
// queue is drained by exactly one worker.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
)

// Queue is a FIFO of framed messages bounded by total payload bytes.
type Queue struct {
	id       int
	capacity int

	// lock is the producer lock: a one-slot semaphore so that a blocked
	// acquire can honor context cancellation.
	lock chan struct{}

	mu      sync.Mutex
	items   [][]byte
	bytes   int
	closed  bool
	changed chan struct{}

	pushed   atomic.Uint64
	rejected atomic.Uint64
}

// New creates queue id holding at most capacityBytes of payload. A message
// larger than the capacity is still accepted into an empty queue.
func New(id, capacityBytes int) *Queue {
	return &Queue{
		id:       id,
		capacity: capacityBytes,
		lock:     make(chan struct{}, 1),
		changed:  make(chan struct{}),
	}
}

// ID returns the queue's worker index.
func (q *Queue) ID() int {
	return q.id
}

// Lock acquires the producer lock, blocking until it is free or ctx ends.
func (q *Queue) Lock(ctx context.Context) error {
	select {
	case q.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the producer lock if it is free.
func (q *Queue) TryLock() bool {
	select {
	case q.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the producer lock.
func (q *Queue) Unlock() {
	select {
	case <-q.lock:
	default:
		panic(fmt.Sprintf("queue %d: unlock of unlocked producer lock", q.id))
	}
}

// PushNoLock appends msg. The caller must hold the producer lock. When the
// queue is full it returns false immediately unless wait is set, in which
// case it blocks until space frees up or ctx ends.
func (q *Queue) PushNoLock(ctx context.Context, msg []byte, wait bool) (bool, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, q.closedError()
		}
		if len(q.items) == 0 || q.bytes+len(msg) <= q.capacity {
			q.items = append(q.items, msg)
			q.bytes += len(msg)
			q.signalLocked()
			q.mu.Unlock()
			q.pushed.Add(1)
			return true, nil
		}
		if !wait {
			q.mu.Unlock()
			q.rejected.Add(1)
			return false, nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Pop removes the oldest message, blocking while the queue is empty. It
// fails once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.popLocked()
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, q.closedError()
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop removes the oldest message if there is one.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

// popLocked removes the head. Caller must hold q.mu.
func (q *Queue) popLocked() []byte {
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= len(msg)
	q.signalLocked()
	return msg
}

// signalLocked wakes every waiter. Caller must hold q.mu.
func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Changed returns a channel closed on the next push, pop or close.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Close rejects further pushes. Messages already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the queued payload size.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Capacity returns the payload byte bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Pushed returns the number of accepted messages.
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}

// Rejected returns how many non-waiting pushes found the queue full.
func (q *Queue) Rejected() uint64 {
	return q.rejected.Load()
}

func (q *Queue) closedError() error {
	return streamerrors.NewDeliveryError(streamerrors.CodeQueueClosed,
		fmt.Sprintf("worker queue %d is closed", q.id), nil)
}
