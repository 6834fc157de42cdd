// Package ack tracks in-flight delivery batches so a synchronous producer can
// wait until the workers it delivered to have consumed its messages.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
)

// Mode selects how a producer finishes a batch.
type Mode int

const (
	// ModeFireAndForget returns as soon as every message is queued.
	ModeFireAndForget Mode = iota
	// ModeWait blocks until all messages are acknowledged.
	ModeWait
	// ModeSkipWait is used for deliveries issued from inside a worker: the
	// producer must not wait on workers that may be waiting on it.
	ModeSkipWait
)

func (m Mode) String() string {
	switch m {
	case ModeFireAndForget:
		return "fire-and-forget"
	case ModeWait:
		return "wait"
	case ModeSkipWait:
		return "skip-wait"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ResolveMode derives the mode from the synchronous delivery setting and the
// re-entrancy of the producer.
func ResolveMode(synchronous, reentrant bool) Mode {
	switch {
	case reentrant:
		return ModeSkipWait
	case synchronous:
		return ModeWait
	default:
		return ModeFireAndForget
	}
}

// Batch is the acknowledgment state of one delivery batch.
type Batch struct {
	ID      uuid.UUID
	Created time.Time

	mu      sync.Mutex
	acked   int
	workers map[int]int
	changed chan struct{}
}

// Acked returns the number of acknowledged messages.
func (b *Batch) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Workers returns how many distinct workers acknowledged messages.
func (b *Batch) Workers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.workers)
}

func (b *Batch) add(worker, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked += n
	b.workers[worker] += n
	close(b.changed)
	b.changed = make(chan struct{})
}

// wait blocks until at least expected messages are acknowledged.
func (b *Batch) wait(ctx context.Context, expected int) error {
	for {
		b.mu.Lock()
		if b.acked >= expected {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Coordinator owns every in-flight batch of a process.
type Coordinator struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*Batch
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{batches: make(map[uuid.UUID]*Batch)}
}

// Create registers a new batch.
func (c *Coordinator) Create() *Batch {
	b := &Batch{
		ID:      uuid.New(),
		Created: time.Now(),
		workers: make(map[int]int),
		changed: make(chan struct{}),
	}
	c.mu.Lock()
	c.batches[b.ID] = b
	c.mu.Unlock()
	return b
}

// Get returns the batch with the given id.
func (c *Coordinator) Get(id uuid.UUID) (*Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[id]
	return b, ok
}

// MarkDelivered records n messages of batch id as consumed by worker. It
// reports false when the batch is no longer tracked, which happens when the
// producer gave up waiting.
func (c *Coordinator) MarkDelivered(id uuid.UUID, worker, n int) bool {
	b, ok := c.Get(id)
	if !ok {
		return false
	}
	b.add(worker, n)
	return true
}

// WaitAndRemove blocks until expected messages of b are acknowledged, then
// stops tracking it. A cancelled or expired ctx yields a retryable
// ACK_TIMEOUT error; the batch is dropped either way.
func (c *Coordinator) WaitAndRemove(ctx context.Context, b *Batch, expected int) error {
	defer c.Remove(b.ID)
	if err := b.wait(ctx, expected); err != nil {
		code := streamerrors.CodeAckTimeout
		msg := fmt.Sprintf("batch %s: %d of %d messages acknowledged", b.ID, b.Acked(), expected)
		if errors.Is(err, context.Canceled) {
			return streamerrors.NewDeliveryError(code, msg+" before cancellation", err)
		}
		return streamerrors.NewDeliveryError(code, msg, err)
	}
	return nil
}

// Remove stops tracking batch id.
func (c *Coordinator) Remove(id uuid.UUID) {
	c.mu.Lock()
	delete(c.batches, id)
	c.mu.Unlock()
}

// Pending returns the number of tracked batches.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}
