package ack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
)

func TestResolveMode(t *testing.T) {
	assert.Equal(t, ModeWait, ResolveMode(true, false))
	assert.Equal(t, ModeFireAndForget, ResolveMode(false, false))
	assert.Equal(t, ModeSkipWait, ResolveMode(true, true))
	assert.Equal(t, ModeSkipWait, ResolveMode(false, true))
}

func TestCoordinator_WaitForAllWorkers(t *testing.T) {
	c := NewCoordinator()
	b := c.Create()
	assert.Equal(t, 1, c.Pending())

	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			time.Sleep(time.Duration(worker) * 5 * time.Millisecond)
			assert.True(t, c.MarkDelivered(b.ID, worker, 2))
		}(w)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitAndRemove(ctx, b, 6))
	wg.Wait()

	assert.Equal(t, 6, b.Acked())
	assert.Equal(t, 3, b.Workers())
	assert.Equal(t, 0, c.Pending())
}

func TestCoordinator_AlreadyAcknowledged(t *testing.T) {
	c := NewCoordinator()
	b := c.Create()
	c.MarkDelivered(b.ID, 0, 1)
	require.NoError(t, c.WaitAndRemove(context.Background(), b, 1))
}

func TestCoordinator_Timeout(t *testing.T) {
	c := NewCoordinator()
	b := c.Create()
	c.MarkDelivered(b.ID, 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.WaitAndRemove(ctx, b, 2)
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeAckTimeout, streamerrors.GetCode(err))
	assert.True(t, streamerrors.IsRetryable(err))
	assert.Equal(t, 0, c.Pending())

	assert.False(t, c.MarkDelivered(b.ID, 0, 1), "late acks for a dropped batch are ignored")
}

func TestCoordinator_UnknownBatch(t *testing.T) {
	c := NewCoordinator()
	assert.False(t, c.MarkDelivered(uuid.New(), 0, 1))
}
