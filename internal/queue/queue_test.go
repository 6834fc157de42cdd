package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
)

func TestQueue_FIFO(t *testing.T) {
	q := New(0, 1024)
	ctx := context.Background()

	require.NoError(t, q.Lock(ctx))
	for _, m := range []string{"a", "b", "c"} {
		ok, err := q.PushNoLock(ctx, []byte(m), false)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	q.Unlock()

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Bytes())
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, uint64(3), q.Pushed())
}

func TestQueue_FullWithoutWait(t *testing.T) {
	q := New(1, 4)
	ctx := context.Background()

	ok, err := q.PushNoLock(ctx, []byte("abc"), false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.PushNoLock(ctx, []byte("de"), false)
	require.NoError(t, err)
	assert.False(t, ok, "a full queue is not an error")
	assert.Equal(t, uint64(1), q.Rejected())
}

func TestQueue_OversizedMessageIntoEmptyQueue(t *testing.T) {
	q := New(0, 2)
	ok, err := q.PushNoLock(context.Background(), []byte("too large"), false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_WaitingPushUnblocksOnPop(t *testing.T) {
	q := New(0, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := q.PushNoLock(ctx, []byte("abc"), false)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan bool)
	go func() {
		ok, err := q.PushNoLock(ctx, []byte("def"), true)
		done <- ok && err == nil
	}()

	select {
	case <-done:
		t.Fatal("push should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	msg, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(msg))
	assert.True(t, <-done)
}

func TestQueue_WaitingPushHonorsContext(t *testing.T) {
	q := New(0, 1)
	_, err := q.PushNoLock(context.Background(), []byte("a"), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err := q.PushNoLock(ctx, []byte("b"), true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ProducerLock(t *testing.T) {
	q := New(0, 16)
	assert.True(t, q.TryLock())
	assert.False(t, q.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Lock(ctx), context.DeadlineExceeded)

	q.Unlock()
	assert.True(t, q.TryLock())
	q.Unlock()
	assert.Panics(t, func() { q.Unlock() })
}

func TestQueue_Close(t *testing.T) {
	q := New(2, 16)
	ctx := context.Background()
	_, err := q.PushNoLock(ctx, []byte("last"), false)
	require.NoError(t, err)

	q.Close()
	_, err = q.PushNoLock(ctx, []byte("more"), false)
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeQueueClosed, streamerrors.GetCode(err))

	msg, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))

	_, err = q.Pop(ctx)
	require.Error(t, err)
	assert.True(t, streamerrors.IsRetryable(err))
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New(0, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string)
	go func() {
		msg, err := q.Pop(ctx)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(msg)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.PushNoLock(ctx, []byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, "hello", <-got)
}
