package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	var order []string
	sm.RegisterCloser("first", CloserFunc(func() error { order = append(order, "first"); return nil }))
	sm.RegisterCloser("second", CloserFunc(func() error { order = append(order, "second"); return nil }))

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"second", "first"}, order)
	assert.True(t, sm.IsShuttingDown())

	// Second call is a no-op.
	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 2)
}

func TestShutdown_WaitsForInFlightInserts(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	require.True(t, sm.TrackInsert())

	closed := make(chan struct{})
	sm.RegisterCloser("workers", CloserFunc(func() error { close(closed); return nil }))

	go func() {
		time.Sleep(30 * time.Millisecond)
		sm.UntrackInsert()
	}()
	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	<-closed
	assert.Equal(t, int64(0), sm.InFlightCount())
	assert.False(t, sm.TrackInsert())
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 20 * time.Millisecond}, nil)
	require.True(t, sm.TrackInsert())
	err := sm.Shutdown(context.Background(), "test")
	assert.ErrorContains(t, err, "1 in-flight inserts")
}

func TestShutdown_ReportsCloseError(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	sm.RegisterCloser("catalog", CloserFunc(func() error { return errors.New("boom") }))
	err := sm.Shutdown(context.Background(), "test")
	assert.ErrorContains(t, err, "close catalog failed")
}

func TestListenForSignals_ContextCancelled(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.ListenForSignals(ctx))
	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}
}
