package statsdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqstream/cqstream/internal/observability"
)

func TestCatalog_FlushWritesDeltas(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	stats := observability.NewStats(nil, 0)
	stats.IncrementStreamInsert("events", 3, 1, 120)
	stats.IncrementQueryRead("v1", 3, 120, 1)
	stats.RecordProcBatch(0, 3, 120, 0, time.Millisecond)
	require.NoError(t, c.Flush(ctx, stats.Snapshot()))

	// A second flush with no new activity must not double count.
	require.NoError(t, c.Flush(ctx, stats.Snapshot()))

	stats.IncrementStreamInsert("EVENTS", 2, 2, 80)
	require.NoError(t, c.Flush(ctx, stats.Snapshot()))

	streams, err := c.StreamStats(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, int64(5), streams[0].InputRows)
	assert.Equal(t, int64(3), streams[0].InputBatches)
	assert.Equal(t, int64(200), streams[0].InputBytes)

	queries, err := c.QueryStats(ctx)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "v1", queries[0].Query)
	assert.Equal(t, int64(3), queries[0].InputRows)
	assert.Equal(t, int64(1), queries[0].Rebuilds)

	procs, err := c.ProcStats(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, int64(1), procs[0].Batches)
	assert.Equal(t, time.Millisecond, procs[0].BusyTime)
}

func TestCatalog_AccumulatesAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		c, err := Open(path)
		require.NoError(t, err)
		stats := observability.NewStats(nil, 0)
		stats.IncrementStreamInsert("events", 10, 1, 100)
		require.NoError(t, c.Flush(ctx, stats.Snapshot()))
		require.NoError(t, c.Close())
	}

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()
	streams, err := c.StreamStats(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, int64(20), streams[0].InputRows)
}

func TestFlusher_FlushesOnShutdown(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()

	stats := observability.NewStats(nil, 0)
	f := NewFlusher(c, stats, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	stats.IncrementStreamInsert("events", 1, 1, 10)
	cancel()
	<-done

	streams, err := c.StreamStats(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, int64(1), streams[0].InputRows)
}
