package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqstream/cqstream/internal/ack"
	"github.com/cqstream/cqstream/internal/notify"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/query/aggregator"
	"github.com/cqstream/cqstream/internal/queue"
	"github.com/cqstream/cqstream/internal/router"
	"github.com/cqstream/cqstream/internal/stream"
	"github.com/cqstream/cqstream/pkg/types"
)

func xyDesc() *types.Descriptor {
	return types.NewDescriptor(
		types.NewField("x", types.TypeInt4, -1),
		types.NewField("y", types.TypeInt4, -1),
	)
}

func collectView(t *testing.T, name string) *aggregator.View {
	t.Helper()
	v, err := aggregator.NewView(name, xyDesc(), []string{"x"}, []aggregator.AggregateSpec{
		{Function: "collect", Column: "y", As: "ys"},
	})
	require.NoError(t, err)
	return v
}

func insertRows(t *testing.T, ctx context.Context, opts stream.InsertOptions, rows ...types.Tuple) error {
	t.Helper()
	in, err := stream.BeginInsert(stream.ExecContext{}, opts)
	require.NoError(t, err)
	for _, r := range rows {
		_, err := in.Insert(ctx, r)
		require.NoError(t, err)
	}
	return in.End(ctx)
}

func TestPool_EndToEndGroupCollect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qs := []*queue.Queue{queue.New(0, 1<<20), queue.New(1, 1<<20), queue.New(2, 1<<20), queue.New(3, 1<<20)}
	coord := ack.NewCoordinator()
	stats := observability.NewStats(nil, 0)
	view := collectView(t, "by_x")
	readers := stream.NewReaderSet()
	readers.Add(1, view.Name())

	pool := NewPool(qs, []Binding{{ID: 1, Stream: "events", View: view}}, coord, stats,
		Config{BatchSize: 100, MaxWait: 5 * time.Millisecond}, nil)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	err := insertRows(t, ctx, stream.InsertOptions{
		Stream:      "events",
		Desc:        xyDesc(),
		Readers:     readers,
		Router:      router.New(qs, 10000),
		Coordinator: coord,
		Stats:       stats,
		Synchronous: true,
	}, types.Tuple{int32(1), int32(1)}, types.Tuple{int32(1), int32(2)}, types.Tuple{int32(2), int32(1)})
	require.NoError(t, err)

	row, ok := view.Lookup(int32(1))
	require.True(t, ok)
	assert.Equal(t, []interface{}{int32(1), int32(2)}, row[1])
	row, ok = view.Lookup(int32(2))
	require.True(t, ok)
	assert.Equal(t, []interface{}{int32(1)}, row[1])
	assert.Equal(t, 0, coord.Pending())

	qst, ok := stats.Query("by_x")
	require.True(t, ok)
	assert.Equal(t, int64(3), qst.InputRows)
}

func TestWorker_ProcessBatchIsolatesFailingView(t *testing.T) {
	ctx := context.Background()
	q := queue.New(0, 1<<20)
	coord := ack.NewCoordinator()

	textDesc := types.NewDescriptor(
		types.NewField("x", types.TypeInt4, -1),
		types.NewField("y", types.TypeText, -1),
	)
	good, err := aggregator.NewView("good", textDesc, []string{"x"}, []aggregator.AggregateSpec{{Function: "count"}})
	require.NoError(t, err)
	bad := collectView(t, "bad")

	readers := stream.NewReaderSet()
	readers.Add(1, "good")
	readers.Add(2, "bad")
	in, err := stream.BeginInsert(stream.ExecContext{}, stream.InsertOptions{
		Stream: "s", Desc: textDesc, Readers: readers, Router: router.New([]*queue.Queue{q}, 100),
		Coordinator: coord, Synchronous: true,
	})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{int32(1), "not a number"})
	require.NoError(t, err)
	batch := in.Batch()

	stats := observability.NewStats(nil, 0)
	notifier := notify.NewNotifier(10)
	sub := notifier.Subscribe("test", nil)
	w := New(0, q, []Binding{{ID: 1, Stream: "s", View: good}, {ID: 2, Stream: "s", View: bad}}, coord, stats,
		Config{BatchSize: 10, Notifier: notifier}, nil)
	raw, ok := q.TryPop()
	require.True(t, ok)

	res := w.ProcessBatch(ctx, [][]byte{raw})
	assert.Equal(t, 1, res.Messages)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Rows["good"])
	_, ran := res.Rows["bad"]
	assert.False(t, ran)

	assert.Len(t, good.Rows(), 1)
	assert.Empty(t, bad.Rows())
	assert.Equal(t, 1, batch.Acked())
	require.NoError(t, in.End(ctx))

	ps := stats.Snapshot().Procs
	require.Len(t, ps, 1)
	assert.Equal(t, int64(1), ps[0].Errors)

	updated := <-sub.Ch
	assert.Equal(t, notify.ViewUpdated, updated.Type)
	assert.Equal(t, "good", updated.View)
	assert.Equal(t, 1, updated.Rows)
	failed := <-sub.Ch
	assert.Equal(t, notify.QueryFailed, failed.Type)
	assert.Equal(t, "bad", failed.View)
}

func TestWorker_ProcessBatchAfterCancelAppliesBeforeAck(t *testing.T) {
	ctx := context.Background()
	q := queue.New(0, 1<<20)
	coord := ack.NewCoordinator()
	first := collectView(t, "first")
	second := collectView(t, "second")

	readers := stream.NewReaderSet()
	readers.Add(1, "first")
	readers.Add(2, "second")
	in, err := stream.BeginInsert(stream.ExecContext{}, stream.InsertOptions{
		Stream: "s", Desc: xyDesc(), Readers: readers, Router: router.New([]*queue.Queue{q}, 100),
		Coordinator: coord, Synchronous: true,
	})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{int32(1), int32(5)})
	require.NoError(t, err)
	batch := in.Batch()

	w := New(0, q, []Binding{{ID: 1, Stream: "s", View: first}, {ID: 2, Stream: "s", View: second}}, coord, nil,
		Config{BatchSize: 10}, nil)
	raw, ok := q.TryPop()
	require.True(t, ok)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	res := w.ProcessBatch(cancelled, [][]byte{raw})

	assert.Equal(t, 1, res.Rows["first"])
	assert.Equal(t, 1, res.Rows["second"])
	assert.Len(t, first.Rows(), 1)
	assert.Len(t, second.Rows(), 1)
	assert.Equal(t, 1, batch.Acked())
	require.NoError(t, in.End(ctx))
}

func TestWorker_DropsCorruptMessages(t *testing.T) {
	q := queue.New(0, 1<<20)
	w := New(0, q, []Binding{{ID: 1, Stream: "s", View: collectView(t, "v")}}, nil, nil, Config{BatchSize: 10}, nil)
	res := w.ProcessBatch(context.Background(), [][]byte{{0xff, 0xff}})
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 0, res.Rows["v"])
}

func TestWorker_CollectHonorsBatchSize(t *testing.T) {
	ctx := context.Background()
	q := queue.New(0, 1<<20)
	for i := 0; i < 5; i++ {
		ok, err := q.PushNoLock(ctx, []byte{byte(i)}, false)
		require.NoError(t, err)
		require.True(t, ok)
	}
	w := New(0, q, nil, nil, nil, Config{BatchSize: 3, MaxWait: time.Millisecond}, nil)

	batch, err := w.collect(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	batch, err = w.collect(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestWorker_RunStopsWhenQueueClosed(t *testing.T) {
	q := queue.New(0, 1<<20)
	w := New(0, q, nil, nil, nil, Config{BatchSize: 3}, nil)
	q.Close()
	assert.NoError(t, w.Run(context.Background()))
}
