package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqstream/cqstream/internal/ack"
	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/message"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/queue"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/internal/router"
	"github.com/cqstream/cqstream/pkg/types"
)

var workerCtx = ExecContext{InContinuousProcess: true}

func xyDesc() *types.Descriptor {
	return types.NewDescriptor(
		types.NewField("x", types.TypeInt4, -1),
		types.NewField("y", types.TypeInt4, -1),
	)
}

func drain(t *testing.T, qs []*queue.Queue) []*message.Message {
	t.Helper()
	var out []*message.Message
	for _, q := range qs {
		for {
			b, ok := q.TryPop()
			if !ok {
				break
			}
			m, err := message.Unframe(b)
			require.NoError(t, err)
			out = append(out, m)
		}
	}
	return out
}

func TestCheckReadable(t *testing.T) {
	err := CheckReadable("events", ExecContext{})
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeNotContinuousContext, streamerrors.GetCode(err))
	assert.Equal(t, streamerrors.ErrCategoryUsage, streamerrors.GetCategory(err))

	var se *streamerrors.StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ReadHint, se.Hint)
	assert.Contains(t, se.Message, `"events"`)

	assert.NoError(t, CheckReadable("events", ExecContext{InContinuousProcess: true}))
	assert.NoError(t, CheckReadable("events", ExecContext{RootIsContinuous: true}))
}

func TestEstimateRows(t *testing.T) {
	assert.Equal(t, 100.0, EstimateRows(10000))
	assert.Equal(t, 25.0, EstimateRows(100))
	assert.Equal(t, 0.0, EstimateRows(0))
}

func TestReaderSet(t *testing.T) {
	rs := NewReaderSet()
	rs.Add(3, "c")
	rs.Add(1, "a")
	rs.Add(2, "b")
	assert.Equal(t, []uint32{1, 2, 3}, rs.IDs())
	rs.Remove(2)
	assert.Equal(t, []uint32{1, 3}, rs.IDs())
	name, ok := rs.Name(3)
	assert.True(t, ok)
	assert.Equal(t, "c", name)
	assert.Equal(t, 2, rs.Len())
}

func TestInsertThenScan(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20), queue.New(1, 1<<20)}
	readers := NewReaderSet()
	readers.Add(1, "v1")
	stats := observability.NewStats(nil, 0)

	in, err := BeginInsert(ExecContext{}, InsertOptions{
		Stream:  "events",
		Desc:    xyDesc(),
		Readers: readers,
		Router:  router.New(qs, 2),
		Stats:   stats,
	})
	require.NoError(t, err)
	assert.Equal(t, ack.ModeFireAndForget, in.Mode())

	rows := []types.Tuple{{int32(1), int32(1)}, {int32(1), int32(2)}, {int32(2), int32(1)}}
	for _, r := range rows {
		out, err := in.Insert(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, r, out)
	}
	require.NoError(t, in.End(ctx))

	st, ok := stats.Stream("events")
	require.True(t, ok)
	assert.Equal(t, int64(3), st.InputRows)
	assert.Equal(t, int64(2), st.InputBatches)

	msgs := drain(t, qs)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, []uint32{1}, m.Targets)
		assert.Nil(t, m.Ack)
	}

	target := types.NewDescriptor(
		types.NewField("y", types.TypeInt8, -1),
		types.NewField("x", types.TypeText, -1),
	)
	ec := ExecContext{InContinuousProcess: true, QueryID: 1, QueryName: "v1"}
	scan, err := BeginScan(ec, NewSliceSource(msgs), ScanOptions{Stream: "events", Target: target, Stats: stats})
	require.NoError(t, err)

	var got []types.Tuple
	for {
		row, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row)
	}
	scan.ReScan()
	scan.End()

	assert.ElementsMatch(t, []types.Tuple{
		{int64(1), "1"}, {int64(2), "1"}, {int64(1), "2"},
	}, got)
	qst, ok := stats.Query("v1")
	require.True(t, ok)
	assert.Equal(t, int64(3), qst.InputRows)
	assert.Equal(t, int64(1), qst.Rebuilds)
}

func TestScan_SkipsMessagesForOtherQueries(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	readers := NewReaderSet()
	readers.Add(7, "other")

	in, err := BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Desc: xyDesc(), Readers: readers, Router: router.New(qs, 10)})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{int32(1), int32(2)})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))

	scan, err := BeginScan(ExecContext{InContinuousProcess: true, QueryID: 8}, NewSliceSource(drain(t, qs)),
		ScanOptions{Stream: "s", Target: xyDesc()})
	require.NoError(t, err)
	_, ok, err := scan.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	scan.End()
}

func TestScan_RenamesColumns(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	in, err := BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Desc: xyDesc(), Router: router.New(qs, 10)})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{int32(5), int32(6)})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))

	target := types.NewDescriptor(
		types.NewField("a", types.TypeInt4, -1),
		types.NewField("b", types.TypeInt4, -1),
	)
	scan, err := BeginScan(workerCtx, NewSliceSource(drain(t, qs)),
		ScanOptions{Stream: "s", Target: target, Columns: []string{"Y", "X"}})
	require.NoError(t, err)
	row, ok, err := scan.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Tuple{int32(6), int32(5)}, row)
	scan.End()

	_, err = BeginScan(workerCtx, NewSliceSource(nil), ScanOptions{Stream: "s", Target: target, Columns: []string{"only"}})
	assert.Error(t, err)
}

func TestBeginScan_OutsideContinuousQuery(t *testing.T) {
	_, err := BeginScan(ExecContext{}, NewSliceSource(nil), ScanOptions{Stream: "s", Target: xyDesc()})
	assert.Equal(t, streamerrors.CodeNotContinuousContext, streamerrors.GetCode(err))
}

func TestScan_CoercionFailureCountsError(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	src := types.NewDescriptor(types.NewField("y", types.TypeText, -1))
	in, err := BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Desc: src, Router: router.New(qs, 10)})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{"not a number"})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))

	stats := observability.NewStats(nil, 0)
	target := types.NewDescriptor(types.NewField("y", types.TypeInt4, -1))
	scan, err := BeginScan(ExecContext{InContinuousProcess: true, QueryName: "v"}, NewSliceSource(drain(t, qs)),
		ScanOptions{Stream: "s", Target: target, Stats: stats})
	require.NoError(t, err)
	_, _, err = scan.Next()
	assert.Equal(t, streamerrors.CodeTypeMismatch, streamerrors.GetCode(err))
	scan.End()

	qst, ok := stats.Query("v")
	require.True(t, ok)
	assert.Equal(t, int64(1), qst.Errors)
}

func TestInsert_SynchronousWaitsForAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	coord := ack.NewCoordinator()

	in, err := BeginInsert(ExecContext{}, InsertOptions{
		Stream: "s", Desc: xyDesc(), Router: router.New(qs, 10),
		Coordinator: coord, Synchronous: true,
	})
	require.NoError(t, err)
	require.Equal(t, ack.ModeWait, in.Mode())
	require.NotNil(t, in.Batch())

	for i := 0; i < 4; i++ {
		_, err := in.Insert(ctx, types.Tuple{int32(i), nil})
		require.NoError(t, err)
	}

	go func() {
		for i := 0; i < 4; i++ {
			b, err := qs[0].Pop(ctx)
			if err != nil {
				return
			}
			m, err := message.Unframe(b)
			if err != nil || m.Ack == nil {
				return
			}
			coord.MarkDelivered(m.Ack.BatchID, 0, m.Ack.Count)
		}
	}()

	require.NoError(t, in.End(ctx))
	assert.Equal(t, 0, coord.Pending())
}

func TestInsert_AckTimeout(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	coord := ack.NewCoordinator()
	in, err := BeginInsert(ExecContext{}, InsertOptions{
		Stream: "s", Desc: xyDesc(), Router: router.New(qs, 10),
		Coordinator: coord, Synchronous: true, AckTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{int32(1), int32(1)})
	require.NoError(t, err)

	err = in.End(ctx)
	assert.Equal(t, streamerrors.CodeAckTimeout, streamerrors.GetCode(err))
	assert.True(t, streamerrors.IsRetryable(err))
	assert.Equal(t, 0, coord.Pending())
}

func TestInsert_ReentrantSkipsWait(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	coord := ack.NewCoordinator()
	in, err := BeginInsert(ExecContext{Reentrant: true}, InsertOptions{
		Stream: "s", Desc: xyDesc(), Router: router.New(qs, 10),
		Coordinator: coord, Synchronous: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ack.ModeSkipWait, in.Mode())
	assert.Nil(t, in.Batch())

	_, err = in.Insert(ctx, types.Tuple{int32(1), int32(1)})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))
	assert.Nil(t, drain(t, qs)[0].Ack)
}

func TestInsert_NoReadersDropsRows(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	coord := ack.NewCoordinator()
	in, err := BeginInsert(ExecContext{}, InsertOptions{
		Stream: "s", Desc: xyDesc(), Readers: NewReaderSet(), Router: router.New(qs, 10),
		Coordinator: coord, Synchronous: true,
	})
	require.NoError(t, err)
	_, err = in.Insert(ctx, types.Tuple{int32(1), int32(1)})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))

	assert.Equal(t, 1, in.Rows())
	assert.Equal(t, 0, qs[0].Len())
	assert.Equal(t, 0, coord.Pending())
}

func TestInsert_InferredStream(t *testing.T) {
	ctx := context.Background()
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	cols := []types.Field{types.NewField("name", types.TypeText, -1)}
	in, err := BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Columns: cols, Router: router.New(qs, 10)})
	require.NoError(t, err)
	assert.Equal(t, "name", in.Descriptor().Fields[0].Name)

	_, err = in.Insert(ctx, types.Tuple{"alice"})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))

	desc, err := drain(t, qs)[0].Descriptor()
	require.NoError(t, err)
	assert.True(t, desc.Equal(in.Descriptor()))

	_, err = BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Router: router.New(qs, 10)})
	assert.Equal(t, streamerrors.CodeInvalidRow, streamerrors.GetCode(err))
}

func TestInsert_RowWidthMismatch(t *testing.T) {
	qs := []*queue.Queue{queue.New(0, 1<<20)}
	in, err := BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Desc: xyDesc(), Router: router.New(qs, 10)})
	require.NoError(t, err)
	_, err = in.Insert(context.Background(), types.Tuple{int32(1)})
	assert.Equal(t, streamerrors.CodeInvalidRow, streamerrors.GetCode(err))
	require.NoError(t, in.End(context.Background()))
}

func TestInsert_NestedRecordsProjectWithEmptyRegistry(t *testing.T) {
	ctx := context.Background()
	reg := recordtype.NewRegistry()
	inner := types.NewDescriptor(
		types.NewField("a", types.TypeInt4, -1),
		types.NewField("b", types.TypeText, -1),
	)
	typmod := reg.Assign(inner)
	desc := types.NewDescriptor(types.NewField("r", types.TypeRecord, typmod))

	qs := []*queue.Queue{queue.New(0, 1<<20)}
	in, err := BeginInsert(ExecContext{}, InsertOptions{Stream: "s", Desc: desc, Registry: reg, Router: router.New(qs, 10)})
	require.NoError(t, err)
	rec := types.Record{TypeMod: typmod, Values: types.Tuple{int32(1), "x"}}
	_, err = in.Insert(ctx, types.Tuple{rec})
	require.NoError(t, err)
	require.NoError(t, in.End(ctx))

	consumer := recordtype.NewRegistry()
	target := types.NewDescriptor(types.NewField("r", types.TypeText, -1))
	scan, err := BeginScan(workerCtx, NewSliceSource(drain(t, qs)),
		ScanOptions{Stream: "s", Target: target, Registry: consumer})
	require.NoError(t, err)
	row, ok, err := scan.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "(1,x)", row[0])
	assert.True(t, consumer.Has(typmod))

	scan.End()
	assert.Equal(t, 0, consumer.Len())
}
