package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqstream/cqstream/internal/jsoncodec"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/query/aggregator"
	"github.com/cqstream/cqstream/internal/storage"
	"github.com/cqstream/cqstream/pkg/types"
)

func testView(t *testing.T, name string) *aggregator.View {
	t.Helper()
	desc := types.NewDescriptor(
		types.NewField("x", types.TypeInt4, -1),
		types.NewField("y", types.TypeInt4, -1),
	)
	v, err := aggregator.NewView(name, desc, []string{"x"}, []aggregator.AggregateSpec{
		{Function: "collect", Column: "y", As: "ys"},
	})
	require.NoError(t, err)
	return v
}

func TestExportAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	byX := testView(t, "By_X")
	byX.Apply([]types.Tuple{{int32(1), int32(1)}, {int32(1), int32(2)}, {int32(2), int32(1)}})
	empty := testView(t, "empty")

	stats := observability.NewStats(nil, 0)
	stats.IncrementStreamInsert("events", 3, 1, 30)

	exp := NewExporter(store, "run-1", []*aggregator.View{byX, empty}, stats, nil)
	require.NoError(t, exp.Export(ctx))

	snaps, err := Load(ctx, store, "run-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, "By_X", snaps[0].Name)
	assert.Equal(t, []string{"x", "ys"}, snaps[0].Columns)
	assert.Equal(t, int64(3), snaps[0].InputRows)
	require.Len(t, snaps[0].Rows, 2)
	assert.Equal(t, float64(1), snaps[0].Rows[0][0])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, snaps[0].Rows[0][1])
	assert.Equal(t, "empty", snaps[1].Name)
	assert.Empty(t, snaps[1].Rows)

	raw, err := store.Get(ctx, StatsKey("run-1"))
	require.NoError(t, err)
	var st observability.Snapshot
	require.NoError(t, jsoncodec.Unmarshal(raw, &st))
	require.Len(t, st.Streams, 1)
	assert.Equal(t, int64(3), st.Streams[0].InputRows)
}

func TestExport_Overwrites(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	v := testView(t, "v")
	exp := NewExporter(store, "", []*aggregator.View{v}, nil, nil)
	require.NoError(t, exp.Export(ctx))
	v.Apply([]types.Tuple{{int32(5), int32(6)}})
	require.NoError(t, exp.Export(ctx))

	snaps, err := Load(ctx, store, "")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Rows, 1)

	exists, err := store.Exists(ctx, StatsKey(""))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_ExportsPeriodically(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(store, "p", []*aggregator.View{testView(t, "v")}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		exp.Run(ctx, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		ok, _ := store.Exists(context.Background(), ViewKey("p", "v"))
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "views/by_x.json", ViewKey("", "BY_X"))
	assert.Equal(t, "a/b/views/v.json", ViewKey("a/b", "v"))
	assert.Equal(t, "stats.json", StatsKey(""))
}
