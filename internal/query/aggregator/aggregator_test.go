package aggregator

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqstream/cqstream/pkg/types"
)

func xyDesc() *types.Descriptor {
	return types.NewDescriptor(
		types.NewField("x", types.TypeInt4, -1),
		types.NewField("y", types.TypeInt4, -1),
	)
}

func TestPartialAggregate_Results(t *testing.T) {
	tests := []struct {
		name   string
		typ    AggregateType
		values []interface{}
		want   interface{}
	}{
		{"count skips nulls", AggCount, []interface{}{int32(1), nil, int32(3)}, int64(2)},
		{"count empty", AggCount, nil, int64(0)},
		{"int sum stays integer", AggSum, []interface{}{int32(1), int64(2)}, int64(3)},
		{"float sum", AggSum, []interface{}{int32(1), 1.5}, 2.5},
		{"sum empty", AggSum, nil, nil},
		{"min", AggMin, []interface{}{int32(5), int32(2), int32(9)}, int32(2)},
		{"max strings", AggMax, []interface{}{"a", "c", "b"}, "c"},
		{"avg", AggAvg, []interface{}{int32(1), int32(2)}, 1.5},
		{"collect keeps order", AggCollect, []interface{}{int32(3), nil, int32(1)}, []interface{}{int32(3), int32(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPartialAggregate(tt.typ)
			for _, v := range tt.values {
				p.Accumulate(v)
			}
			assert.Equal(t, tt.want, p.Result())
		})
	}
}

func TestParseAggregateType(t *testing.T) {
	typ, err := ParseAggregateType("array_agg")
	require.NoError(t, err)
	assert.Equal(t, AggCollect, typ)
	_, err = ParseAggregateType("median")
	assert.Error(t, err)
}

func TestView_GroupByCollect(t *testing.T) {
	v, err := NewView("v", xyDesc(), []string{"x"}, []AggregateSpec{
		{Function: "collect", Column: "y", As: "ys"},
		{Function: "count"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "ys", "count(*)"}, v.Columns())

	v.Apply([]types.Tuple{{int32(1), int32(1)}, {int32(1), int32(2)}})
	v.Apply([]types.Tuple{{int32(2), int32(1)}})

	rows := v.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, types.Tuple{int32(1), []interface{}{int32(1), int32(2)}, int64(2)}, rows[0])
	assert.Equal(t, types.Tuple{int32(2), []interface{}{int32(1)}, int64(1)}, rows[1])

	row, ok := v.Lookup(int32(2))
	require.True(t, ok)
	assert.Equal(t, []interface{}{int32(1)}, row[1])
	_, ok = v.Lookup(int64(2))
	assert.False(t, ok)
	assert.Equal(t, int64(3), v.InputRows())

	v.Reset()
	assert.Empty(t, v.Rows())
}

func TestView_SortedRows(t *testing.T) {
	v, err := NewView("v", xyDesc(), []string{"x"}, []AggregateSpec{{Function: "sum", Column: "y", As: "total"}})
	require.NoError(t, err)
	v.Apply([]types.Tuple{{int32(3), int32(1)}, {int32(1), int32(5)}, {int32(2), int32(7)}})

	rows, err := v.SortedRows(OrderBy{Column: "x"})
	require.NoError(t, err)
	assert.Equal(t, []types.Tuple{{int32(1), int64(5)}, {int32(2), int64(7)}, {int32(3), int64(1)}}, rows)

	rows, err = v.SortedRows(OrderBy{Column: "total", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), rows[0][0])

	_, err = v.SortedRows(OrderBy{Column: "missing"})
	assert.Error(t, err)
}

func TestNewView_Errors(t *testing.T) {
	_, err := NewView("v", xyDesc(), []string{"z"}, nil)
	assert.Error(t, err)
	_, err = NewView("v", xyDesc(), nil, []AggregateSpec{{Function: "sum"}})
	assert.Error(t, err)
	_, err = NewView("v", xyDesc(), nil, []AggregateSpec{{Function: "sum", Column: "z"}})
	assert.Error(t, err)
	_, err = NewView("v", xyDesc(), nil, []AggregateSpec{{Function: "median", Column: "y"}})
	assert.Error(t, err)
}

// Splitting the input into batches never changes the result.
func TestProperty_BatchSplitInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	specs := []AggregateSpec{
		{Function: "count"},
		{Function: "sum", Column: "y"},
		{Function: "min", Column: "y"},
		{Function: "max", Column: "y"},
		{Function: "collect", Column: "y"},
	}

	properties.Property("batched equals whole", prop.ForAll(
		func(xs []int, split int) bool {
			rows := make([]types.Tuple, len(xs))
			for i, x := range xs {
				rows[i] = types.Tuple{int32(x % 3), int32(x)}
			}
			whole, _ := NewView("w", xyDesc(), []string{"x"}, specs)
			batched, _ := NewView("b", xyDesc(), []string{"x"}, specs)
			whole.Apply(rows)
			if split > len(rows) {
				split = len(rows)
			}
			batched.Apply(rows[:split])
			batched.Apply(rows[split:])
			return assert.ObjectsAreEqual(whole.Rows(), batched.Rows())
		},
		gen.SliceOf(gen.IntRange(0, 50)),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
