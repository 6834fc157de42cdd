package coerce

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

func field(name string, typ types.TypeID) types.Field {
	return types.NewField(name, typ, -1)
}

func TestCoerce_TextToIntUsesFallback(t *testing.T) {
	e := NewEngine(nil)
	v, err := e.Coerce("42", field("y", types.TypeText), field("y", types.TypeInt4))
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	assert.Equal(t, uint64(0), e.DirectCount())
	assert.Equal(t, uint64(1), e.FallbackCount())
}

func TestCoerce_IntToTextIsDirect(t *testing.T) {
	e := NewEngine(nil)
	v, err := e.Coerce(int32(42), field("y", types.TypeInt4), field("y", types.TypeText))
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	assert.Equal(t, uint64(1), e.DirectCount())
	assert.Equal(t, uint64(0), e.FallbackCount())
}

func TestCoerce_Null(t *testing.T) {
	e := NewEngine(nil)
	v, err := e.Coerce(nil, field("y", types.TypeBool), field("y", types.TypeTimestamp))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, uint64(0), e.DirectCount()+e.FallbackCount())
}

func TestCoerce_DirectCasts(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		name string
		v    any
		from types.TypeID
		to   types.TypeID
		want any
	}{
		{"int2 to int8", int16(-3), types.TypeInt2, types.TypeInt8, int64(-3)},
		{"int8 to int4", int64(70000), types.TypeInt8, types.TypeInt4, int32(70000)},
		{"int4 to float8", int32(5), types.TypeInt4, types.TypeFloat8, float64(5)},
		{"float8 to int4 rounds half to even", 2.5, types.TypeFloat8, types.TypeInt4, int32(2)},
		{"float8 to int8 rounds", 3.5, types.TypeFloat8, types.TypeInt8, int64(4)},
		{"float4 to float8", float32(0.5), types.TypeFloat4, types.TypeFloat8, 0.5},
		{"text to varchar", "abc", types.TypeText, types.TypeVarchar, "abc"},
		{"timestamp to timestamptz", ts, types.TypeTimestamp, types.TypeTimestampTZ, ts},
		{"bool to text", true, types.TypeBool, types.TypeText, "t"},
		{"json to text", types.JSON(`{"a":1}`), types.TypeJSON, types.TypeText, `{"a":1}`},
		{"bytea to text", []byte{0xde, 0xad}, types.TypeBytea, types.TypeText, `\xdead`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil)
			got, err := e.Coerce(tt.v, field("f", tt.from), field("f", tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, uint64(1), e.DirectCount())
		})
	}
}

func TestCoerce_FallbackCasts(t *testing.T) {
	tests := []struct {
		name string
		v    any
		from types.TypeID
		to   types.TypeID
		want any
	}{
		{"text to float8", "1.25", types.TypeText, types.TypeFloat8, 1.25},
		{"text to bool", "yes", types.TypeText, types.TypeBool, true},
		{"int4 to bool", int32(1), types.TypeInt4, types.TypeBool, true},
		{"text to json", `[1,2]`, types.TypeText, types.TypeJSON, types.JSON(`[1,2]`)},
		{"text to timestamptz", "2024-05-06 07:08:09+00", types.TypeText, types.TypeTimestampTZ,
			time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)},
		{"text to bytea", `\x0102`, types.TypeText, types.TypeBytea, []byte{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil)
			got, err := e.Coerce(tt.v, field("f", tt.from), field("f", tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, uint64(1), e.FallbackCount())
		})
	}
}

func TestCoerce_TypeMismatch(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Coerce("abc", field("y", types.TypeText), field("y", types.TypeInt4))
	require.Error(t, err)
	assert.Equal(t, streamerrors.ErrCategoryType, streamerrors.GetCategory(err))
	assert.Equal(t, streamerrors.CodeTypeMismatch, streamerrors.GetCode(err))
	assert.False(t, streamerrors.IsRetryable(err))

	_, err = e.Coerce(true, field("y", types.TypeBool), field("y", types.TypeTimestamp))
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeTypeMismatch, streamerrors.GetCode(err))
}

func TestCoerce_DirectCastErrorsPropagate(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Coerce(int64(math.MaxInt32)+1, field("y", types.TypeInt8), field("y", types.TypeInt4))
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeValueOutOfRange, streamerrors.GetCode(err))

	_, err = e.Coerce(math.NaN(), field("y", types.TypeFloat8), field("y", types.TypeInt8))
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeValueOutOfRange, streamerrors.GetCode(err))
}

func TestCoerce_VarcharLength(t *testing.T) {
	e := NewEngine(nil)
	dst := types.NewField("code", types.TypeVarchar, 3)

	v, err := e.Coerce("abc", field("code", types.TypeText), dst)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = e.Coerce("abcd", field("code", types.TypeText), dst)
	require.Error(t, err)
	assert.Equal(t, streamerrors.CodeValueOutOfRange, streamerrors.GetCode(err))
}

func TestCoerce_RecordToText(t *testing.T) {
	reg := recordtype.NewRegistry()
	typmod := reg.Assign(types.NewDescriptor(
		field("a", types.TypeInt4),
		field("b", types.TypeText),
		field("c", types.TypeText),
	))

	e := NewEngine(reg)
	rec := types.Record{TypeMod: typmod, Values: types.Tuple{int32(1), "hello, world", nil}}
	v, err := e.Coerce(rec, types.NewField("r", types.TypeRecord, typmod), field("r", types.TypeText))
	require.NoError(t, err)
	assert.Equal(t, `(1,"hello, world",)`, v)

	back, err := Input(v.(string), types.TypeRecord, typmod, reg)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestCoerceToTargetType(t *testing.T) {
	c := &Const{Typ: types.TypeText, Typmod: -1, Value: "7"}
	assert.Nil(t, CoerceToTargetType(c, types.TypeInt4, -1, CastAssignment, nil))

	expr := CoerceToTargetType(c, types.TypeInt4, -1, CastExplicit, nil)
	require.NotNil(t, expr)
	v, err := expr.Eval()
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)

	same := &Const{Typ: types.TypeInt4, Typmod: -1, Value: int32(1)}
	assert.Same(t, same, CoerceToTargetType(same, types.TypeInt4, -1, CastImplicit, nil))

	b := &Const{Typ: types.TypeBool, Typmod: -1, Value: true}
	assert.Nil(t, CoerceToTargetType(b, types.TypeInt4, -1, CastAssignment, nil))
	assert.NotNil(t, CoerceToTargetType(b, types.TypeInt4, -1, CastExplicit, nil))

	null := CoerceToTargetType(&Const{Typ: types.TypeInt4, Typmod: -1}, types.TypeInt8, -1, CastImplicit, nil)
	v, err = null.Eval()
	require.NoError(t, err)
	assert.Nil(t, v)
}
