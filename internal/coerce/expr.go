// Package coerce converts values between column types. A conversion is first
// attempted as a cast expression evaluated on the spot; when no cast exists
// between the two types the value is rendered to text with the source type's
// output rules and parsed back with the target type's input rules.
package coerce

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

// Context is the strictness at which a cast may be applied.
type Context int

const (
	// CastImplicit casts apply anywhere.
	CastImplicit Context = iota
	// CastAssignment casts apply when storing into a column.
	CastAssignment
	// CastExplicit casts apply only when written out by the user.
	CastExplicit
)

func (c Context) String() string {
	switch c {
	case CastImplicit:
		return "implicit"
	case CastAssignment:
		return "assignment"
	case CastExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("Context(%d)", int(c))
	}
}

// Expr is an evaluable typed expression.
type Expr interface {
	Type() types.TypeID
	TypeMod() int32
	Eval() (any, error)
}

// Const is a literal of a given type.
type Const struct {
	Typ    types.TypeID
	Typmod int32
	Value  any
}

func (c *Const) Type() types.TypeID { return c.Typ }
func (c *Const) TypeMod() int32     { return c.Typmod }
func (c *Const) Eval() (any, error) { return c.Value, nil }

// CastExpr converts the result of Arg to Target. NULL input yields NULL.
type CastExpr struct {
	Arg    Expr
	Target types.TypeID
	Typmod int32
	Via    CastMethod

	fn  castFunc
	reg *recordtype.Registry
}

func (c *CastExpr) Type() types.TypeID { return c.Target }
func (c *CastExpr) TypeMod() int32     { return c.Typmod }

func (c *CastExpr) Eval() (any, error) {
	v, err := c.Arg.Eval()
	if err != nil || v == nil {
		return nil, err
	}
	return c.fn(v, c.Arg, c)
}

// CastMethod records how a cast is carried out.
type CastMethod int

const (
	// CastFunction is a dedicated conversion between two types.
	CastFunction CastMethod = iota
	// CastBinary reinterprets the value with no conversion work.
	CastBinary
	// CastViaIO goes through the source output and target input rules.
	CastViaIO
)

type castFunc func(v any, arg Expr, c *CastExpr) (any, error)

type castKey struct {
	from, to types.TypeID
}

type castEntry struct {
	ctx    Context
	method CastMethod
	fn     castFunc
}

var castTable = map[castKey]castEntry{}

func addCast(from, to types.TypeID, ctx Context, method CastMethod, fn castFunc) {
	castTable[castKey{from, to}] = castEntry{ctx: ctx, method: method, fn: fn}
}

func init() {
	ints := []types.TypeID{types.TypeInt2, types.TypeInt4, types.TypeInt8}
	for i, from := range ints {
		for j, to := range ints {
			if i == j {
				continue
			}
			ctx := CastImplicit
			if j < i {
				ctx = CastAssignment
			}
			addCast(from, to, ctx, CastFunction, castIntToInt)
		}
		addCast(from, types.TypeFloat4, CastImplicit, CastFunction, castIntToFloat)
		addCast(from, types.TypeFloat8, CastImplicit, CastFunction, castIntToFloat)
	}

	addCast(types.TypeFloat4, types.TypeFloat8, CastImplicit, CastFunction, castFloatToFloat)
	addCast(types.TypeFloat8, types.TypeFloat4, CastAssignment, CastFunction, castFloatToFloat)
	for _, to := range ints {
		addCast(types.TypeFloat4, to, CastAssignment, CastFunction, castFloatToInt)
		addCast(types.TypeFloat8, to, CastAssignment, CastFunction, castFloatToInt)
	}

	addCast(types.TypeInt4, types.TypeBool, CastExplicit, CastFunction, castIntToBool)
	addCast(types.TypeBool, types.TypeInt4, CastExplicit, CastFunction, castBoolToInt)

	addCast(types.TypeText, types.TypeVarchar, CastImplicit, CastBinary, castToVarchar)
	addCast(types.TypeVarchar, types.TypeText, CastImplicit, CastBinary, castBinary)
	addCast(types.TypeVarchar, types.TypeVarchar, CastImplicit, CastFunction, castToVarchar)

	addCast(types.TypeTimestamp, types.TypeTimestampTZ, CastImplicit, CastFunction, castTimestamp)
	addCast(types.TypeTimestampTZ, types.TypeTimestamp, CastAssignment, CastFunction, castTimestamp)
}

// CoerceToTargetType returns an expression converting expr to target, or nil
// when no cast from expr's type is allowed in ctx. Any type may be stored
// into a string column through its output rules in assignment context.
func CoerceToTargetType(expr Expr, target types.TypeID, typmod int32, ctx Context, reg *recordtype.Registry) Expr {
	src := expr.Type()
	if src == target && target != types.TypeVarchar {
		return expr
	}
	if e, ok := castTable[castKey{src, target}]; ok && e.ctx <= ctx {
		if src == target && (typmod < 0 || typmod == expr.TypeMod()) {
			return expr
		}
		return &CastExpr{Arg: expr, Target: target, Typmod: typmod, Via: e.method, fn: e.fn, reg: reg}
	}
	if target.IsString() && ctx >= CastAssignment {
		return &CastExpr{Arg: expr, Target: target, Typmod: typmod, Via: CastViaIO, fn: castViaIO, reg: reg}
	}
	if src.IsString() && ctx >= CastExplicit {
		return &CastExpr{Arg: expr, Target: target, Typmod: typmod, Via: CastViaIO, fn: castViaIO, reg: reg}
	}
	return nil
}

func castBinary(v any, _ Expr, _ *CastExpr) (any, error) {
	return v, nil
}

func castViaIO(v any, arg Expr, c *CastExpr) (any, error) {
	s, err := Output(v, arg.Type(), c.reg)
	if err != nil {
		return nil, err
	}
	return Input(s, c.Target, c.Typmod, c.reg)
}

func castIntToInt(v any, _ Expr, c *CastExpr) (any, error) {
	n, ok := asInt64(v)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	return intOfType(n, c.Target)
}

func castIntToFloat(v any, _ Expr, c *CastExpr) (any, error) {
	n, ok := asInt64(v)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	if c.Target == types.TypeFloat4 {
		return float32(n), nil
	}
	return float64(n), nil
}

func castFloatToFloat(v any, _ Expr, c *CastExpr) (any, error) {
	f, ok := asFloat64(v)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	if c.Target == types.TypeFloat8 {
		return f, nil
	}
	if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return nil, outOfRange(types.TypeFloat4)
	}
	return float32(f), nil
}

func castFloatToInt(v any, _ Expr, c *CastExpr) (any, error) {
	f, ok := asFloat64(v)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, outOfRange(c.Target)
	}
	r := math.RoundToEven(f)
	if r < math.MinInt64 || r >= math.MaxInt64 {
		return nil, outOfRange(c.Target)
	}
	return intOfType(int64(r), c.Target)
}

func castIntToBool(v any, _ Expr, c *CastExpr) (any, error) {
	n, ok := asInt64(v)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	return n != 0, nil
}

func castBoolToInt(v any, _ Expr, c *CastExpr) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	if b {
		return int32(1), nil
	}
	return int32(0), nil
}

func castToVarchar(v any, _ Expr, c *CastExpr) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	return checkVarcharLength(s, c.Typmod)
}

func castTimestamp(v any, _ Expr, c *CastExpr) (any, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, unexpectedValue(v, c.Target)
	}
	return t.UTC(), nil
}

func checkVarcharLength(s string, typmod int32) (string, error) {
	if typmod >= 0 && utf8.RuneCountInString(s) > int(typmod) {
		return "", streamerrors.NewTypeError(streamerrors.CodeValueOutOfRange,
			fmt.Sprintf("value too long for type varchar(%d)", typmod), nil)
	}
	return s, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	}
	return 0, false
}

func intOfType(n int64, t types.TypeID) (any, error) {
	switch t {
	case types.TypeInt2:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, outOfRange(t)
		}
		return int16(n), nil
	case types.TypeInt4:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, outOfRange(t)
		}
		return int32(n), nil
	case types.TypeInt8:
		return n, nil
	}
	return nil, streamerrors.NewInternalError(fmt.Sprintf("%s is not an integer type", t), nil)
}

func outOfRange(t types.TypeID) error {
	return streamerrors.NewTypeError(streamerrors.CodeValueOutOfRange,
		fmt.Sprintf("value out of range for type %s", t), nil)
}

func unexpectedValue(v any, t types.TypeID) error {
	return streamerrors.NewTypeError(streamerrors.CodeUnsupportedValue,
		fmt.Sprintf("cannot cast Go value %T to %s", v, t), nil)
}
