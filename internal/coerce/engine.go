package coerce

import (
	"fmt"
	"sync/atomic"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

// Engine coerces field values during projection and counts which path each
// conversion took.
type Engine struct {
	reg *recordtype.Registry

	direct   atomic.Uint64
	fallback atomic.Uint64
}

// NewEngine creates an engine that resolves record shapes through reg.
func NewEngine(reg *recordtype.Registry) *Engine {
	return &Engine{reg: reg}
}

// Coerce converts v from the src field's type to the dst field's type. NULL
// stays NULL. An assignment cast is evaluated when one exists; otherwise the
// value goes through src's output rules and dst's input rules. Failure of
// that textual round trip is a TYPE_MISMATCH error. Errors raised while
// evaluating an existing cast, such as an out of range value, are returned
// unchanged.
func (e *Engine) Coerce(v any, src, dst types.Field) (any, error) {
	if v == nil {
		return nil, nil
	}

	arg := &Const{Typ: src.Type, Typmod: src.TypeMod, Value: v}
	if expr := CoerceToTargetType(arg, dst.Type, dst.TypeMod, CastAssignment, e.reg); expr != nil {
		e.direct.Add(1)
		return expr.Eval()
	}

	e.fallback.Add(1)
	text, err := Output(v, src.Type, e.reg)
	if err == nil {
		var out any
		out, err = Input(text, dst.Type, dst.TypeMod, e.reg)
		if err == nil {
			return out, nil
		}
	}
	return nil, streamerrors.NewTypeError(streamerrors.CodeTypeMismatch,
		fmt.Sprintf("cannot coerce field %q from %s to %s", src.Name, src.Type, dst.Type), err).
		WithDetails(map[string]interface{}{"field": dst.Name, "from": src.Type.String(), "to": dst.Type.String()})
}

// DirectCount returns how many conversions used a cast expression.
func (e *Engine) DirectCount() uint64 {
	return e.direct.Load()
}

// FallbackCount returns how many conversions used the textual round trip.
func (e *Engine) FallbackCount() uint64 {
	return e.fallback.Load()
}
