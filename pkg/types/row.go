// Package types provides the row and schema descriptor types shared by the
// delivery and projection paths.
package types

// Tuple is one row of values positioned by a Descriptor. A nil element is
// SQL NULL. Element types per column type:
//
//	bool                   bool
//	bytea                  []byte
//	int2 / int4 / int8     int16 / int32 / int64
//	float4 / float8        float32 / float64
//	text / varchar         string
//	json                   JSON
//	timestamp(tz)          time.Time
//	record                 Record
type Tuple []any

// JSON is the textual form of a json value.
type JSON string

// Record is a composite value whose shape is resolved through the
// record-type registry by TypeMod.
type Record struct {
	TypeMod int32
	Values  Tuple
}

// NewTuple returns a tuple of n NULL values.
func NewTuple(n int) Tuple {
	return make(Tuple, n)
}

// IsNull reports whether position i holds NULL.
func (t Tuple) IsNull(i int) bool {
	return i < 0 || i >= len(t) || t[i] == nil
}
