package types

import (
	"fmt"
	"strings"
)

// ArrivalTimestamp is the name of the virtual column that carries the time
// an event was appended to its stream.
const ArrivalTimestamp = "arrival_timestamp"

// Field describes a single column of a row shape.
type Field struct {
	// Name is the column name; lookups against it are case-insensitive
	Name string `json:"name" yaml:"name"`

	// Type is the column type
	Type TypeID `json:"type" yaml:"type"`

	// TypeMod is the type modifier: the length limit for varchar and the
	// record-type identifier for record columns, -1 when unused
	TypeMod int32 `json:"typmod" yaml:"typmod"`

	// Len is the storage width in bytes, -1 for variable width
	Len int16 `json:"len" yaml:"len"`

	// ByVal indicates whether the value is passed by value
	ByVal bool `json:"byval" yaml:"byval"`
}

// NewField creates a field whose storage layout is derived from its type.
func NewField(name string, typ TypeID, typmod int32) Field {
	return Field{
		Name:    name,
		Type:    typ,
		TypeMod: typmod,
		Len:     typ.Len(),
		ByVal:   typ.ByVal(),
	}
}

// Descriptor is an ordered list of fields describing a row shape.
type Descriptor struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// NewDescriptor creates a descriptor from the given fields.
func NewDescriptor(fields ...Field) *Descriptor {
	return &Descriptor{Fields: fields}
}

// NumFields returns the number of fields in the descriptor.
func (d *Descriptor) NumFields() int {
	if d == nil {
		return 0
	}
	return len(d.Fields)
}

// FieldIndex returns the position of the first field whose name matches
// name case-insensitively, or -1.
func (d *Descriptor) FieldIndex(name string) int {
	if d == nil {
		return -1
	}
	for i, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	fields := make([]Field, len(d.Fields))
	copy(fields, d.Fields)
	return &Descriptor{Fields: fields}
}

// Rename returns a copy of the descriptor with fields renamed positionally.
func (d *Descriptor) Rename(names []string) (*Descriptor, error) {
	if len(names) != d.NumFields() {
		return nil, fmt.Errorf("types: %d column names for %d fields", len(names), d.NumFields())
	}
	out := d.Clone()
	for i, n := range names {
		out.Fields[i].Name = n
	}
	return out, nil
}

// Equal reports whether two descriptors have the same fields in the same order.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d.NumFields() != other.NumFields() {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// String renders the descriptor as (name:type, ...).
func (d *Descriptor) String() string {
	if d == nil {
		return "()"
	}
	parts := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		parts[i] = f.Name + ":" + f.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
